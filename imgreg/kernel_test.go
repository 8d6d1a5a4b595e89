package imgreg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestKernelRegistryResolvesVmlinux(t *testing.T) {
	k := NewKernelRegistry(New())
	k.SetVmlinuxRange("vmlinux", 0xc0000000, 0xc0500000)

	m, err := k.Resolve(0xc0100000)
	require.NoError(t, err)
	require.Equal(t, uint64(0xc0000000), m.Start)
}

func TestKernelRegistryParsesProcModules(t *testing.T) {
	dir := t.TempDir()
	content := "ext3 139264 1 - Live 0xffffffffa0206000\n" +
		"jbd 94892 1 ext3, Live 0xffffffffa01e5000\n"
	path := writeFile(t, dir, "modules", content)

	k := NewKernelRegistry(New())
	k.ProcModules = path

	m, err := k.Resolve(0xffffffffa0206100)
	require.NoError(t, err)
	require.Equal(t, uint64(0xffffffffa0206000), m.Start)
	require.Equal(t, "ext3", m.Image.Path)
}

func TestKernelRegistryFallsBackToKsyms(t *testing.T) {
	dir := t.TempDir()
	missingModules := filepath.Join(dir, "no-such-modules")
	content := "c0247110 vmalloc_32\n" +
		"e0916000 __insmod_ext3_S.text_L139264\n"
	ksyms := writeFile(t, dir, "ksyms", content)

	k := NewKernelRegistry(New())
	k.ProcModules = missingModules
	k.ProcKsyms = ksyms

	m, err := k.Resolve(0xe0916500)
	require.NoError(t, err)
	require.Equal(t, uint64(0xe0916000), m.Start)
	require.Equal(t, uint64(0xe0916000+139264), m.End)
}

func TestKernelRegistryNegativeCacheAfterQuery(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "modules", "")

	k := NewKernelRegistry(New())
	k.ProcModules = path

	calls := 0
	k.Query = func(pc uint64) (uint64, uint64, bool) {
		calls++
		return 0x5000, 0x6000, true
	}

	_, err := k.Resolve(0x5500)
	require.Error(t, err)
	require.Equal(t, 1, calls)

	_, err = k.Resolve(0x5600)
	require.Error(t, err)
	require.Equal(t, 1, calls, "second lookup in the cached negative range must not re-query")
}

func TestKernelRegistryLostKernelWhenNoQueryConfigured(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "modules", "")
	k := NewKernelRegistry(New())
	k.ProcModules = path

	_, err := k.Resolve(0xdeadbeef)
	require.Error(t, err)
}
