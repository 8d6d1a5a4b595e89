package daemon

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opgo/oprofile/imgreg"
	"github.com/opgo/oprofile/odb"
)

func testConfig() Config {
	return Config{
		Events: []EventSpec{
			{Name: "CPU_CLK_UNHALTED", Value: 0x3c, Counter: 0, Count: 100000, UnitMask: 0},
		},
	}
}

func TestTupleBuilderMergesLibraryUnderAppByDefault(t *testing.T) {
	images := imgreg.New()
	app := images.ImageByPath("/bin/ls", "")
	lib := images.ImageByPath("/lib/libc.so", "/bin/ls")
	lib.AppOwner = "/bin/ls"
	_ = app

	b := TupleBuilder{Cfg: testConfig()}
	tup := b.Tuple(imgreg.Mapping{Image: lib}, imgreg.Mapping{Image: lib}, 0, 1, 1, 0)

	require.Equal(t, "/bin/ls", tup.ImagePath)
	require.Equal(t, "/lib/libc.so", tup.DepImagePath)
	require.Equal(t, "CPU_CLK_UNHALTED", tup.Event)
	require.Equal(t, 100000, tup.ResetCount)
	require.Nil(t, tup.Tgid)
	require.Nil(t, tup.Tid)
	require.Nil(t, tup.Cpu)
}

func TestTupleBuilderSeparateLibKeepsOwnPath(t *testing.T) {
	images := imgreg.New()
	lib := images.ImageByPath("/lib/libc.so", "/bin/ls")
	lib.AppOwner = "/bin/ls"

	cfg := testConfig()
	cfg.SeparateLib = true
	b := TupleBuilder{Cfg: cfg}
	tup := b.Tuple(imgreg.Mapping{Image: lib}, imgreg.Mapping{Image: lib}, 0, 1, 1, 0)

	require.Equal(t, "/lib/libc.so", tup.ImagePath)
	require.Equal(t, "/lib/libc.so", tup.DepImagePath)
}

func TestTupleBuilderSeparateThreadAndCpuSetAxes(t *testing.T) {
	images := imgreg.New()
	img := images.ImageByPath("/bin/ls", "")

	cfg := testConfig()
	cfg.SeparateThread = true
	cfg.SeparateCPU = true
	b := TupleBuilder{Cfg: cfg}
	tup := b.Tuple(imgreg.Mapping{Image: img}, imgreg.Mapping{Image: img}, 0, 42, 7, 3)

	require.NotNil(t, tup.Tid)
	require.Equal(t, 42, *tup.Tid)
	require.NotNil(t, tup.Tgid)
	require.Equal(t, 7, *tup.Tgid)
	require.NotNil(t, tup.Cpu)
	require.Equal(t, 3, *tup.Cpu)
}

func TestTupleBuilderMergesKernelImagesWhenNotSeparated(t *testing.T) {
	images := imgreg.New()
	vmlinux := images.ImageByPath("vmlinux", "")
	vmlinux.IsKernel = true
	module := images.ImageByPath("ext3", "")
	module.IsKernel = true

	b := TupleBuilder{Cfg: testConfig()}
	tupA := b.Tuple(imgreg.Mapping{Image: vmlinux}, imgreg.Mapping{Image: vmlinux}, 0, 0, 0, 0)
	tupB := b.Tuple(imgreg.Mapping{Image: module}, imgreg.Mapping{Image: module}, 0, 0, 0, 0)

	require.Equal(t, mergedKernelPath, tupA.ImagePath)
	require.Equal(t, mergedKernelPath, tupB.ImagePath)
	require.True(t, tupA.ImageKernel)
}

func TestTupleBuilderKeepsKernelImagesSeparateWhenConfigured(t *testing.T) {
	images := imgreg.New()
	vmlinux := images.ImageByPath("vmlinux", "")
	vmlinux.IsKernel = true

	cfg := testConfig()
	cfg.SeparateKernel = true
	b := TupleBuilder{Cfg: cfg}
	tup := b.Tuple(imgreg.Mapping{Image: vmlinux}, imgreg.Mapping{Image: vmlinux}, 0, 0, 0, 0)

	require.Equal(t, "vmlinux", tup.ImagePath)
}

func TestHeaderSetsFlagsAndEventFields(t *testing.T) {
	cfg := testConfig()
	cfg.SeparateCPU = true
	b := TupleBuilder{Cfg: cfg}

	h := b.Header(b.Tuple(
		imgreg.Mapping{Image: &imgreg.Image{Path: "/bin/ls", IsKernel: false}},
		imgreg.Mapping{Image: &imgreg.Image{Path: "/bin/ls"}},
		0, 0, 0, 0,
	))

	require.Equal(t, uint32(1), h.Version)
	require.Equal(t, uint32(0x3c), h.EventID)
	require.Equal(t, uint32(100000), h.ResetCount)
	require.True(t, h.Flags&odb.FlagSeparateCPU != 0)
	require.False(t, h.Flags&odb.FlagIsKernel != 0)
}
