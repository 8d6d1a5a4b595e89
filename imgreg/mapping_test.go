package imgreg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryDedupsByCookie(t *testing.T) {
	r := New()
	a := r.ImageByCookie(42, "/bin/ls")
	b := r.ImageByCookie(42, "/bin/ls-renamed-but-same-cookie")
	require.Same(t, a, b)
	require.Equal(t, 1, r.Count())
}

func TestRegistryDedupsByPath(t *testing.T) {
	r := New()
	a := r.ImageByPath("/lib/libc.so.6", "/bin/ls")
	b := r.ImageByPath("/lib/libc.so.6", "/bin/ls")
	c := r.ImageByPath("/lib/libc.so.6", "/bin/cat")
	require.Same(t, a, b)
	require.NotSame(t, a, c)
	require.Equal(t, 2, r.Count())
}

func TestMappingListBackwardScanShadowsOlder(t *testing.T) {
	r := New()
	imgA := r.ImageByPath("/bin/a", "")
	imgB := r.ImageByPath("/bin/b", "")

	l := NewMappingList()
	l.Append(Mapping{Image: imgA, Start: 0x1000, End: 0x2000})
	l.Append(Mapping{Image: imgB, Start: 0x1800, End: 0x2800})

	m, ok := l.Find(0x1900)
	require.True(t, ok)
	require.Same(t, imgB, m.Image)

	m, ok = l.Find(0x1100)
	require.True(t, ok)
	require.Same(t, imgA, m.Image)
}

func TestMappingListLastMapHint(t *testing.T) {
	r := New()
	img := r.ImageByPath("/bin/a", "")
	l := NewMappingList()
	l.Append(Mapping{Image: img, Start: 0x1000, End: 0x2000})

	_, ok := l.Find(0x1500)
	require.True(t, ok)
	require.Equal(t, 0, l.lastMap)

	_, ok = l.Find(0x1600)
	require.True(t, ok)
	require.Equal(t, 0, l.lastMap)
}

func TestMappingListClearResetsHint(t *testing.T) {
	r := New()
	img := r.ImageByPath("/bin/a", "")
	l := NewMappingList()
	l.Append(Mapping{Image: img, Start: 0x1000, End: 0x2000})
	l.Find(0x1500)
	l.Clear()
	require.Equal(t, 0, l.Len())
	_, ok := l.Find(0x1500)
	require.False(t, ok)
}

func TestMappingListCloneIsIndependent(t *testing.T) {
	r := New()
	img := r.ImageByPath("/bin/a", "")
	l := NewMappingList()
	l.Append(Mapping{Image: img, Start: 0x1000, End: 0x2000})

	clone := l.Clone()
	clone.Append(Mapping{Image: img, Start: 0x3000, End: 0x4000})

	require.Equal(t, 1, l.Len())
	require.Equal(t, 2, clone.Len())
}
