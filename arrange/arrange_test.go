package arrange

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opgo/oprofile/internal/oserr"
)

func intp(v int) *int { return &v }

func TestArrangeGroupsByTemplateAndSet(t *testing.T) {
	paths := []string{
		"/var/lib/oprofile/samples/current/{root}/usr/bin/a/{dep}/usr/bin/a/CPU_CLK_UNHALTED.100000.0.all.all.0",
		"/var/lib/oprofile/samples/current/{root}/usr/bin/a/{dep}/usr/bin/a/CPU_CLK_UNHALTED.100000.0.all.all.1",
	}
	classes, err := Arrange(paths, NewMergeBy(AxisCPU))
	require.NoError(t, err)
	require.Len(t, classes, 1)
	require.Len(t, classes[0].Sets, 1)
	require.Equal(t, "/usr/bin/a", classes[0].Sets[0].ImagePath)
	require.Len(t, classes[0].Sets[0].Files, 2)
}

func TestArrangeSplitsIntoClassesWhenCpuNotMerged(t *testing.T) {
	paths := []string{
		"/var/lib/oprofile/samples/current/{root}/usr/bin/a/{dep}/usr/bin/a/CPU_CLK_UNHALTED.100000.0.all.all.0",
		"/var/lib/oprofile/samples/current/{root}/usr/bin/a/{dep}/usr/bin/a/CPU_CLK_UNHALTED.100000.0.all.all.1",
	}
	classes, err := Arrange(paths, NewMergeBy())
	require.NoError(t, err)
	require.Len(t, classes, 2)

	names := map[string]bool{}
	for _, c := range classes {
		names[c.ShortName] = true
	}
	require.True(t, names["cpu:0"])
	require.True(t, names["cpu:1"])
	require.Equal(t, "Samples on CPU 0", classes[0].LongName)
}

func TestArrangeSingleClassNamedAfterEvent(t *testing.T) {
	paths := []string{
		"/var/lib/oprofile/samples/current/{root}/usr/bin/a/{dep}/usr/bin/a/CPU_CLK_UNHALTED.100000.0.all.all.all",
	}
	classes, err := Arrange(paths, NewMergeBy())
	require.NoError(t, err)
	require.Len(t, classes, 1)
	require.Equal(t, "CPU_CLK_UNHALTED", classes[0].ShortName)
}

func TestArrangeDependentImageKeptAsSubList(t *testing.T) {
	paths := []string{
		"/var/lib/oprofile/samples/current/{root}/usr/bin/a/{dep}/lib/libc.so/CPU_CLK_UNHALTED.100000.0.all.all.all",
	}
	classes, err := Arrange(paths, NewMergeBy())
	require.NoError(t, err)
	require.Len(t, classes, 1)
	set := classes[0].Sets[0]
	require.Equal(t, "/usr/bin/a", set.ImagePath)
	require.Empty(t, set.Files)
	require.Len(t, set.Dependents["/lib/libc.so"], 1)
}

func TestArrangeConflictingAxesError(t *testing.T) {
	paths := []string{
		"/var/lib/oprofile/samples/current/{root}/usr/bin/a/{dep}/usr/bin/a/CPU_CLK_UNHALTED.100000.0.all.all.0",
		"/var/lib/oprofile/samples/current/{root}/usr/bin/a/{dep}/usr/bin/a/CPU_CLK_UNHALTED.100000.1.all.all.1",
	}
	_, err := Arrange(paths, NewMergeBy())
	require.Error(t, err)
	require.True(t, oserr.Is(err, oserr.KindTaxonomyConflict))
	require.Contains(t, err.Error(), "cpu")
}

func TestInvertPreservesClassOrder(t *testing.T) {
	paths := []string{
		"/var/lib/oprofile/samples/current/{root}/usr/bin/a/{dep}/usr/bin/a/CPU_CLK_UNHALTED.100000.0.all.all.0",
		"/var/lib/oprofile/samples/current/{root}/usr/bin/b/{dep}/usr/bin/b/CPU_CLK_UNHALTED.100000.0.all.all.1",
	}
	classes, err := Arrange(paths, NewMergeBy())
	require.NoError(t, err)
	require.Len(t, classes, 2)

	inv := Invert(classes)
	require.Len(t, inv, 2)
	for _, p := range inv {
		require.Len(t, p.PerClass, 2)
		for ci, set := range p.PerClass {
			if set.ImagePath != "" {
				require.Contains(t, classes[ci].Sets, set)
			}
		}
	}
}
