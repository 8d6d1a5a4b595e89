package eventstream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opgo/oprofile/imgreg"
	"github.com/opgo/oprofile/internal/statcounters"
	"github.com/opgo/oprofile/odb"
	"github.com/opgo/oprofile/proctrack"
	"github.com/opgo/oprofile/sfile"
)

type fakeTuples struct{}

func (fakeTuples) Tuple(mapping, dep imgreg.Mapping, event uint32, tid, tgid, cpu int32) sfile.Tuple {
	return sfile.Tuple{
		ImagePath: mapping.Image.Path, DepImagePath: mapping.Image.Path,
		Event: "CPU_CLK_UNHALTED", ResetCount: 100000, UnitMask: 0,
	}
}

func (fakeTuples) Header(tup sfile.Tuple) odb.Header {
	return odb.Header{Version: 1, EventID: 0x3c, UnitMask: 0, ResetCount: 100000, CPUTypeID: 6}
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *proctrack.Table, *imgreg.Registry) {
	t.Helper()
	procs := proctrack.New()
	images := imgreg.New()
	mgr, err := sfile.NewManager(t.TempDir(), 10)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	d := &Dispatcher{
		Procs:  procs,
		Kernel: imgreg.NewKernelRegistry(images),
		Images: images,
		Files:  mgr,
		Stats:  &statcounters.Stats{},
		Tuples: fakeTuples{},
	}
	return d, procs, images
}

func TestDispatchSampleInsertsIntoODB(t *testing.T) {
	d, procs, images := newTestDispatcher(t)
	img := images.ImageByPath("/bin/ls", "")
	procs.Mmap(100, imgreg.Mapping{Image: img, Start: 0x1000, Offset: 0, End: 0x2000})

	require.NoError(t, d.Dispatch(CtxSwitch{Tid: 100, Tgid: 100}))
	require.NoError(t, d.Dispatch(Sample{PC: 0x1100, Event: 0}))

	require.Equal(t, uint64(1), d.Stats.SampleCounts.Load())
	require.Equal(t, uint64(1), d.Stats.Samples.Load())
}

func TestDispatchSampleLostProcessWhenTidUnknown(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	require.NoError(t, d.Dispatch(CtxSwitch{Tid: 999}))
	require.NoError(t, d.Dispatch(Sample{PC: 0x1100, Event: 0}))
	require.Equal(t, uint64(1), d.Stats.LostProcess.Load())
	require.Equal(t, uint64(0), d.Stats.SampleCounts.Load())
}

func TestDispatchSampleLostMapProcessWhenNoMappingCovers(t *testing.T) {
	d, procs, images := newTestDispatcher(t)
	img := images.ImageByPath("/bin/ls", "")
	procs.Mmap(100, imgreg.Mapping{Image: img, Start: 0x1000, End: 0x2000})

	require.NoError(t, d.Dispatch(CtxSwitch{Tid: 100}))
	require.NoError(t, d.Dispatch(Sample{PC: 0xffff, Event: 0}))
	require.Equal(t, uint64(1), d.Stats.LostMapProcess.Load())
}

func TestDispatchKernelSampleUsesKernelRegistry(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	d.Kernel.SetVmlinuxRange("vmlinux", 0xc0000000, 0xc0100000)

	require.NoError(t, d.Dispatch(KernelEnter{}))
	require.NoError(t, d.Dispatch(Sample{PC: 0xc0000500, Event: 0}))
	require.Equal(t, uint64(1), d.Stats.SampleCounts.Load())
}

func TestDispatchCachesODBAcrossSamplesInSameMapping(t *testing.T) {
	d, procs, images := newTestDispatcher(t)
	img := images.ImageByPath("/bin/ls", "")
	procs.Mmap(100, imgreg.Mapping{Image: img, Start: 0x1000, End: 0x2000})
	require.NoError(t, d.Dispatch(CtxSwitch{Tid: 100}))

	require.NoError(t, d.Dispatch(Sample{PC: 0x1100, Event: 0}))
	require.NoError(t, d.Dispatch(Sample{PC: 0x1200, Event: 0}))

	require.Equal(t, 1, d.Files.OpenCount())
}

func TestDispatchCallgraphArcRecordsWhenTracingOn(t *testing.T) {
	d, procs, images := newTestDispatcher(t)
	img := images.ImageByPath("/bin/ls", "")
	procs.Mmap(100, imgreg.Mapping{Image: img, Start: 0x1000, End: 0x9000})
	require.NoError(t, d.Dispatch(CtxSwitch{Tid: 100}))

	db, err := odb.Open(t.TempDir()+"/cg.odb", odb.ReadWrite, odb.HeaderSize, 16)
	require.NoError(t, err)
	defer db.Close()
	d.Tracing = true
	d.SetCallgraphDB(db)

	require.NoError(t, d.Dispatch(Sample{PC: 0x1100, Event: 0, LastPC: 0, HasLastPC: true}))
	require.NoError(t, d.Dispatch(Sample{PC: 0x1200, Event: 0, LastPC: 0x1100, HasLastPC: true}))
	require.NoError(t, d.Dispatch(Sample{PC: 0x1200, Event: 0, LastPC: 0x1100, HasLastPC: true}))

	entries := db.Iterate()
	require.Len(t, entries, 2)
	sum := map[odb.Key]odb.Value{}
	for _, e := range entries {
		sum[e.Key] = e.Value
	}
	require.Equal(t, odb.Value(2), sum[odb.Key(0x1100)<<32|odb.Key(0x1200)])
}
