package daemon

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opgo/oprofile/eventstream"
	"github.com/opgo/oprofile/imgreg"
	"github.com/opgo/oprofile/internal/statcounters"
	"github.com/opgo/oprofile/proctrack"
	"github.com/opgo/oprofile/sfile"
)

// fakeSource feeds one fixed sample batch and then blocks until closed,
// simulating the kernel device's read() suspension point.
type fakeSource struct {
	mu      sync.Mutex
	sent    bool
	closed  chan struct{}
	payload []byte
}

func newFakeSource(words ...uint64) *fakeSource {
	buf := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	return &fakeSource{closed: make(chan struct{}), payload: buf}
}

func (f *fakeSource) ReadSamples(buf []byte) (int, error) {
	f.mu.Lock()
	if !f.sent {
		f.sent = true
		n := copy(buf, f.payload)
		f.mu.Unlock()
		return n, nil
	}
	f.mu.Unlock()
	<-f.closed
	return 0, context.Canceled
}

func (f *fakeSource) ReadNotes(buf []byte) (int, error) { return 0, nil }
func (f *fakeSource) SetNonblock(bool) error            { return nil }
func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func newTestDaemon(t *testing.T, src eventstream.Source) *Daemon {
	t.Helper()
	procs := proctrack.New()
	images := imgreg.New()
	mgr, err := sfile.NewManager(t.TempDir(), 10)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	stats := &statcounters.Stats{}
	disp := &eventstream.Dispatcher{
		Procs:  procs,
		Kernel: imgreg.NewKernelRegistry(images),
		Images: images,
		Files:  mgr,
		Stats:  stats,
		Tuples: TupleBuilder{Cfg: testConfig()},
	}

	return &Daemon{
		Procs:    procs,
		Images:   images,
		Files:    mgr,
		Stats:    stats,
		Source:   src,
		Dispatch: disp,
	}
}

func TestRunDispatchesDecodedSamplesThenStopsOnCancel(t *testing.T) {
	src := newFakeSource(0x1000, 0)
	d := newTestDaemon(t, src)
	images := d.Images
	appImg := images.ImageByPath("/bin/ls", "")
	d.Procs.Mmap(1, imgreg.Mapping{Image: appImg, Start: 0, Offset: 0, End: 0x2000})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return d.Stats.Samples.Load() >= 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunStopsOnReadError(t *testing.T) {
	src := &erroringSource{}
	d := newTestDaemon(t, src)

	err := d.Run(context.Background())
	require.Error(t, err)
}

type erroringSource struct{}

func (erroringSource) ReadSamples(buf []byte) (int, error) { return 0, errReadFailed }
func (erroringSource) ReadNotes(buf []byte) (int, error)   { return 0, nil }
func (erroringSource) SetNonblock(bool) error              { return nil }
func (erroringSource) Close() error                        { return nil }

var errReadFailed = &readErr{"simulated device read failure"}

type readErr struct{ msg string }

func (e *readErr) Error() string { return e.msg }
