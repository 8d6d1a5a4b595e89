package eventstream

import (
	"errors"

	"github.com/cilium/ebpf/perf"

	"github.com/opgo/oprofile/internal/oserr"
)

// PerfRingSource wraps a cilium/ebpf perf event array as a Source, for
// systems where the kernel exposes the sample buffer as a BPF perf
// ring rather than a legacy character device. Every record it yields
// already carries the modern word-stream encoding (control codes and
// all), so it is decoded with the same Decode function as
// DeviceSource's modern path; there is no separate note stream.
type PerfRingSource struct {
	rd *perf.Reader
}

// NewPerfRingSource wraps an already-opened perf.Reader.
func NewPerfRingSource(rd *perf.Reader) *PerfRingSource {
	return &PerfRingSource{rd: rd}
}

func (p *PerfRingSource) ReadSamples(buf []byte) (int, error) {
	rec, err := p.rd.Read()
	if err != nil {
		if errors.Is(err, perf.ErrClosed) {
			return 0, oserr.Wrap(oserr.KindIO, "perf ring closed", err)
		}
		return 0, oserr.Wrap(oserr.KindIO, "perf ring read", err)
	}
	n := copy(buf, rec.RawSample)
	return n, nil
}

// ReadNotes is always empty: the BPF ring carries the combined modern
// stream, which has no separate legacy note channel.
func (p *PerfRingSource) ReadNotes(buf []byte) (int, error) { return 0, nil }

// SetNonblock is a no-op: perf.Reader has no blocking-mode knob of its
// own, and Close() already unblocks a pending Read.
func (p *PerfRingSource) SetNonblock(bool) error { return nil }

func (p *PerfRingSource) Close() error {
	if err := p.rd.Close(); err != nil {
		return oserr.Wrap(oserr.KindIO, "close perf ring", err)
	}
	return nil
}
