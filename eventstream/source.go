package eventstream

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/opgo/oprofile/internal/oserr"
)

// Source abstracts the two ways the daemon can receive the kernel's
// sample buffer: a legacy/modern character device or regular file, and
// a BPF perf event array exposed through a ring buffer.
type Source interface {
	ReadSamples(buf []byte) (int, error)
	ReadNotes(buf []byte) (int, error)
	SetNonblock(bool) error
	Close() error
}

// DeviceSource reads the sample and (legacy-only) note streams from two
// open file descriptors: a char device under recent kernels, or a
// regular file under the legacy module.
type DeviceSource struct {
	samples *os.File
	notes   *os.File // nil for the modern single-stream format
}

// NewDeviceSource opens samplesPath (required) and notesPath (optional;
// pass "" for the modern combined-stream format).
func NewDeviceSource(samplesPath, notesPath string) (*DeviceSource, error) {
	samples, err := os.OpenFile(samplesPath, os.O_RDONLY, 0)
	if err != nil {
		return nil, oserr.Wrap(oserr.KindIO, "open "+samplesPath, err)
	}
	var notes *os.File
	if notesPath != "" {
		notes, err = os.OpenFile(notesPath, os.O_RDONLY, 0)
		if err != nil {
			samples.Close()
			return nil, oserr.Wrap(oserr.KindIO, "open "+notesPath, err)
		}
	}
	return &DeviceSource{samples: samples, notes: notes}, nil
}

func (d *DeviceSource) ReadSamples(buf []byte) (int, error) {
	n, err := d.samples.Read(buf)
	if err != nil {
		return n, oserr.Wrap(oserr.KindIO, "read samples device", err)
	}
	return n, nil
}

func (d *DeviceSource) ReadNotes(buf []byte) (int, error) {
	if d.notes == nil {
		return 0, nil
	}
	n, err := d.notes.Read(buf)
	if err != nil {
		return n, oserr.Wrap(oserr.KindIO, "read notes device", err)
	}
	return n, nil
}

func (d *DeviceSource) SetNonblock(on bool) error {
	if err := unix.SetNonblock(int(d.samples.Fd()), on); err != nil {
		return oserr.Wrap(oserr.KindIO, "setnonblock samples", err)
	}
	if d.notes != nil {
		if err := unix.SetNonblock(int(d.notes.Fd()), on); err != nil {
			return oserr.Wrap(oserr.KindIO, "setnonblock notes", err)
		}
	}
	return nil
}

func (d *DeviceSource) Close() error {
	var firstErr error
	if err := d.samples.Close(); err != nil {
		firstErr = err
	}
	if d.notes != nil {
		if err := d.notes.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
