package jitconv

import (
	"os"

	"github.com/opgo/oprofile/internal/oserr"
)

// Writer appends records to one process's dump file, standing in for
// the managed-runtime agent library described in spec §4.6. Each
// append is framed by its own exclusive lock acquisition, matching the
// producer contract.
type Writer struct {
	path string
}

// CreateWriter creates (or truncates) the dump file at path and writes
// its header.
func CreateWriter(path string, header DumpHeader) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, oserr.Wrap(oserr.KindIO, "jitconv: create "+path, err)
	}
	defer f.Close()
	if err := withExclusiveLock(f, func() error {
		_, err := f.Write(EncodeDumpHeader(header))
		return err
	}); err != nil {
		return nil, err
	}
	return &Writer{path: path}, nil
}

// AppendCodeLoad writes one code_load record under its own lock.
func (w *Writer) AppendCodeLoad(r CodeLoad) error {
	return w.appendRecord(encodeCodeLoad(r))
}

func (w *Writer) appendRecord(buf []byte) error {
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return oserr.Wrap(oserr.KindIO, "jitconv: open "+w.path, err)
	}
	defer f.Close()
	return withExclusiveLock(f, func() error {
		_, err := f.Write(buf)
		return err
	})
}
