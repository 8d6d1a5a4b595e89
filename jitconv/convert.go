package jitconv

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opgo/oprofile/internal/oserr"
)

// Window bounds the records a conversion includes, by record timestamp.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) contains(ts int64) bool {
	t := time.Unix(0, ts)
	return !t.Before(w.Start) && t.Before(w.End)
}

// Convert implements the consumer contract of spec §4.6: it locks and
// copies dumpPath, releases the lock, builds an ELF object from the
// code_load records whose timestamps fall in window, and atomically
// installs it at outPath.
func Convert(dumpPath string, window Window, tmpDir, outPath string) error {
	copyPath, err := lockCopyRelease(dumpPath, tmpDir)
	if err != nil {
		return err
	}
	defer os.Remove(copyPath)

	raw, err := os.ReadFile(copyPath)
	if err != nil {
		return oserr.Wrap(oserr.KindIO, "jitconv: read dump copy", err)
	}
	if len(raw) < DumpHeaderSize {
		return oserr.New(oserr.KindImageFormatFailure, "jitconv: dump file too short")
	}
	if _, err := DecodeDumpHeader(raw[:DumpHeaderSize]); err != nil {
		return err
	}

	records, err := decodeRecords(raw[DumpHeaderSize:])
	if err != nil {
		return err
	}

	var text []byte
	var syms []elfSymbol
	for _, rec := range records {
		if rec.typ != RecordCodeLoad {
			continue
		}
		cl, err := decodeCodeLoad(rec.payload)
		if err != nil {
			return err
		}
		if !window.contains(cl.Timestamp) {
			continue
		}
		syms = append(syms, elfSymbol{name: cl.Name, value: uint64(len(text)), size: uint64(len(cl.Code))})
		text = append(text, cl.Code...)
	}
	if len(syms) == 0 {
		return oserr.New(oserr.KindEmptyProfileSet, "jitconv: no code_load records in window")
	}

	obj := writeELFObject(text, syms)

	tmpOut := outPath + ".tmp"
	if err := os.WriteFile(tmpOut, obj, 0o644); err != nil {
		return oserr.Wrap(oserr.KindIO, "jitconv: write "+tmpOut, err)
	}
	if err := os.Rename(tmpOut, outPath); err != nil {
		os.Remove(tmpOut)
		return oserr.Wrap(oserr.KindIO, "jitconv: rename into place", err)
	}
	return nil
}

// lockCopyRelease acquires the same exclusive lock the producer uses,
// copies dumpPath into tmpDir, and releases the lock before returning
// the copy's path, per spec §4.6 step 1-3.
func lockCopyRelease(dumpPath, tmpDir string) (string, error) {
	f, err := os.Open(dumpPath)
	if err != nil {
		return "", oserr.Wrap(oserr.KindIO, "jitconv: open "+dumpPath, err)
	}
	defer f.Close()

	copyPath := filepath.Join(tmpDir, filepath.Base(dumpPath)+".copy")
	err = withExclusiveLock(f, func() error {
		out, err := os.Create(copyPath)
		if err != nil {
			return oserr.Wrap(oserr.KindIO, "jitconv: create "+copyPath, err)
		}
		defer out.Close()
		_, err = io.Copy(out, f)
		return err
	})
	if err != nil {
		return "", err
	}
	return copyPath, nil
}

// DeleteIfOwnedAndUnopened removes dumpPath, but only if callerUID is
// non-root, owns the file, and the pid encoded in the filename
// (<pid>.dump) does not currently have it open according to
// /proc/<pid>/fd (spec §4.6 step 5). procRoot lets tests substitute a
// fake /proc.
func DeleteIfOwnedAndUnopened(dumpPath string, callerUID int, procRoot string) error {
	if callerUID == 0 {
		return oserr.New(oserr.KindIO, "jitconv: delete-jitdumps refuses to run as root")
	}
	fi, err := os.Stat(dumpPath)
	if err != nil {
		return oserr.Wrap(oserr.KindIO, "jitconv: stat "+dumpPath, err)
	}
	if !ownedBy(fi, callerUID) {
		return oserr.New(oserr.KindIO, "jitconv: caller does not own "+dumpPath)
	}

	pid := pidFromDumpName(dumpPath)
	if pid != "" {
		open, err := pidHasFileOpen(procRoot, pid, dumpPath)
		if err != nil {
			return err
		}
		if open {
			return oserr.New(oserr.KindIO, "jitconv: refusing to delete, still open by pid "+pid)
		}
	}
	if err := os.Remove(dumpPath); err != nil {
		return oserr.Wrap(oserr.KindIO, "jitconv: remove "+dumpPath, err)
	}
	return nil
}

func pidFromDumpName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".dump")
	if _, err := strconv.Atoi(base); err != nil {
		return ""
	}
	return base
}

func pidHasFileOpen(procRoot, pid, target string) (bool, error) {
	fdDir := filepath.Join(procRoot, pid, "fd")
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, oserr.Wrap(oserr.KindIO, fmt.Sprintf("jitconv: read %s", fdDir), err)
	}
	for _, e := range entries {
		link, err := os.Readlink(filepath.Join(fdDir, e.Name()))
		if err != nil {
			continue
		}
		if link == target {
			return true, nil
		}
	}
	return false, nil
}
