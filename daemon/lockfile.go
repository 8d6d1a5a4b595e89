package daemon

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/opgo/oprofile/internal/oserr"
)

// Lockfile is the daemon's PID lockfile (spec §6): its contents are the
// owning PID as ASCII decimal, and a stale entry (process absent) is
// silently replaced rather than treated as a conflict.
type Lockfile struct {
	path string
}

// AcquireLockfile takes ownership of path, replacing any stale entry
// left by a process that is no longer running.
func AcquireLockfile(path string) (*Lockfile, error) {
	if existing, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(existing))); perr == nil {
			if processAlive(pid) {
				return nil, oserr.New(oserr.KindIO, "daemon: already running as pid "+strconv.Itoa(pid))
			}
		}
		os.Remove(path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, oserr.Wrap(oserr.KindIO, "daemon: write lockfile "+path, err)
	}
	return &Lockfile{path: path}, nil
}

// Release removes the lockfile.
func (l *Lockfile) Release() error {
	return os.Remove(l.path)
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
