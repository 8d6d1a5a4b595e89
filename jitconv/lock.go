package jitconv

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opgo/oprofile/internal/oserr"
)

const (
	lockRetryDelay = 100 * time.Microsecond
	lockRetries    = 10
)

// withExclusiveLock acquires an exclusive advisory lock on f, retrying
// up to lockRetries times at lockRetryDelay intervals (spec §4.6), then
// runs fn while holding the lock.
func withExclusiveLock(f *os.File, fn func() error) error {
	fd := int(f.Fd())
	var lastErr error
	locked := false
	for i := 0; i < lockRetries; i++ {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			locked = true
			break
		}
		lastErr = err
		time.Sleep(lockRetryDelay)
	}
	if !locked {
		return oserr.Wrap(oserr.KindDumpLockTimeout, "jitconv: could not lock dump file", lastErr)
	}
	defer unix.Flock(fd, unix.LOCK_UN)
	return fn()
}
