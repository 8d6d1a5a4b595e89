package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireLockfileWritesCurrentPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	lock, err := AcquireLockfile(path)
	require.NoError(t, err)
	defer lock.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestAcquireLockfileReplacesStaleEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	// 999999999 is above Linux's maximum pid, so no live process has it.
	require.NoError(t, os.WriteFile(path, []byte("999999999"), 0o644))

	lock, err := AcquireLockfile(path)
	require.NoError(t, err)
	defer lock.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, strconv.Itoa(os.Getpid()), string(data))
}

func TestAcquireLockfileFailsWhenOwnerAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	_, err := AcquireLockfile(path)
	require.Error(t, err)
}

func TestReleaseRemovesLockfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	lock, err := AcquireLockfile(path)
	require.NoError(t, err)
	require.NoError(t, lock.Release())

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
