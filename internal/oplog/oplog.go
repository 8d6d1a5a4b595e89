// Package oplog wires up the daemon's structured logger. It mirrors the
// logging conventions of a long-running Linux daemon: a single logrus
// logger writing JSON lines to oprofiled.log, reopened on SIGHUP rather
// than relying on external log rotation.
package oplog

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger wraps a *logrus.Logger whose output file can be swapped out
// atomically, which is what SIGHUP handling needs (spec §6, §4.13).
type Logger struct {
	mu   sync.Mutex
	path string
	file *os.File
	*logrus.Logger
}

// Open creates (or appends to) the log file at path and
// returns a Logger writing JSON-formatted entries to it. If path is
// empty, the logger writes to stderr (useful for foreground/debug runs).
func Open(path string, verbose bool) (*Logger, error) {
	l := &Logger{path: path, Logger: logrus.New()}
	l.Logger.SetFormatter(&logrus.JSONFormatter{})
	if verbose {
		l.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.Logger.SetLevel(logrus.InfoLevel)
	}
	if path == "" {
		l.Logger.SetOutput(os.Stderr)
		return l, nil
	}
	if err := l.reopen(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Logger) reopen() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", l.path, err)
	}
	old := l.file
	l.file = f
	l.Logger.SetOutput(f)
	if old != nil {
		old.Close()
	}
	return nil
}

// Reopen closes and reopens the log file in place, for SIGHUP handling.
// A no-op when the logger was opened against stderr.
func (l *Logger) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.path == "" {
		return nil
	}
	return l.reopen()
}

// Close releases the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
