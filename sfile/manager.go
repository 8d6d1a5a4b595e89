package sfile

import (
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/opgo/oprofile/internal/oserr"
	"github.com/opgo/oprofile/odb"
)

// evictBatch is how many least-recently-used handles are closed at once
// when the process runs out of file descriptors opening a new sample
// file. Evicting in batches (rather than one at a time) amortizes the
// cost of hitting EMFILE repeatedly while the daemon is under load.
const evictBatch = 1000

// expectedLoadHint is the growth estimate odb.Open uses when creating a
// brand new sample file.
const expectedLoadHint = 4096

type handle struct {
	path string
	db   *odb.DB
}

// Manager owns every open ODB handle for one daemon run, under a hard
// cap on simultaneously-mapped files, and owns the current/session-N
// rotation of the sample directory tree (spec §4.2).
type Manager struct {
	mu sync.Mutex

	base       string // e.g. /var/lib/oprofile/samples
	sessionNum int
	maxOpen    int

	lru   *list.List // front = most recently used; elements are *handle
	index map[string]*list.Element
}

// NewManager creates a manager rooted at base, with maxOpen the maximum
// number of simultaneously-mapped sample files.
func NewManager(base string, maxOpen int) (*Manager, error) {
	if err := os.MkdirAll(filepath.Join(base, "current"), 0o755); err != nil {
		return nil, oserr.Wrap(oserr.KindIO, "mkdir "+base, err)
	}
	return &Manager{
		base:    base,
		maxOpen: maxOpen,
		lru:     list.New(),
		index:   make(map[string]*list.Element),
	}, nil
}

func (m *Manager) currentDir() string {
	if m.sessionNum == 0 {
		return filepath.Join(m.base, "current")
	}
	return filepath.Join(m.base, fmt.Sprintf("session-%d", m.sessionNum))
}

// OpenOrCreate returns the ODB handle for tup, opening or creating it as
// needed. expected describes the header this run's event set and image
// mtime should produce; if an existing file's header identity or image
// mtime disagrees, the whole sample directory is rotated into a new
// session-N subtree and path is recreated fresh there (spec §4.2
// mtime_mismatch / version_mismatch handling).
func (m *Manager) OpenOrCreate(tup Tuple, expected odb.Header) (*odb.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openOrCreateLocked(tup, expected)
}

func (m *Manager) openOrCreateLocked(tup Tuple, expected odb.Header) (*odb.DB, error) {
	path := Mangle(m.currentDir(), tup)

	if elem, ok := m.index[path]; ok {
		m.lru.MoveToFront(elem)
		return elem.Value.(*handle).db, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, oserr.Wrap(oserr.KindIO, "mkdir "+filepath.Dir(path), err)
	}

	preexisting := fileExists(path)

	db, err := m.openWithEviction(path)
	if err != nil {
		return nil, err
	}

	if preexisting {
		got, err := db.ReadHeader()
		if err != nil {
			db.Close()
			return nil, err
		}
		if got.Identity() != expected.Identity() || got.ImageMtime != expected.ImageMtime {
			db.Close()
			m.removeFromIndex(path)
			if err := m.rotateLocked(); err != nil {
				return nil, err
			}
			return m.openOrCreateLocked(tup, expected)
		}
	} else {
		db.WriteHeader(expected)
	}

	m.insertLocked(path, db)
	return db, nil
}

// openWithEviction opens path for read-write, evicting batches of
// least-recently-used handles and retrying if the process is out of
// file descriptors.
func (m *Manager) openWithEviction(path string) (*odb.DB, error) {
	for {
		db, err := odb.Open(path, odb.ReadWrite, odb.HeaderSize, expectedLoadHint)
		if err == nil {
			return db, nil
		}
		if !oserr.Is(err, oserr.KindEMFILE) {
			return nil, err
		}
		if m.lru.Len() == 0 {
			return nil, err
		}
		m.evictLocked(evictBatch)
	}
}

func (m *Manager) evictLocked(n int) {
	for i := 0; i < n && m.lru.Len() > 0; i++ {
		back := m.lru.Back()
		h := back.Value.(*handle)
		h.db.Close()
		delete(m.index, h.path)
		m.lru.Remove(back)
	}
}

func (m *Manager) insertLocked(path string, db *odb.DB) {
	elem := m.lru.PushFront(&handle{path: path, db: db})
	m.index[path] = elem
	if m.maxOpen > 0 {
		for m.lru.Len() > m.maxOpen {
			m.evictLocked(1)
		}
	}
}

func (m *Manager) removeFromIndex(path string) {
	if elem, ok := m.index[path]; ok {
		m.lru.Remove(elem)
		delete(m.index, path)
	}
}

// rotateLocked closes every open handle and advances to a fresh
// session-N directory, leaving the previous contents untouched on disk
// for later merging by the report pipeline (spec §4.2).
func (m *Manager) rotateLocked() error {
	m.evictLocked(m.lru.Len())
	m.sessionNum++
	return os.MkdirAll(m.currentDir(), 0o755)
}

// Sync flushes every open handle.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for e := m.lru.Front(); e != nil; e = e.Next() {
		if err := e.Value.(*handle).db.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every open handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for e := m.lru.Front(); e != nil; e = e.Next() {
		if err := e.Value.(*handle).db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.lru.Init()
	m.index = make(map[string]*list.Element)
	return firstErr
}

// OpenCount returns the number of currently-mapped sample files.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Size() > 0
}
