// Package odb implements the "on-disk bucket" hash database: a
// memory-mapped, append-only bucketed hash table mapping a 64-bit key
// to a saturating 32-bit count (spec §4.1). It is the sample store
// written by the daemon (one writer) and read by the report pipeline
// (many readers).
package odb

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/opgo/oprofile/internal/oserr"
)

// Key is the 64-bit sample key: for linear samples, the offset of the
// sampled instruction within the image's text section; for callgraph
// arcs, (from<<32)|to.
type Key uint64

// Value is a saturating 32-bit count.
type Value uint32

const maxValue Value = ^Value(0)

// Add returns v+delta, saturating at maxValue instead of wrapping.
func (v Value) Add(delta Value) Value {
	n := v + delta
	if n < v {
		return maxValue
	}
	return n
}

// Mode selects how an ODB file is mapped.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

const (
	nodeSize     = 16 // key(8) + value(4) + next(4)
	sentinel     = 0  // node index 0 is reserved
	minBuckets   = 64
	preambleSize = 16 // numBuckets(4) + numNodes(4) + reserved(8)
)

// node is the on-disk representation of one hash-chain entry.
type node struct {
	key   Key
	value Value
	next  uint32
}

func decodeNode(b []byte) node {
	return node{
		key:   Key(binary.LittleEndian.Uint64(b[0:8])),
		value: Value(binary.LittleEndian.Uint32(b[8:12])),
		next:  binary.LittleEndian.Uint32(b[12:16]),
	}
}

func encodeNode(b []byte, n node) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(n.key))
	binary.LittleEndian.PutUint32(b[8:12], uint32(n.value))
	binary.LittleEndian.PutUint32(b[12:16], n.next)
}

// DB is an open on-disk hash database. The zero value is not usable;
// construct with Open.
type DB struct {
	mu sync.Mutex

	path string
	mode Mode
	f    *os.File
	data []byte // mmap'd region covering the whole file

	headerSize int // size of the caller-owned header preceding the odb preamble
	nodeCap    uint32
}

// preambleOffset is where odb's own bookkeeping (numBuckets, numNodes)
// lives, immediately after the caller's header region.
func (db *DB) preambleOffset() int { return db.headerSize }

func (db *DB) numBuckets() uint32 {
	return binary.LittleEndian.Uint32(db.data[db.preambleOffset() : db.preambleOffset()+4])
}

func (db *DB) setNumBuckets(n uint32) {
	binary.LittleEndian.PutUint32(db.data[db.preambleOffset():db.preambleOffset()+4], n)
}

func (db *DB) numNodes() uint32 {
	return binary.LittleEndian.Uint32(db.data[db.preambleOffset()+4 : db.preambleOffset()+8])
}

func (db *DB) setNumNodes(n uint32) {
	binary.LittleEndian.PutUint32(db.data[db.preambleOffset()+4:db.preambleOffset()+8], n)
}

func (db *DB) bucketDirOffset() int { return db.headerSize + preambleSize }

// bucketOffset returns the byte offset of bucket i's head index.
func (db *DB) bucketOffset(i uint32) int { return db.bucketDirOffset() + int(i)*4 }

// nodeOffset returns the byte offset of node index i.
func (db *DB) nodeOffset(i uint32) int {
	return db.bucketDirOffset() + int(db.numBuckets())*4 + int(i)*nodeSize
}

// Open maps the ODB file at path. If mode is ReadWrite and the file is
// new (zero length), it is initialized with an empty header, a bucket
// directory sized for an expected load of expectedLoad entries, and an
// empty (sentinel-only) node array. headerSize is the byte size
// reserved for the caller-defined header payload (see Header); the odb
// bookkeeping preamble and bucket directory immediately follow it.
//
// Open returns an error wrapped with oserr.KindEMFILE if the process is
// out of file descriptors, so callers (the sfile LRU) can evict and
// retry.
func Open(path string, mode Mode, headerSize int, expectedLoad int) (*DB, error) {
	flag := os.O_RDONLY
	if mode == ReadWrite {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		if isEMFILE(err) {
			return nil, oserr.Wrap(oserr.KindEMFILE, "open "+path, err)
		}
		return nil, oserr.Wrap(oserr.KindIO, "open "+path, err)
	}

	db := &DB{path: path, mode: mode, f: f, headerSize: headerSize}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, oserr.Wrap(oserr.KindIO, "stat "+path, err)
	}

	if fi.Size() == 0 {
		if mode != ReadWrite {
			f.Close()
			return nil, oserr.New(oserr.KindIO, "odb: empty file opened read-only")
		}
		if err := db.initialize(expectedLoad); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := db.mmap(int(fi.Size())); err != nil {
			f.Close()
			return nil, err
		}
		db.nodeCap = (uint32(fi.Size()) - uint32(db.bucketDirOffset()) - db.numBuckets()*4) / nodeSize
	}

	return db, nil
}

func numBucketsFor(expectedLoad int) uint32 {
	// Target chain length of ~2: next power of two >= expectedLoad/2.
	n := uint32(minBuckets)
	target := uint32(expectedLoad/2 + 1)
	for n < target {
		n <<= 1
	}
	return n
}

func (db *DB) initialize(expectedLoad int) error {
	nb := numBucketsFor(expectedLoad)
	size := db.headerSize + preambleSize + int(nb)*4 + 1*nodeSize // node 0 = sentinel
	if err := db.f.Truncate(int64(size)); err != nil {
		return oserr.Wrap(oserr.KindIO, "truncate "+db.path, err)
	}
	if err := db.mmap(size); err != nil {
		return err
	}
	db.setNumBuckets(nb)
	db.setNumNodes(1)
	db.nodeCap = 1
	return nil
}

func (db *DB) mmap(size int) error {
	prot := unix.PROT_READ
	if db.mode == ReadWrite {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(db.f.Fd()), 0, size, prot, unix.MAP_SHARED)
	if err != nil {
		if errors.Is(err, unix.EMFILE) {
			return oserr.Wrap(oserr.KindEMFILE, "mmap "+db.path, err)
		}
		return oserr.Wrap(oserr.KindIO, "mmap "+db.path, err)
	}
	db.data = data
	return nil
}

// HeaderBytes returns the mutable header region for the caller to
// encode/decode its own header struct into.
func (db *DB) HeaderBytes() []byte { return db.data[:db.headerSize] }

// NumBuckets returns the number of hash buckets in this file.
func (db *DB) NumBuckets() uint32 { return db.numBuckets() }

// NumNodes returns the number of allocated node slots (including the
// sentinel at index 0).
func (db *DB) NumNodes() uint32 { return db.numNodes() }

func (db *DB) hash(k Key) uint32 {
	// FNV-1a 64-bit mix, folded to the bucket count. Pinned: ODB files
	// persist across runs and readers/writers must agree on bucket
	// placement forever.
	h := uint64(14695981039346656037)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k))
	for _, b := range buf {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return uint32(h) & (db.numBuckets() - 1)
}

// Insert locates the bucket for key, scans its chain, and
// saturating-adds delta to the first matching node, or appends a new
// node linked at the bucket head if key is not present.
func (db *DB) Insert(key Key, delta Value) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.mode != ReadWrite {
		return oserr.New(oserr.KindIO, "odb: insert on read-only database")
	}

	bucket := db.hash(key)
	head := db.bucketHead(bucket)

	for i := head; i != sentinel; {
		n := db.readNode(i)
		if n.key == key {
			n.value = n.value.Add(delta)
			db.writeNode(i, n)
			return nil
		}
		i = n.next
	}

	idx, err := db.appendNode(node{key: key, value: delta, next: head})
	if err != nil {
		return err
	}
	db.setBucketHead(bucket, idx)
	return nil
}

func (db *DB) bucketHead(i uint32) uint32 {
	off := db.bucketOffset(i)
	return binary.LittleEndian.Uint32(db.data[off : off+4])
}

func (db *DB) setBucketHead(i, v uint32) {
	off := db.bucketOffset(i)
	binary.LittleEndian.PutUint32(db.data[off:off+4], v)
}

func (db *DB) readNode(i uint32) node {
	off := db.nodeOffset(i)
	return decodeNode(db.data[off : off+nodeSize])
}

func (db *DB) writeNode(i uint32, n node) {
	off := db.nodeOffset(i)
	encodeNode(db.data[off:off+nodeSize], n)
}

// appendNode grows the node array (doubling) if needed and writes a new
// node, returning its index. Existing node indices remain valid across
// growth: growth only extends the file and remaps it, it never moves
// already-written bytes.
func (db *DB) appendNode(n node) (uint32, error) {
	if db.numNodes() >= db.nodeCap {
		if err := db.grow(); err != nil {
			return 0, err
		}
	}
	idx := db.numNodes()
	db.setNumNodes(idx + 1)
	db.writeNode(idx, n)
	return idx, nil
}

func (db *DB) grow() error {
	nb := db.numBuckets()
	newCap := db.nodeCap * 2
	if newCap == 0 {
		newCap = 1024
	}
	newSize := db.bucketDirOffset() + int(nb)*4 + int(newCap)*nodeSize

	if err := unix.Munmap(db.data); err != nil {
		return oserr.Wrap(oserr.KindIO, "munmap "+db.path, err)
	}
	db.data = nil
	if err := db.f.Truncate(int64(newSize)); err != nil {
		return oserr.Wrap(oserr.KindIO, "truncate "+db.path, err)
	}
	if err := db.mmap(newSize); err != nil {
		return err
	}
	db.nodeCap = newCap
	return nil
}

// Iterate returns every (key, value) pair currently stored, in
// node-array order (not key order; see spec §4.1). The returned slice
// is a snapshot: later mutations are not reflected in it and it is not
// restartable across Insert calls made on the same DB.
func (db *DB) Iterate() []Entry {
	db.mu.Lock()
	defer db.mu.Unlock()

	n := db.numNodes()
	out := make([]Entry, 0, n)
	for i := uint32(1); i < n; i++ {
		e := db.readNode(i)
		out = append(out, Entry{Key: e.key, Value: e.value})
	}
	return out
}

// Entry is one (key, value) pair yielded by Iterate.
type Entry struct {
	Key   Key
	Value Value
}

// Sync requests the OS flush dirty pages. It is not a durability fence.
func (db *DB) Sync() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.data == nil {
		return nil
	}
	if err := unix.Msync(db.data, unix.MS_ASYNC); err != nil {
		return oserr.Wrap(oserr.KindIO, "msync "+db.path, err)
	}
	return nil
}

// Close unmaps the file and closes the descriptor.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var err error
	if db.data != nil {
		err = unix.Munmap(db.data)
		db.data = nil
	}
	if cerr := db.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Path returns the filesystem path this DB was opened from.
func (db *DB) Path() string { return db.path }

func isEMFILE(err error) bool {
	return errors.Is(err, unix.EMFILE)
}
