// Package proctrack implements the process and context tracker (spec
// §4.4): a fixed 1024-bucket hash table of live and recently-dead
// processes, each carrying its own mapping list, with LRU-to-head
// ordering inside each bucket and a deferred two-tick reap on exit.
package proctrack

import (
	"container/list"
	"sync"

	"github.com/opgo/oprofile/imgreg"
)

const numBuckets = 1024

// Process is one tracked pid: its thread-group id, the cookie of the
// application that owns it, and its mapping list (spec §4.3/§4.4).
type Process struct {
	Pid       int32
	Tgid      int32
	AppCookie imgreg.Cookie
	Mappings  *imgreg.MappingList

	dead     uint32 // 0 while alive; set to 1 on exit, then ticks down in Reap
	accessed bool   // touched since the last Reap tick
}

// bucketHash implements h(pid) = ((pid>>4) ^ pid) mod 1024 exactly as
// specified; pid is treated as unsigned since Linux pids are always
// non-negative in practice.
func bucketHash(pid int32) int {
	p := uint32(pid)
	return int(((p >> 4) ^ p) % numBuckets)
}

// Table is the process table: numBuckets doubly-linked-list buckets,
// each kept in LRU-to-head order, plus an O(1) pid-to-element index.
type Table struct {
	mu      sync.Mutex
	buckets [numBuckets]*list.List
	index   map[int32]*list.Element
}

// New creates an empty process table.
func New() *Table {
	t := &Table{index: make(map[int32]*list.Element)}
	for i := range t.buckets {
		t.buckets[i] = list.New()
	}
	return t
}

func (t *Table) bucket(pid int32) *list.List { return t.buckets[bucketHash(pid)] }

// Get returns the process for pid if tracked (including one pending
// reap after exit), moving it to the front of its bucket and marking
// it accessed so a pending reap is deferred another tick.
func (t *Table) Get(pid int32) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	elem, ok := t.index[pid]
	if !ok {
		return nil, false
	}
	t.bucket(pid).MoveToFront(elem)
	p := elem.Value.(*Process)
	p.accessed = true
	return p, true
}

func (t *Table) insertLocked(p *Process) {
	elem := t.bucket(p.Pid).PushFront(p)
	t.index[p.Pid] = elem
}

// Fork creates child as a deep copy of parent's mapping list. If child
// already exists (a race with a preceding exec notification), this is a
// no-op, per spec §4.4.
func (t *Table) Fork(parentPid, childPid int32) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.index[childPid]; ok {
		return elem.Value.(*Process)
	}

	child := &Process{Pid: childPid, Tgid: childPid, Mappings: imgreg.NewMappingList()}
	if pelem, ok := t.index[parentPid]; ok {
		parent := pelem.Value.(*Process)
		child.Tgid = parent.Tgid
		child.AppCookie = parent.AppCookie
		child.Mappings = parent.Mappings.Clone()
	}
	t.insertLocked(child)
	return child
}

// Exec clears pid's mapping list (a fresh address space), creating the
// process if it did not already exist.
func (t *Table) Exec(pid int32) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()

	if elem, ok := t.index[pid]; ok {
		t.bucket(pid).MoveToFront(elem)
		p := elem.Value.(*Process)
		p.Mappings.Clear()
		p.accessed = true
		return p
	}

	p := &Process{Pid: pid, Tgid: pid, Mappings: imgreg.NewMappingList()}
	t.insertLocked(p)
	return p
}

// Exit marks pid dead, deferring its removal to Reap so that samples
// still in flight for it can be attributed.
func (t *Table) Exit(pid int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	elem, ok := t.index[pid]
	if !ok {
		return
	}
	p := elem.Value.(*Process)
	p.dead = 1
	p.accessed = true
}

// Mmap ensures pid exists, appends m to its mapping list, and resets
// its last_map hint (handled by MappingList.Append itself).
func (t *Table) Mmap(pid int32, m imgreg.Mapping) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.index[pid]
	var p *Process
	if ok {
		t.bucket(pid).MoveToFront(elem)
		p = elem.Value.(*Process)
	} else {
		p = &Process{Pid: pid, Tgid: pid, Mappings: imgreg.NewMappingList()}
		t.insertLocked(p)
	}
	p.accessed = true
	p.Mappings.Append(m)
	return p
}

// Reap runs one periodic sweep over every dead process: dead +=
// accessed; accessed = 0; if (--dead == 0) the process is deleted.
// A process therefore survives at least two reap ticks after exit, and
// longer if late samples keep touching it. It returns the pids removed
// this tick.
func (t *Table) Reap() []int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []int32
	for i := range t.buckets {
		b := t.buckets[i]
		var next *list.Element
		for elem := b.Front(); elem != nil; elem = next {
			next = elem.Next()
			p := elem.Value.(*Process)
			if p.dead == 0 {
				continue
			}
			if p.accessed {
				p.dead++
				p.accessed = false
			}
			p.dead--
			if p.dead == 0 {
				b.Remove(elem)
				delete(t.index, p.Pid)
				removed = append(removed, p.Pid)
			}
		}
	}
	return removed
}

// Len returns the number of tracked processes (live and pending reap).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}
