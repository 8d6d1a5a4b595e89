package eventstream

import (
	"github.com/opgo/oprofile/imgreg"
	"github.com/opgo/oprofile/odb"
	"github.com/opgo/oprofile/proctrack"
	"github.com/opgo/oprofile/sfile"

	"github.com/opgo/oprofile/internal/statcounters"
)

// TupleBuilder turns a resolved mapping and event index into the
// mangling tuple identifying the ODB that sample belongs in, and the
// header that file should carry if newly created. The daemon supplies
// this; it knows the session's merge configuration and event table.
type TupleBuilder interface {
	Tuple(mapping imgreg.Mapping, dep imgreg.Mapping, event uint32, tid, tgid, cpu int32) sfile.Tuple
	Header(tup sfile.Tuple) odb.Header
}

// Dispatcher holds the decode-time state shared by the single-threaded
// daemon loop (current tid/tgid/cpu/cookie/in-kernel flag) and routes
// each decoded Record to the process tracker, image/kernel registry,
// and sample-file manager (spec §4.5 "Sample dispatch").
type Dispatcher struct {
	Procs   *proctrack.Table
	Kernel  *imgreg.KernelRegistry
	Images  *imgreg.Registry
	Files   *sfile.Manager
	Stats   *statcounters.Stats
	Tuples  TupleBuilder
	Tracing bool // callgraph arc capture on/off

	tid       int32
	tgid      int32
	appCookie imgreg.Cookie
	cpu       int32
	cookie    imgreg.Cookie
	inKernel  bool

	cacheKey  sfile.Tuple
	cacheDB   *odb.DB
	haveCache bool

	cgDB *odb.DB
}

// Dispatch applies one decoded record, updating context state or
// performing a sample lookup+insert.
func (d *Dispatcher) Dispatch(rec Record) error {
	switch r := rec.(type) {
	case CtxSwitch:
		d.tid = r.Tid
		d.tgid = r.Tgid
		d.appCookie = r.AppCookie
		d.clearCache()
		d.Stats.Notifications.Add(1)
	case CpuSwitch:
		d.cpu = r.Cpu
		d.clearCache()
		d.Stats.Notifications.Add(1)
	case CookieSwitch:
		d.cookie = r.Cookie
		d.clearCache()
		d.Stats.Notifications.Add(1)
	case KernelEnter:
		d.inKernel = true
		d.clearCache()
	case KernelExit:
		d.inKernel = false
		d.clearCache()
	case ModuleLoaded:
		d.Stats.Module.Add(1)
		return d.Kernel.RefreshModules()
	case Sample:
		return d.dispatchSample(r)
	}
	return nil
}

func (d *Dispatcher) clearCache() {
	d.haveCache = false
	d.cacheDB = nil
}

func (d *Dispatcher) dispatchSample(s Sample) error {
	d.Stats.Samples.Add(1)

	var mapping imgreg.Mapping
	var dep imgreg.Mapping
	var offset uint64

	if d.inKernel {
		m, err := d.Kernel.Resolve(s.PC)
		if err != nil {
			d.Stats.LostModule.Add(1)
			return nil
		}
		mapping = m
		dep = m
		offset = s.PC - mapping.Start
	} else {
		proc, ok := d.Procs.Get(d.tid)
		if !ok {
			d.Stats.LostProcess.Add(1)
			return nil
		}
		m, ok := proc.Mappings.Find(s.PC)
		if !ok {
			d.Stats.LostMapProcess.Add(1)
			return nil
		}
		mapping = m
		dep = m
		offset = s.PC - mapping.Start + mapping.Offset
	}

	db, err := d.dbFor(mapping, dep, s.Event)
	if err != nil {
		d.Stats.NoMapping.Add(1)
		return nil
	}

	if err := db.Insert(odb.Key(offset), 1); err != nil {
		return err
	}
	d.Stats.SampleCounts.Add(1)

	if d.Tracing && s.HasLastPC {
		arcFrom, arcTo := s.LastPC, s.PC
		if d.inKernel {
			// Both sides of the arc are in the kernel: offset each by
			// the start of its own region, per spec §4.5. A last_pc that
			// resolves to no region is offset by the sample's region.
			fromStart := mapping.Start
			if from, err := d.Kernel.Resolve(s.LastPC); err == nil {
				fromStart = from.Start
			}
			arcFrom -= fromStart
			arcTo -= mapping.Start
		}
		if err := d.recordArc(arcFrom, arcTo); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) dbFor(mapping, dep imgreg.Mapping, event uint32) (*odb.DB, error) {
	tup := d.Tuples.Tuple(mapping, dep, event, d.tid, d.tgid, d.cpu)
	if d.haveCache && d.cacheKey == tup {
		return d.cacheDB, nil
	}
	header := d.Tuples.Header(tup)
	db, err := d.Files.OpenOrCreate(tup, header)
	if err != nil {
		return nil, err
	}
	d.cacheKey = tup
	d.cacheDB = db
	d.haveCache = true
	return db, nil
}

// recordArc writes one callgraph arc (from, to) under the key
// (from<<32)|to. Kernel arcs arrive already offset by dispatchSample.
func (d *Dispatcher) recordArc(from, to uint64) error {
	if d.cgDB == nil {
		return nil
	}
	key := odb.Key(from)<<32 | odb.Key(to&0xffffffff)
	return d.cgDB.Insert(key, 1)
}

// SetCallgraphDB installs the ODB that (from, to) arcs are written to
// while tracing is on. Passing nil disables arc recording even if
// Tracing is true.
func (d *Dispatcher) SetCallgraphDB(db *odb.DB) { d.cgDB = db }
