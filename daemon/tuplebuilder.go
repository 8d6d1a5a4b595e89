package daemon

import (
	"github.com/opgo/oprofile/imgreg"
	"github.com/opgo/oprofile/odb"
	"github.com/opgo/oprofile/sfile"
)

// mergedKernelPath is the pseudo-path every kernel and kernel-module
// sample collapses onto when --separate-kernel=0: one merged event
// stream for all kernel-mode execution rather than one per module.
const mergedKernelPath = "{kernel}"

// TupleBuilder turns a resolved mapping into the mangling tuple that
// routes a sample to its ODB, honoring the session's --separate-*
// flags and --events table (spec §4.2, §6).
type TupleBuilder struct {
	Cfg Config
}

// Tuple implements eventstream.TupleBuilder.
func (b TupleBuilder) Tuple(mapping, dep imgreg.Mapping, event uint32, tid, tgid, cpu int32) sfile.Tuple {
	ev, _ := b.Cfg.EventByCounter(int(event))

	imagePath, imageKernel := b.imageAxis(mapping)
	depPath, depKernel := b.imageAxis(dep)

	t := sfile.Tuple{
		ImagePath:    imagePath,
		ImageKernel:  imageKernel,
		DepImagePath: depPath,
		DepKernel:    depKernel,
		Event:        ev.Name,
		ResetCount:   ev.Count,
		UnitMask:     ev.UnitMask,
	}

	if b.Cfg.SeparateLib && mapping.Image.AppOwner != "" && mapping.Image.AppOwner != mapping.Image.Path {
		t.ImagePath = mapping.Image.Path
		t.ImageKernel = mapping.Image.IsKernel
	} else if !b.Cfg.SeparateLib && mapping.Image.AppOwner != "" {
		t.ImagePath = mapping.Image.AppOwner
		t.ImageKernel = false
		t.DepImagePath = mapping.Image.Path
		t.DepKernel = mapping.Image.IsKernel
	}

	if b.Cfg.SeparateThread {
		tgidCopy, tidCopy := int(tgid), int(tid)
		t.Tgid = &tgidCopy
		t.Tid = &tidCopy
	}
	if b.Cfg.SeparateCPU {
		cpuCopy := int(cpu)
		t.Cpu = &cpuCopy
	}

	return t
}

// imageAxis resolves the on-disk image path and kernel flag for m,
// collapsing every kernel/module image onto one merged pseudo-path
// when --separate-kernel=0.
func (b TupleBuilder) imageAxis(m imgreg.Mapping) (path string, isKernel bool) {
	if m.Image == nil {
		return "", false
	}
	if m.Image.IsKernel && !b.Cfg.SeparateKernel {
		return mergedKernelPath, true
	}
	return m.Image.Path, m.Image.IsKernel
}

// Header implements eventstream.TupleBuilder: it fills the ODB header
// from the mangling tuple and the session's event table, per spec
// §4.2 "Header writing".
func (b TupleBuilder) Header(tup sfile.Tuple) odb.Header {
	var ev EventSpec
	for _, e := range b.Cfg.Events {
		if e.Name == tup.Event {
			ev = e
			break
		}
	}

	var flags odb.Flags
	if tup.ImageKernel {
		flags |= odb.FlagIsKernel
	}
	if tup.IsCallgraph && tup.CgKernel {
		flags |= odb.FlagIsCallgraphToKernel
	}
	if b.Cfg.SeparateLib {
		flags |= odb.FlagSeparateLib
	}
	if b.Cfg.SeparateKernel {
		flags |= odb.FlagSeparateKernel
	}
	if b.Cfg.SeparateThread {
		flags |= odb.FlagSeparateThread
	}
	if b.Cfg.SeparateCPU {
		flags |= odb.FlagSeparateCPU
	}

	return odb.Header{
		Version:    1,
		Flags:      flags,
		EventID:    uint32(ev.Value),
		UnitMask:   uint32(tup.UnitMask),
		ResetCount: uint32(tup.ResetCount),
	}
}
