// Package statcounters holds the daemon's process-wide lost-sample and
// notification statistics (spec §7). Samples are never reported lost
// individually; they accumulate here and are snapshotted under the
// alarm handler's deferred work, never inside the signal handler itself
// (see spec §9 and the Signal-safety invariant in §8).
package statcounters

import "sync/atomic"

// Stats is a fixed set of monotonically increasing counters. All fields
// are accessed via atomic add so the alarm-driven snapshot never races
// with the hot dispatch path in the main loop.
type Stats struct {
	Kernel         atomic.Uint64
	Module         atomic.Uint64
	LostModule     atomic.Uint64
	LostProcess    atomic.Uint64
	LostMapProcess atomic.Uint64
	NoCtx          atomic.Uint64
	NoMapping      atomic.Uint64
	Samples        atomic.Uint64
	SampleCounts   atomic.Uint64
	DumpCount      atomic.Uint64
	Notifications  atomic.Uint64
	DanglingCode   atomic.Uint64
}

// Snapshot is an immutable point-in-time copy suitable for logging or a
// stats file, taken outside of any signal handler.
type Snapshot struct {
	Kernel         uint64
	Module         uint64
	LostModule     uint64
	LostProcess    uint64
	LostMapProcess uint64
	NoCtx          uint64
	NoMapping      uint64
	Samples        uint64
	SampleCounts   uint64
	DumpCount      uint64
	Notifications  uint64
	DanglingCode   uint64
}

// Snapshot reads every counter. It does not reset them: counters are
// cumulative for the life of the daemon.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Kernel:         s.Kernel.Load(),
		Module:         s.Module.Load(),
		LostModule:     s.LostModule.Load(),
		LostProcess:    s.LostProcess.Load(),
		LostMapProcess: s.LostMapProcess.Load(),
		NoCtx:          s.NoCtx.Load(),
		NoMapping:      s.NoMapping.Load(),
		Samples:        s.Samples.Load(),
		SampleCounts:   s.SampleCounts.Load(),
		DumpCount:      s.DumpCount.Load(),
		Notifications:  s.Notifications.Load(),
		DanglingCode:   s.DanglingCode.Load(),
	}
}

// Fields renders the snapshot as a map suitable for a structured logger
// (logrus.Fields is map[string]interface{} under the hood).
func (s Snapshot) Fields() map[string]interface{} {
	return map[string]interface{}{
		"kernel":           s.Kernel,
		"module":           s.Module,
		"lost_module":      s.LostModule,
		"lost_process":     s.LostProcess,
		"lost_map_process": s.LostMapProcess,
		"no_ctx":           s.NoCtx,
		"no_mapping":       s.NoMapping,
		"samples":          s.Samples,
		"sample_counts":    s.SampleCounts,
		"dump_count":       s.DumpCount,
		"notifications":    s.Notifications,
		"dangling_code":    s.DanglingCode,
	}
}
