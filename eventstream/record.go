// Package eventstream decodes the daemon's sample buffer: the modern
// sentinel-escaped control-code word stream (spec §4.5) and, for older
// kernels, the legacy two-stream (sample + note) format. The modern
// decoder produces the closed set of Record types the dispatcher
// consumes; the legacy decoders return their own LegacySample and
// LegacyNote values, which are not converted into Records.
package eventstream

import "github.com/opgo/oprofile/imgreg"

// Record is the closed set of events a decoder can produce.
type Record interface{ isRecord() }

// Sample is a (program counter, event index) pair: one hit to be
// attributed to the current process/context. LastPC/HasLastPC are only
// populated when the stream was decoded with callgraph capture on.
type Sample struct {
	PC        uint64
	Event     uint32
	LastPC    uint64
	HasLastPC bool
}

// CtxSwitch updates the current (tid, app cookie, tgid) context.
type CtxSwitch struct {
	Tid       int32
	AppCookie imgreg.Cookie
	Tgid      int32
}

// CpuSwitch updates the current CPU.
type CpuSwitch struct{ Cpu int32 }

// CookieSwitch updates the current image cookie.
type CookieSwitch struct{ Cookie imgreg.Cookie }

// KernelEnter marks subsequent samples as kernel-mode.
type KernelEnter struct{}

// KernelExit marks subsequent samples as user-mode.
type KernelExit struct{}

// ModuleLoaded asks the image registry to re-read module info.
type ModuleLoaded struct{}

func (Sample) isRecord()       {}
func (CtxSwitch) isRecord()    {}
func (CpuSwitch) isRecord()    {}
func (CookieSwitch) isRecord() {}
func (KernelEnter) isRecord()  {}
func (KernelExit) isRecord()   {}
func (ModuleLoaded) isRecord() {}
