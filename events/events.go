// Package events is a small, hand-maintained table of named hardware
// and timer event descriptors, standing in for the real oprofile event
// list (derived from the CPU's architectural event list on a real
// system). No other package imports it: the daemon's --events= parser
// and the report pipeline do not look names up in this table.
package events

import "fmt"

// Descriptor names one countable event.
type Descriptor struct {
	Name            string
	ID              uint32
	DefaultUnitMask uint8
	CPUType         string
	Counters        int // number of physical counters able to count this event
}

// Table lists the events known to this build. Real oprofile derives
// this from an architecture-specific event XML; we hand-maintain a
// representative subset covering the common Intel/AMD/timer cases used
// throughout the test suite and examples.
var Table = []Descriptor{
	{Name: "CPU_CLK_UNHALTED", ID: 0x3c, DefaultUnitMask: 0x00, CPUType: "x86-64", Counters: 4},
	{Name: "INST_RETIRED", ID: 0xc0, DefaultUnitMask: 0x00, CPUType: "x86-64", Counters: 4},
	{Name: "LLC_MISSES", ID: 0x2e, DefaultUnitMask: 0x41, CPUType: "x86-64", Counters: 4},
	{Name: "L2_RQSTS", ID: 0x24, DefaultUnitMask: 0xff, CPUType: "x86-64", Counters: 4},
	{Name: "BR_MISP_RETIRED", ID: 0xc5, DefaultUnitMask: 0x00, CPUType: "x86-64", Counters: 4},
	{Name: "TIMER", ID: 0, DefaultUnitMask: 0, CPUType: "timer", Counters: 1},
}

var byName = func() map[string]Descriptor {
	m := make(map[string]Descriptor, len(Table))
	for _, d := range Table {
		m[d.Name] = d
	}
	return m
}()

// Lookup finds a descriptor by name.
func Lookup(name string) (Descriptor, error) {
	d, ok := byName[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("events: unknown event %q", name)
	}
	return d, nil
}
