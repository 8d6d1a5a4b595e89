package daemon

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opgo/oprofile/internal/oserr"
)

// EventSpec is one parsed --events= entry: a physical counter bound to
// a named event with its reset count and unit mask, and whether it
// samples kernel and/or user-space execution.
type EventSpec struct {
	Name     string
	Value    int
	Counter  int
	Count    int
	UnitMask int
	Kernel   bool
	User     bool
}

// Config is the daemon's CLI surface (spec §6).
type Config struct {
	SessionDir             string
	Vmlinux                string
	NoVmlinux              bool
	KernelStart, KernelEnd uint64

	SeparateLib    bool
	SeparateKernel bool
	SeparateThread bool
	SeparateCPU    bool

	Events []EventSpec

	Verbose bool
}

// ParseEvents parses the --events= flag value: comma-separated entries
// of ev:value:counter:count:unitmask:kernel:user.
func ParseEvents(spec string) ([]EventSpec, error) {
	if spec == "" {
		return nil, oserr.New(oserr.KindParse, "daemon: --events is mandatory")
	}
	var out []EventSpec
	for _, entry := range strings.Split(spec, ",") {
		fields := strings.Split(entry, ":")
		if len(fields) != 7 {
			return nil, oserr.New(oserr.KindParse, fmt.Sprintf("daemon: bad --events entry %q (want 7 colon fields)", entry))
		}
		value, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, oserr.Wrap(oserr.KindParse, "daemon: bad event value in "+entry, err)
		}
		counter, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, oserr.Wrap(oserr.KindParse, "daemon: bad counter index in "+entry, err)
		}
		count, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, oserr.Wrap(oserr.KindParse, "daemon: bad reset count in "+entry, err)
		}
		unitMask, err := strconv.Atoi(fields[4])
		if err != nil {
			return nil, oserr.Wrap(oserr.KindParse, "daemon: bad unit mask in "+entry, err)
		}
		out = append(out, EventSpec{
			Name: fields[0], Value: value, Counter: counter, Count: count, UnitMask: unitMask,
			Kernel: fields[5] == "1", User: fields[6] == "1",
		})
	}
	return out, nil
}

// ParseKernelRange parses a "start-end" pair of hexadecimal addresses
// (each with an optional 0x prefix) from --kernel-range.
func ParseKernelRange(s string) (start, end uint64, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, oserr.New(oserr.KindParse, "daemon: --kernel-range wants start-end")
	}
	start, err = strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 64)
	if err != nil {
		return 0, 0, oserr.Wrap(oserr.KindParse, "daemon: bad kernel range start", err)
	}
	end, err = strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 64)
	if err != nil {
		return 0, 0, oserr.Wrap(oserr.KindParse, "daemon: bad kernel range end", err)
	}
	return start, end, nil
}

// EventByCounter finds the EventSpec bound to counter, if any.
func (c Config) EventByCounter(counter int) (EventSpec, bool) {
	for _, e := range c.Events {
		if e.Counter == counter {
			return e, true
		}
	}
	return EventSpec{}, false
}
