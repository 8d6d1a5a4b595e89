package daemon

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opgo/oprofile/internal/oserr"
)

func TestParseEventsSplitsCommaAndColonFields(t *testing.T) {
	events, err := ParseEvents("CPU_CLK_UNHALTED:0:0:100000:0:1:1,L2_CACHE_MISSES:1:1:50000:2:1:0")
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.Equal(t, EventSpec{
		Name: "CPU_CLK_UNHALTED", Value: 0, Counter: 0, Count: 100000, UnitMask: 0,
		Kernel: true, User: true,
	}, events[0])
	require.Equal(t, EventSpec{
		Name: "L2_CACHE_MISSES", Value: 1, Counter: 1, Count: 50000, UnitMask: 2,
		Kernel: true, User: false,
	}, events[1])
}

func TestParseEventsRejectsEmptySpec(t *testing.T) {
	_, err := ParseEvents("")
	require.Error(t, err)
	require.True(t, oserr.Is(err, oserr.KindParse))
}

func TestParseEventsRejectsMalformedEntry(t *testing.T) {
	_, err := ParseEvents("CPU_CLK_UNHALTED:0:0:100000")
	require.Error(t, err)
	require.True(t, oserr.Is(err, oserr.KindParse))
}

func TestParseKernelRangeParsesHex(t *testing.T) {
	start, end, err := ParseKernelRange("c0000000-c0400000")
	require.NoError(t, err)
	require.Equal(t, uint64(0xc0000000), start)
	require.Equal(t, uint64(0xc0400000), end)
}

func TestParseKernelRangeAcceptsHexPrefix(t *testing.T) {
	start, end, err := ParseKernelRange("0xc0000000-0xc0400000")
	require.NoError(t, err)
	require.Equal(t, uint64(0xc0000000), start)
	require.Equal(t, uint64(0xc0400000), end)
}

func TestParseKernelRangeRejectsMissingDash(t *testing.T) {
	_, _, err := ParseKernelRange("c0000000")
	require.Error(t, err)
}

func TestEventByCounterFindsBoundEvent(t *testing.T) {
	cfg := Config{Events: []EventSpec{{Name: "A", Counter: 0}, {Name: "B", Counter: 1}}}
	ev, ok := cfg.EventByCounter(1)
	require.True(t, ok)
	require.Equal(t, "B", ev.Name)

	_, ok = cfg.EventByCounter(5)
	require.False(t, ok)
}
