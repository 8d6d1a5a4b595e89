package eventstream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opgo/oprofile/internal/statcounters"
)

func TestDecodeSamplesNoCallgraph(t *testing.T) {
	words := []uint64{0x1000, 0, 0x2000, 1}
	recs, err := Decode(words, false, &statcounters.Stats{})
	require.NoError(t, err)
	require.Equal(t, []Record{
		Sample{PC: 0x1000, Event: 0},
		Sample{PC: 0x2000, Event: 1},
	}, recs)
}

func TestDecodeSamplesWithCallgraph(t *testing.T) {
	words := []uint64{0x1000, 0, 0x500}
	recs, err := Decode(words, true, &statcounters.Stats{})
	require.NoError(t, err)
	require.Equal(t, []Record{
		Sample{PC: 0x1000, Event: 0, LastPC: 0x500, HasLastPC: true},
	}, recs)
}

func TestDecodeCtxSwitch(t *testing.T) {
	words := []uint64{sentinel, codeCtxSwitch, 42, 0xdead, sentinel, 7, 100}
	recs, err := Decode(words, false, &statcounters.Stats{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	cs := recs[0].(CtxSwitch)
	require.Equal(t, int32(42), cs.Tid)
	require.Equal(t, int32(100), cs.Tgid)
}

func TestDecodeCpuCookieKernelCodes(t *testing.T) {
	words := []uint64{
		sentinel, codeCpuSwitch, 3,
		sentinel, codeCookieSwitch, 0x77,
		sentinel, codeKernelEnter,
		sentinel, codeKernelExit,
		sentinel, codeModuleLoaded,
	}
	recs, err := Decode(words, false, &statcounters.Stats{})
	require.NoError(t, err)
	require.Equal(t, []Record{
		CpuSwitch{Cpu: 3},
		CookieSwitch{Cookie: 0x77},
		KernelEnter{},
		KernelExit{},
		ModuleLoaded{},
	}, recs)
}

func TestDecodeDanglingSentinelAtEnd(t *testing.T) {
	stats := &statcounters.Stats{}
	words := []uint64{0x1000, 0, sentinel}
	recs, err := Decode(words, false, stats)
	require.NoError(t, err)
	require.Equal(t, []Record{Sample{PC: 0x1000, Event: 0}}, recs)
	require.Equal(t, uint64(1), stats.DanglingCode.Load())
}

func TestDecodeUnrecognizedCodeErrors(t *testing.T) {
	words := []uint64{sentinel, 0xff}
	_, err := Decode(words, false, &statcounters.Stats{})
	require.Error(t, err)
}

func TestDecodeLegacySamples(t *testing.T) {
	// pc=0x1234, pid=7, event=2 (shifted into high bits), count=5
	buf := make([]byte, 8)
	buf[0], buf[1], buf[2], buf[3] = 0x34, 0x12, 0, 0
	buf[4], buf[5] = 7, 0
	packed := uint16(2<<legacyEventShift) | 5
	buf[6] = byte(packed)
	buf[7] = byte(packed >> 8)

	samples, err := DecodeLegacySamples(buf)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, uint32(0x1234), samples[0].PC)
	require.Equal(t, uint16(7), samples[0].Pid)
	require.Equal(t, uint8(2), samples[0].EventIndex)
	require.Equal(t, uint16(5), samples[0].Count)
}

func TestDecodeLegacyNotes(t *testing.T) {
	buf := make([]byte, legacyNoteSize)
	notes, err := DecodeLegacyNotes(buf)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, NoteFork, notes[0].Type)
}
