package gmon

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opgo/oprofile/odb"
)

func TestBuildUsesMultiplier8WhenAligned(t *testing.T) {
	samples := []Sample{{VMA: 0x100, Count: 5}, {VMA: 0x104, Count: 3}}
	buf := Build(samples, 4)
	require.Equal(t, []byte("gmon"), buf[0:4])

	histSize := binary.LittleEndian.Uint32(buf[20+1+4+4 : 20+1+4+4+4])
	require.Equal(t, uint32(1), histSize) // (0x105-0x100)/8 truncates to 0, floored up to the 1-entry minimum
}

func TestBuildUsesMultiplier2WhenUnaligned(t *testing.T) {
	samples := []Sample{{VMA: 0x101, Count: 5}, {VMA: 0x105, Count: 3}}
	buf := Build(samples, 4)
	histSize := binary.LittleEndian.Uint32(buf[20+1+4+4 : 20+1+4+4+4])
	require.Equal(t, uint32(2), histSize) // (0x106-0x101)/2 = 2, integer division
}

func TestBuildSaturatesHistogramCounter(t *testing.T) {
	samples := []Sample{{VMA: 0x100, Count: odb.Value(70000)}}
	buf := Build(samples, 4)
	histStart := 20 + 1 + 4 + 4 + 4 + 4 + dimenSize + 1
	v := binary.LittleEndian.Uint16(buf[histStart : histStart+2])
	require.Equal(t, uint16(0xffff), v)
}

func TestBuildEmptySamplesReturnsHeaderOnly(t *testing.T) {
	buf := Build(nil, 4)
	require.Len(t, buf, 20)
}
