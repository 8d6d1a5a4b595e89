package callgraph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opgo/oprofile/odb"
	"github.com/opgo/oprofile/profile"
)

func symbols() []profile.Symbol {
	return []profile.Symbol{
		{Name: "main", Start: 0x100, End: 0x200},
		{Name: "hot", Start: 0x200, End: 0x300},
		{Name: "cold", Start: 0x300, End: 0x400},
	}
}

func arcKey(from, to uint64) odb.Key { return odb.Key(from<<32 | (to & 0xffffffff)) }

func TestPopulateBuildsSymmetricMultimap(t *testing.T) {
	entries := []odb.Entry{
		{Key: arcKey(0x110, 0x210), Value: 10},
		{Key: arcKey(0x110, 0x310), Value: 1},
	}
	g := Populate(entries, symbols())

	require.Len(t, g.Callees("main"), 2)
	require.Len(t, g.Callers("hot"), 1)
	require.Equal(t, odb.Value(10), g.Nodes["hot"].SelfCount)
	require.Equal(t, odb.Value(11), g.Nodes["main"].CalleeCount)
	require.Equal(t, odb.Value(11), g.Total())
}

func TestLeafPruneRemovesColdLeavesAndUpdatesTotal(t *testing.T) {
	entries := []odb.Entry{
		{Key: arcKey(0x110, 0x210), Value: 95},
		{Key: arcKey(0x110, 0x310), Value: 5},
	}
	g := Populate(entries, symbols())
	require.Equal(t, odb.Value(100), g.Total())

	g.LeafPrune(10) // cold is 5/100 = 5% < 10%, hot is 95% stays
	_, coldSurvives := g.Nodes["cold"]
	require.False(t, coldSurvives)
	_, hotSurvives := g.Nodes["hot"]
	require.True(t, hotSurvives)
	require.Equal(t, odb.Value(95), g.Total())
	require.Len(t, g.Callees("main"), 1)
}

func TestRecomputeCalleeCountsAfterPrune(t *testing.T) {
	entries := []odb.Entry{
		{Key: arcKey(0x110, 0x210), Value: 95},
		{Key: arcKey(0x110, 0x310), Value: 5},
	}
	g := Populate(entries, symbols())
	g.LeafPrune(10)
	g.RecomputeCalleeCounts()
	require.Equal(t, odb.Value(95), g.Nodes["main"].CalleeCount)
}

func TestPopulateSkipsUnresolvedArcs(t *testing.T) {
	entries := []odb.Entry{{Key: arcKey(0xffff, 0x210), Value: 1}}
	g := Populate(entries, symbols())
	require.Empty(t, g.Nodes)
	require.Equal(t, odb.Value(0), g.Total())
}
