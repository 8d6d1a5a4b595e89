package profile

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opgo/oprofile/arrange"
	"github.com/opgo/oprofile/odb"
)

func writeODB(t *testing.T, path string, entries map[uint64]odb.Value) {
	t.Helper()
	db, err := odb.Open(path, odb.ReadWrite, odb.HeaderSize, len(entries))
	require.NoError(t, err)
	db.WriteHeader(odb.Header{Version: 1, EventID: 1})
	for k, v := range entries {
		require.NoError(t, db.Insert(odb.Key(k), v))
	}
	require.NoError(t, db.Close())
}

func fixedSymbols() []Symbol {
	return []Symbol{
		{Name: "foo", Start: 0x100, End: 0x200},
		{Name: "bar", Start: 0x200, End: 0x300},
	}
}

func TestPopulateAccumulatesCountsPerSymbolAndClass(t *testing.T) {
	dir := t.TempDir()
	p1 := dir + "/a.class0"
	p2 := dir + "/a.class1"
	writeODB(t, p1, map[uint64]odb.Value{0x110: 5, 0x250: 3})
	writeODB(t, p2, map[uint64]odb.Value{0x120: 2})

	inv := []arrange.InvertedProfile{
		{
			ImagePath: "/bin/a",
			PerClass: []arrange.ProfileSet{
				{ImagePath: "/bin/a", Files: []arrange.FileEntry{{Path: p1}}},
				{ImagePath: "/bin/a", Files: []arrange.FileEntry{{Path: p2}}},
			},
		},
	}

	c, err := Populate(inv, []string{"class0", "class1"}, func(path string) ([]Symbol, error) {
		return fixedSymbols(), nil
	}, nil)
	require.NoError(t, err)
	require.Len(t, c.Images, 1)

	foo := c.Images[0].SymCounts[0]
	bar := c.Images[0].SymCounts[1]
	require.Equal(t, odb.Value(5), foo.Counts[0].Add(0)) // 0x110 in [0x100,0x200)
	require.Equal(t, odb.Value(3), bar.Counts[0])
	require.Equal(t, odb.Value(2), foo.Counts[1]) // class 1's 0x120 also falls in foo
}

func TestPopulateMergesDependentFiles(t *testing.T) {
	dir := t.TempDir()
	primary := dir + "/a"
	dep := dir + "/libc"
	writeODB(t, primary, map[uint64]odb.Value{0x110: 1})
	writeODB(t, dep, map[uint64]odb.Value{0x120: 4})

	inv := []arrange.InvertedProfile{
		{
			ImagePath: "/bin/a",
			PerClass: []arrange.ProfileSet{
				{
					ImagePath: "/bin/a",
					Files:     []arrange.FileEntry{{Path: primary}},
					Dependents: map[string][]arrange.FileEntry{
						"/lib/libc.so": {{Path: dep}},
					},
				},
			},
		},
	}

	c, err := Populate(inv, []string{"class0"}, func(string) ([]Symbol, error) { return fixedSymbols(), nil }, nil)
	require.NoError(t, err)
	require.Equal(t, odb.Value(5), c.Images[0].SymCounts[0].Counts[0])
}

func TestSelectFiltersByThreshold(t *testing.T) {
	dir := t.TempDir()
	p := dir + "/a"
	writeODB(t, p, map[uint64]odb.Value{0x110: 90, 0x250: 10})

	inv := []arrange.InvertedProfile{{
		ImagePath: "/bin/a",
		PerClass:  []arrange.ProfileSet{{ImagePath: "/bin/a", Files: []arrange.FileEntry{{Path: p}}}},
	}}
	c, err := Populate(inv, []string{"class0"}, func(string) ([]Symbol, error) { return fixedSymbols(), nil }, nil)
	require.NoError(t, err)

	var hints Hints
	selected := c.Select(50, &hints)
	require.Len(t, selected, 1)
	require.Equal(t, "foo", selected[0].Symbol.Name)
}

func TestFindByVMAAndName(t *testing.T) {
	dir := t.TempDir()
	p := dir + "/a"
	writeODB(t, p, map[uint64]odb.Value{0x110: 1})

	inv := []arrange.InvertedProfile{{
		ImagePath: "/bin/a",
		PerClass:  []arrange.ProfileSet{{ImagePath: "/bin/a", Files: []arrange.FileEntry{{Path: p}}}},
	}}
	c, err := Populate(inv, []string{"class0"}, func(string) ([]Symbol, error) { return fixedSymbols(), nil }, nil)
	require.NoError(t, err)

	sc, ok := c.FindByVMA("/bin/a", 0x150)
	require.True(t, ok)
	require.Equal(t, "foo", sc.Symbol.Name)

	_, ok = c.FindByVMA("/bin/a", 0x1000)
	require.False(t, ok)

	byName := c.FindByName("bar")
	require.Len(t, byName, 1)
}

func TestSortBySampleCountThenName(t *testing.T) {
	scA := &SymbolCounts{Symbol: Symbol{Name: "a"}, Counts: []odb.Value{5}}
	scB := &SymbolCounts{Symbol: Symbol{Name: "b"}, Counts: []odb.Value{10}}
	scC := &SymbolCounts{Symbol: Symbol{Name: "c"}, Counts: []odb.Value{5}}
	list := []*SymbolCounts{scA, scB, scC}

	Sort(list, []Key{{Order: OrderSampleCount, Reverse: true}, {Order: OrderSymbolName}})
	require.Equal(t, []string{"b", "a", "c"}, []string{list[0].Symbol.Name, list[1].Symbol.Name, list[2].Symbol.Name})
}

func TestSamplesCountWithDetail(t *testing.T) {
	dir := t.TempDir()
	p := dir + "/a"
	writeODB(t, p, map[uint64]odb.Value{0x110: 7})

	inv := []arrange.InvertedProfile{{
		ImagePath: "/bin/a",
		PerClass:  []arrange.ProfileSet{{ImagePath: "/bin/a", Files: []arrange.FileEntry{{Path: p}}}},
	}}
	resolve := func(image string, vma uint64) (string, int, bool) {
		return "foo.c", 42, true
	}
	c, err := Populate(inv, []string{"class0"}, func(string) ([]Symbol, error) { return fixedSymbols(), nil }, resolve)
	require.NoError(t, err)

	require.Equal(t, odb.Value(7), c.SamplesCountFile("foo.c"))
	require.Equal(t, odb.Value(7), c.SamplesCountFileLine("foo.c", 42))
	require.Equal(t, odb.Value(0), c.SamplesCountFileLine("foo.c", 43))
}
