// Package opdiff implements the diff engine (spec §4.11): a sorted
// merge-join of two profile containers by (image, app, symbol),
// computing per-class relative deltas.
package opdiff

import (
	"math"
	"sort"

	"github.com/opgo/oprofile/odb"
	"github.com/opgo/oprofile/profile"
)

// Entry is one matched or one-sided (image, app, symbol) triple.
type Entry struct {
	Image  string
	App    string
	Symbol string

	OldCounts []odb.Value
	NewCounts []odb.Value

	// Delta[i] = (new-old)/old per class; +Inf if only present in the
	// new profile, -Inf if only present in the old one.
	Delta []float64

	// NewPercent[i] is NewCounts[i] as a percentage of the new
	// profile's total for that class, so relative figures are always
	// against the new profile (spec §4.11).
	NewPercent []float64
}

type key struct {
	image, app, symbol string
}

type flat struct {
	key
	sc *profile.SymbolCounts
}

func flatten(c *profile.Container) []flat {
	var out []flat
	for _, img := range c.Images {
		for _, sc := range img.SymCounts {
			out = append(out, flat{
				key: key{image: img.Path, app: img.AppOwner, symbol: sc.Symbol.Name},
				sc:  sc,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].key, out[j].key) })
	return out
}

func less(a, b key) bool {
	if a.image != b.image {
		return a.image < b.image
	}
	if a.app != b.app {
		return a.app < b.app
	}
	return a.symbol < b.symbol
}

// Diff merge-joins oldc and newc by (image, app, symbol) in sorted
// order, producing one Entry per key present in either side.
func Diff(oldc, newc *profile.Container) []Entry {
	oldFlat := flatten(oldc)
	newFlat := flatten(newc)
	numClasses := len(newc.ClassNames)
	if numClasses == 0 {
		numClasses = len(oldc.ClassNames)
	}

	newTotals := make([]odb.Value, numClasses)
	for _, f := range newFlat {
		for ci, v := range f.sc.Counts {
			if ci < numClasses {
				newTotals[ci] = newTotals[ci].Add(v)
			}
		}
	}

	var out []Entry
	i, j := 0, 0
	for i < len(oldFlat) || j < len(newFlat) {
		switch {
		case j >= len(newFlat) || (i < len(oldFlat) && less(oldFlat[i].key, newFlat[j].key)):
			out = append(out, oneSided(oldFlat[i].key, oldFlat[i].sc.Counts, nil, numClasses, newTotals))
			i++
		case i >= len(oldFlat) || less(newFlat[j].key, oldFlat[i].key):
			out = append(out, oneSided(newFlat[j].key, nil, newFlat[j].sc.Counts, numClasses, newTotals))
			j++
		default:
			out = append(out, matched(oldFlat[i].key, oldFlat[i].sc.Counts, newFlat[j].sc.Counts, numClasses, newTotals))
			i++
			j++
		}
	}
	return out
}

func oneSided(k key, oldCounts, newCounts []odb.Value, numClasses int, newTotals []odb.Value) Entry {
	e := Entry{
		Image: k.image, App: k.app, Symbol: k.symbol,
		OldCounts: pad(oldCounts, numClasses), NewCounts: pad(newCounts, numClasses),
		Delta: make([]float64, numClasses), NewPercent: make([]float64, numClasses),
	}
	for ci := 0; ci < numClasses; ci++ {
		if newCounts == nil {
			e.Delta[ci] = math.Inf(-1)
		} else {
			e.Delta[ci] = math.Inf(1)
		}
		e.NewPercent[ci] = percentOf(e.NewCounts[ci], newTotals, ci)
	}
	return e
}

func matched(k key, oldCounts, newCounts []odb.Value, numClasses int, newTotals []odb.Value) Entry {
	e := Entry{
		Image: k.image, App: k.app, Symbol: k.symbol,
		OldCounts: pad(oldCounts, numClasses), NewCounts: pad(newCounts, numClasses),
		Delta: make([]float64, numClasses), NewPercent: make([]float64, numClasses),
	}
	for ci := 0; ci < numClasses; ci++ {
		o, n := float64(e.OldCounts[ci]), float64(e.NewCounts[ci])
		if o == 0 {
			if n == 0 {
				e.Delta[ci] = 0
			} else {
				e.Delta[ci] = math.Inf(1)
			}
		} else {
			e.Delta[ci] = (n - o) / o
		}
		e.NewPercent[ci] = percentOf(e.NewCounts[ci], newTotals, ci)
	}
	return e
}

func percentOf(v odb.Value, totals []odb.Value, ci int) float64 {
	if ci >= len(totals) || totals[ci] == 0 {
		return 0
	}
	return float64(v) / float64(totals[ci]) * 100
}

func pad(counts []odb.Value, n int) []odb.Value {
	out := make([]odb.Value, n)
	copy(out, counts)
	return out
}
