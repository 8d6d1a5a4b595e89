package profile

import (
	"sort"

	"github.com/opgo/oprofile/arrange"
	"github.com/opgo/oprofile/odb"
)

// DetailSample is one accumulated (offset, count) pair annotated with a
// source location, recorded only when detail tracking is enabled.
type DetailSample struct {
	Offset uint64
	File   string
	Line   int
	Count  odb.Value
}

// SymbolCounts is one symbol's accumulated counts, one slot per
// profile class, plus optional per-offset detail.
type SymbolCounts struct {
	Symbol  Symbol
	Image   *ImageProfile
	Counts  []odb.Value
	Details [][]DetailSample // one slice per class, empty unless detail is enabled
}

// Total sums Counts across every class.
func (sc *SymbolCounts) Total() odb.Value {
	var t odb.Value
	for _, c := range sc.Counts {
		t = t.Add(c)
	}
	return t
}

// ImageProfile is one binary's symbol table joined with its per-class
// sample counts.
type ImageProfile struct {
	Path        string
	AppOwner    string
	StartOffset uint64
	Symbols     []Symbol
	SymCounts   []*SymbolCounts
	ClassTotals []odb.Value
}

// Container is the full in-memory population of every arranged binary
// (spec §4.8).
type Container struct {
	Images     []*ImageProfile
	ClassNames []string

	byFileLine map[string][]*DetailSample // lazily built index, keyed by file
}

// LineResolver maps a VMA in one image to its source location.
type LineResolver func(imagePath string, vma uint64) (file string, line int, ok bool)

type offsetCount struct {
	offset uint64
	count  odb.Value
}

// Populate builds a Container from an arranged, inverted profile list
// (spec §4.8 step 1-3). loadSymbols supplies one image's sorted symbol
// table; resolveLine is optional (nil disables per-offset detail).
func Populate(inv []arrange.InvertedProfile, classNames []string, loadSymbols func(path string) ([]Symbol, error), resolveLine LineResolver) (*Container, error) {
	c := &Container{ClassNames: append([]string(nil), classNames...)}

	for _, ip := range inv {
		syms, err := loadSymbols(ip.ImagePath)
		if err != nil {
			return nil, err
		}

		image := &ImageProfile{
			Path:        ip.ImagePath,
			Symbols:     syms,
			ClassTotals: make([]odb.Value, len(classNames)),
		}

		symCounts := make([]*SymbolCounts, len(syms))
		for i, s := range syms {
			symCounts[i] = &SymbolCounts{Symbol: s, Image: image, Counts: make([]odb.Value, len(classNames))}
			if resolveLine != nil {
				symCounts[i].Details = make([][]DetailSample, len(classNames))
			}
		}

		for ci, set := range ip.PerClass {
			if set.ImagePath == "" {
				continue
			}
			merged, err := mergeClassFiles(set)
			if err != nil {
				return nil, err
			}

			offsets := make([]offsetCount, 0, len(merged))
			for off, cnt := range merged {
				offsets = append(offsets, offsetCount{offset: off, count: cnt})
			}
			sort.Slice(offsets, func(i, j int) bool { return offsets[i].offset < offsets[j].offset })

			si := 0
			for _, oc := range offsets {
				vma := oc.offset + image.StartOffset
				image.ClassTotals[ci] = image.ClassTotals[ci].Add(oc.count)
				for si < len(syms) && vma >= syms[si].End {
					si++
				}
				if si >= len(syms) || vma < syms[si].Start {
					continue
				}
				symCounts[si].Counts[ci] = symCounts[si].Counts[ci].Add(oc.count)
				if resolveLine != nil {
					if file, line, ok := resolveLine(ip.ImagePath, vma); ok {
						symCounts[si].Details[ci] = append(symCounts[si].Details[ci], DetailSample{
							Offset: oc.offset, File: file, Line: line, Count: oc.count,
						})
					}
				}
			}
		}

		image.SymCounts = symCounts
		c.Images = append(c.Images, image)
	}

	return c, nil
}

// mergeClassFiles opens every ODB file (primary and dependent) in set
// and sums their entries by offset.
func mergeClassFiles(set arrange.ProfileSet) (map[uint64]odb.Value, error) {
	merged := map[uint64]odb.Value{}
	for _, fe := range set.Files {
		if err := addEntries(merged, fe.Path); err != nil {
			return nil, err
		}
	}
	for _, deps := range set.Dependents {
		for _, fe := range deps {
			if err := addEntries(merged, fe.Path); err != nil {
				return nil, err
			}
		}
	}
	return merged, nil
}

func addEntries(merged map[uint64]odb.Value, path string) error {
	db, err := odb.Open(path, odb.ReadOnly, odb.HeaderSize, 0)
	if err != nil {
		return err
	}
	defer db.Close()
	for _, e := range db.Iterate() {
		merged[uint64(e.Key)] = merged[uint64(e.Key)].Add(e.Value)
	}
	return nil
}
