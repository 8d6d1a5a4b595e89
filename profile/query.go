package profile

import (
	"sort"

	"github.com/opgo/oprofile/odb"
)

// Hints flags properties of a selected symbol set that the formatter
// uses to decide whether to show image/app columns (spec §4.8).
type Hints struct {
	MultipleApps   bool
	Has64BitVMA    bool
	DistinctImages bool
}

// Select returns every symbol whose class-0 percentage is at least
// thresholdPct, and fills hints describing the overall selection.
func (c *Container) Select(thresholdPct float64, hints *Hints) []*SymbolCounts {
	var total odb.Value
	for _, img := range c.Images {
		if len(img.ClassTotals) > 0 {
			total = total.Add(img.ClassTotals[0])
		}
	}

	var out []*SymbolCounts
	firstImage, firstApp := "", ""
	for _, img := range c.Images {
		if img.Path != "" {
			if firstImage == "" {
				firstImage = img.Path
			} else if img.Path != firstImage && hints != nil {
				hints.DistinctImages = true
			}
		}
		if img.AppOwner != "" {
			if firstApp == "" {
				firstApp = img.AppOwner
			} else if img.AppOwner != firstApp && hints != nil {
				hints.MultipleApps = true
			}
		}
		for _, sc := range img.SymCounts {
			if sc.Symbol.End > 1<<32 && hints != nil {
				hints.Has64BitVMA = true
			}
			if len(sc.Counts) == 0 {
				continue
			}
			pct := 0.0
			if total > 0 {
				pct = float64(sc.Counts[0]) / float64(total) * 100
			}
			if pct >= thresholdPct {
				out = append(out, sc)
			}
		}
	}
	return out
}

// FindByVMA binary-searches one image's symbols for the one covering
// vma.
func (c *Container) FindByVMA(imagePath string, vma uint64) (*SymbolCounts, bool) {
	for _, img := range c.Images {
		if img.Path != imagePath {
			continue
		}
		i := sort.Search(len(img.Symbols), func(i int) bool { return img.Symbols[i].End > vma })
		if i < len(img.Symbols) && img.Symbols[i].Start <= vma {
			return img.SymCounts[i], true
		}
		return nil, false
	}
	return nil, false
}

// FindByName linearly scans every image for symbols named name; names
// may repeat across images.
func (c *Container) FindByName(name string) []*SymbolCounts {
	var out []*SymbolCounts
	for _, img := range c.Images {
		for _, sc := range img.SymCounts {
			if sc.Symbol.Name == name {
				out = append(out, sc)
			}
		}
	}
	return out
}

// FindByFileLine looks up detail samples recorded at file:line, using
// a lazily built index sorted by (file, linenr).
func (c *Container) FindByFileLine(file string, line int) []DetailSample {
	if c.byFileLine == nil {
		c.buildFileLineIndex()
	}
	var out []DetailSample
	for _, d := range c.byFileLine[file] {
		if d.Line == line {
			out = append(out, *d)
		}
	}
	return out
}

func (c *Container) buildFileLineIndex() {
	c.byFileLine = map[string][]*DetailSample{}
	for _, img := range c.Images {
		for _, sc := range img.SymCounts {
			for _, perClass := range sc.Details {
				for i := range perClass {
					d := &perClass[i]
					c.byFileLine[d.File] = append(c.byFileLine[d.File], d)
				}
			}
		}
	}
	for _, list := range c.byFileLine {
		sort.Slice(list, func(i, j int) bool { return list[i].Line < list[j].Line })
	}
}

// SamplesCount returns one total per class, each summed over every image.
func (c *Container) SamplesCount() []odb.Value {
	var totals []odb.Value
	for _, img := range c.Images {
		for ci, v := range img.ClassTotals {
			for len(totals) <= ci {
				totals = append(totals, 0)
			}
			totals[ci] = totals[ci].Add(v)
		}
	}
	return totals
}

// SamplesCountFile sums detail counts recorded against file.
func (c *Container) SamplesCountFile(file string) odb.Value {
	if c.byFileLine == nil {
		c.buildFileLineIndex()
	}
	var total odb.Value
	for _, d := range c.byFileLine[file] {
		total = total.Add(d.Count)
	}
	return total
}

// SamplesCountFileLine sums detail counts recorded at file:line.
func (c *Container) SamplesCountFileLine(file string, line int) odb.Value {
	var total odb.Value
	for _, d := range c.FindByFileLine(file, line) {
		total = total.Add(d.Count)
	}
	return total
}
