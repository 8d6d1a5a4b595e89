// Package opformat implements the column-oriented report renderer
// (spec §4.10): fixed-width columns, optionally repeated once per
// profile class, with an optional header block and per-symbol detail
// lines.
package opformat

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opgo/oprofile/odb"
	"github.com/opgo/oprofile/profile"
)

// Column names one renderable field.
type Column int

const (
	ColVMA Column = iota
	ColSamples
	ColCumSamples
	ColPercent
	ColCumPercent
	ColPercentDetails
	ColCumPercentDetails
	ColLinenr
	ColImage
	ColApp
	ColSymbol
)

// perClass reports whether a column repeats once per profile class.
func (c Column) perClass() bool {
	switch c {
	case ColSamples, ColCumSamples, ColPercent, ColCumPercent, ColPercentDetails, ColCumPercentDetails:
		return true
	}
	return false
}

func (c Column) header() string {
	switch c {
	case ColVMA:
		return "vma"
	case ColSamples:
		return "samples"
	case ColCumSamples:
		return "cum. samples"
	case ColPercent:
		return "%"
	case ColCumPercent:
		return "cum. %"
	case ColPercentDetails:
		return "%-details"
	case ColCumPercentDetails:
		return "cum. %-details"
	case ColLinenr:
		return "linenr"
	case ColImage:
		return "image"
	case ColApp:
		return "app"
	case ColSymbol:
		return "symbol"
	}
	return ""
}

// Config controls column selection and fixed widths.
type Config struct {
	Columns     []Column
	NumClasses  int
	ClassNames  []string
	VMAWidth    int // hex digits: 8 for 32-bit, 16 for 64-bit
	IntWidth    int // integer digits reserved for a percentage
	FracWidth   int // fractional digits reserved for a percentage
	ShowHeader  bool
	ShowDetails bool
}

func (cfg Config) width(c Column) int {
	switch c {
	case ColVMA:
		return cfg.VMAWidth + 2 // "0x" prefix
	case ColSamples, ColCumSamples:
		return 12
	case ColPercent, ColCumPercent, ColPercentDetails, ColCumPercentDetails:
		return cfg.IntWidth + 1 + cfg.FracWidth
	case ColLinenr:
		return 6
	case ColImage, ColApp, ColSymbol:
		return 32
	}
	return 8
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

func formatPercent(v float64, intWidth, fracWidth int) string {
	s := strconv.FormatFloat(v, 'f', fracWidth, 64)
	dot := strings.IndexByte(s, '.')
	intPart := s
	if dot >= 0 {
		intPart = s[:dot]
	}
	if len(intPart) < intWidth {
		s = strings.Repeat(" ", intWidth-len(intPart)) + s
	}
	return s
}

// Formatter renders rows for one Config.
type Formatter struct {
	Config Config
}

// New builds a Formatter from cfg, defaulting VMAWidth/IntWidth/FracWidth
// when unset.
func New(cfg Config) *Formatter {
	if cfg.VMAWidth == 0 {
		cfg.VMAWidth = 8
	}
	if cfg.IntWidth == 0 {
		cfg.IntWidth = 3
	}
	if cfg.FracWidth == 0 {
		cfg.FracWidth = 4
	}
	return &Formatter{Config: cfg}
}

// Header renders the column-title row, and (if ShowHeader) an
// event/CPU block above it naming each class.
func (f *Formatter) Header() string {
	var b strings.Builder
	if f.Config.ShowHeader {
		for i, name := range f.Config.ClassNames {
			fmt.Fprintf(&b, "CPU: class %d: %s\n", i, name)
		}
	}
	for _, c := range f.Config.Columns {
		if c.perClass() {
			for i := 0; i < f.Config.NumClasses; i++ {
				b.WriteString(padRight(c.header(), f.Config.width(c)))
				b.WriteByte(' ')
			}
			continue
		}
		b.WriteString(padRight(c.header(), f.Config.width(c)))
		b.WriteByte(' ')
	}
	return strings.TrimRight(b.String(), " ") + "\n"
}

// Row is the data needed to render one symbol's line.
type Row struct {
	Symbol      profile.Symbol
	Image       string
	App         string
	Counts      []odb.Value // one per class
	CumCounts   []odb.Value
	Percents    []float64
	CumPercents []float64
	DetailPct   []float64
	CumDetail   []float64
	Line        int
}

// Row renders one symbol's fixed-width line.
func (f *Formatter) Row(r Row) string {
	var b strings.Builder
	for _, c := range f.Config.Columns {
		switch {
		case c == ColVMA:
			b.WriteString(padRight(fmt.Sprintf("0x%0*x", f.Config.VMAWidth, r.Symbol.Start), f.Config.width(c)))
		case c == ColSamples:
			for _, v := range r.Counts {
				b.WriteString(padRight(strconv.Itoa(int(v)), f.Config.width(c)))
				b.WriteByte(' ')
			}
			continue
		case c == ColCumSamples:
			for _, v := range r.CumCounts {
				b.WriteString(padRight(strconv.Itoa(int(v)), f.Config.width(c)))
				b.WriteByte(' ')
			}
			continue
		case c == ColPercent:
			for _, v := range r.Percents {
				b.WriteString(padRight(formatPercent(v, f.Config.IntWidth, f.Config.FracWidth), f.Config.width(c)))
				b.WriteByte(' ')
			}
			continue
		case c == ColCumPercent:
			for _, v := range r.CumPercents {
				b.WriteString(padRight(formatPercent(v, f.Config.IntWidth, f.Config.FracWidth), f.Config.width(c)))
				b.WriteByte(' ')
			}
			continue
		case c == ColPercentDetails:
			for _, v := range r.DetailPct {
				b.WriteString(padRight(formatPercent(v, f.Config.IntWidth, f.Config.FracWidth), f.Config.width(c)))
				b.WriteByte(' ')
			}
			continue
		case c == ColCumPercentDetails:
			for _, v := range r.CumDetail {
				b.WriteString(padRight(formatPercent(v, f.Config.IntWidth, f.Config.FracWidth), f.Config.width(c)))
				b.WriteByte(' ')
			}
			continue
		case c == ColLinenr:
			b.WriteString(padRight(strconv.Itoa(r.Line), f.Config.width(c)))
		case c == ColImage:
			b.WriteString(padRight(r.Image, f.Config.width(c)))
		case c == ColApp:
			b.WriteString(padRight(r.App, f.Config.width(c)))
		case c == ColSymbol:
			b.WriteString(padRight(r.Symbol.Name, f.Config.width(c)))
		}
		b.WriteByte(' ')
	}
	return strings.TrimRight(b.String(), " ")
}

// DetailLines renders one line per detail sample, shown under a
// symbol's row when ShowDetails is enabled.
func (f *Formatter) DetailLines(details []profile.DetailSample, total odb.Value) []string {
	var out []string
	for _, d := range details {
		pct := 0.0
		if total > 0 {
			pct = float64(d.Count) / float64(total) * 100
		}
		out = append(out, fmt.Sprintf("%s:%-6d %s %s",
			d.File, d.Line, padRight(strconv.Itoa(int(d.Count)), 10),
			formatPercent(pct, f.Config.IntWidth, f.Config.FracWidth)))
	}
	return out
}
