// Package profile implements the profile container (spec §4.8): the
// in-memory join of ODB sample files with their image's symbol table,
// plus the query surface opreport renders from.
package profile

import (
	"debug/dwarf"
	"debug/elf"
	"io"
	"sort"

	"github.com/ianlancetaylor/demangle"

	"github.com/opgo/oprofile/internal/oserr"
)

// Symbol is one function-sized range of an image's text section.
type Symbol struct {
	Name  string
	Start uint64
	End   uint64
}

// LoadSymbols reads path's ELF symbol table, keeping only function
// symbols, sorted by VMA. A symbol with no recorded size (common for
// hand-written assembly) is given an end equal to the next symbol's
// start.
func LoadSymbols(path string) ([]Symbol, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, oserr.Wrap(oserr.KindImageUnreadable, "profile: open "+path, err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err != nil || len(syms) == 0 {
		syms, err = f.DynamicSymbols()
	}
	if err != nil {
		return nil, oserr.Wrap(oserr.KindImageFormatFailure, "profile: no symbol table in "+path, err)
	}

	var out []Symbol
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Name == "" {
			continue
		}
		out = append(out, Symbol{Name: demangle.Filter(s.Name), Start: s.Value, End: s.Value + s.Size})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })

	for i := range out {
		if out[i].End <= out[i].Start {
			if i+1 < len(out) {
				out[i].End = out[i+1].Start
			} else {
				out[i].End = out[i].Start + 1
			}
		}
	}
	return out, nil
}

// lineEntry is one DWARF line-table row, kept sorted by Address.
type lineEntry struct {
	addr uint64
	file string
	line int
}

// LineTable resolves VMAs to (file, line) using an image's DWARF debug
// info, built once per image and reused across lookups.
type LineTable struct {
	entries []lineEntry
}

// LoadLineTable builds path's line table. It returns a nil table (not
// an error) when the image carries no DWARF info, since debug-info
// detail is optional per spec §4.8.
func LoadLineTable(path string) (*LineTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, oserr.Wrap(oserr.KindImageUnreadable, "profile: open "+path, err)
	}
	defer f.Close()

	if f.Section(".debug_info") == nil {
		return nil, nil
	}
	d, err := f.DWARF()
	if err != nil {
		return nil, nil
	}

	var entries []lineEntry
	r := d.Reader()
	for {
		ent, err := r.Next()
		if ent == nil || err != nil {
			break
		}
		if ent.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		lr, err := d.LineReader(ent)
		if err != nil || lr == nil {
			continue
		}
		for {
			var le dwarf.LineEntry
			if err := lr.Next(&le); err != nil {
				if err == io.EOF {
					break
				}
				break
			}
			if le.EndSequence {
				continue
			}
			entries = append(entries, lineEntry{addr: le.Address, file: le.File.Name, line: le.Line})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].addr < entries[j].addr })
	return &LineTable{entries: entries}, nil
}

// FileLine returns the source location covering vma, if any.
func (lt *LineTable) FileLine(vma uint64) (file string, line int, ok bool) {
	if lt == nil || len(lt.entries) == 0 {
		return "", 0, false
	}
	i := sort.Search(len(lt.entries), func(i int) bool { return lt.entries[i].addr > vma })
	if i == 0 {
		return "", 0, false
	}
	e := lt.entries[i-1]
	return e.file, e.line, true
}

// FindByVMA binary-searches symbols for the one covering vma.
func FindByVMA(symbols []Symbol, vma uint64) (Symbol, bool) {
	i := sort.Search(len(symbols), func(i int) bool { return symbols[i].End > vma })
	if i < len(symbols) && symbols[i].Start <= vma {
		return symbols[i], true
	}
	return Symbol{}, false
}
