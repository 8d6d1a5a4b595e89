// Package sfile implements the sample-file manager (spec §4.2): turning
// a mangling tuple into a canonical on-disk path, and opening the
// corresponding ODB under a process-wide LRU cap.
package sfile

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opgo/oprofile/internal/oserr"
)

// Tuple is the mangling tuple of spec §4.2: the set of axis values that
// identify one sample file.
type Tuple struct {
	ImagePath    string
	ImageKernel  bool // true if ImagePath names a kernel or kernel-module image
	DepImagePath string
	DepKernel    bool
	Event        string
	ResetCount   int
	UnitMask     int
	Tgid         *int
	Tid          *int
	Cpu          *int
	IsCallgraph  bool
	CgImagePath  string
	CgKernel     bool
}

const (
	tagRoot = "{root}"
	tagKern = "{kern}"
	tagDep  = "{dep}"
	tagCg   = "{cg}"
	allAxis = "all"
)

func rootTag(path string, isKernel bool) string {
	if isKernel && !strings.Contains(path, "/") {
		return tagKern
	}
	return tagRoot
}

// Mangle builds the canonical on-disk path for t, rooted at base (the
// session's current sample directory). The {dep} sub-tree is emitted
// only when DepImagePath differs from ImagePath, per spec §4.2.
func Mangle(base string, t Tuple) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('/')
	b.WriteString(rootTag(t.ImagePath, t.ImageKernel))
	b.WriteByte('/')
	b.WriteString(t.ImagePath)
	b.WriteByte('/')

	if t.DepImagePath != "" && t.DepImagePath != t.ImagePath {
		b.WriteString(tagDep)
		b.WriteByte('/')
		b.WriteString(rootTag(t.DepImagePath, t.DepKernel))
		b.WriteByte('/')
		b.WriteString(t.DepImagePath)
		b.WriteByte('/')
	}

	if t.IsCallgraph {
		b.WriteString(tagCg)
		b.WriteByte('/')
		b.WriteString(rootTag(t.CgImagePath, t.CgKernel))
		b.WriteByte('/')
		b.WriteString(t.CgImagePath)
		b.WriteByte('/')
	}

	b.WriteString(t.Event)
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(t.ResetCount))
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(t.UnitMask))
	b.WriteByte('.')
	b.WriteString(axisOrAll(t.Tgid))
	b.WriteByte('.')
	b.WriteString(axisOrAll(t.Tid))
	b.WriteByte('.')
	b.WriteString(axisOrAll(t.Cpu))
	return b.String()
}

func axisOrAll(v *int) string {
	if v == nil {
		return allAxis
	}
	return strconv.Itoa(*v)
}

// Parse is the inverse of Mangle: it recovers a Tuple from a canonical
// path produced relative to some base (the base itself is not part of
// the returned Tuple; callers that need it should strip a known prefix
// before calling Parse, or use ParseFull).
func Parse(path string) (Tuple, error) {
	_, t, err := ParseFull(path)
	return t, err
}

// ParseFull parses path and also returns the base prefix that preceded
// the first {root}/{kern} tag.
func ParseFull(path string) (base string, t Tuple, err error) {
	parts := strings.Split(path, "/")

	i := 0
	// Find the first root/kern tag; everything before it is base.
	for i < len(parts) && parts[i] != tagRoot && parts[i] != tagKern {
		i++
	}
	if i == len(parts) {
		return "", Tuple{}, oserr.New(oserr.KindParse, "sfile: no {root}/{kern} tag in "+path)
	}
	base = strings.Join(parts[:i], "/")

	// readImage consumes one {root}/{kern}-tagged image path. The image
	// path itself may contain dots (shared-library sonames like
	// "libc.so.6"), so its end cannot be recognized by content; it is
	// bounded structurally instead, by the next {dep}/{cg} tag, or by
	// the filename, which is always the last path segment of all
	// (Mangle never writes a trailing "/" after it).
	readImage := func() (imgPath string, isKernel bool, next int, err error) {
		if i >= len(parts) {
			return "", false, i, oserr.New(oserr.KindParse, "sfile: truncated path "+path)
		}
		isKernel = parts[i] == tagKern
		i++
		start := i
		for i < len(parts)-1 && parts[i] != tagDep && parts[i] != tagCg {
			i++
		}
		imgPath = strings.Join(parts[start:i], "/")
		return imgPath, isKernel, i, nil
	}

	imgPath, isKernel, next, err := readImage()
	if err != nil {
		return "", Tuple{}, err
	}
	i = next
	t.ImagePath = imgPath
	t.ImageKernel = isKernel

	if i < len(parts) && parts[i] == tagDep {
		i++
		if i >= len(parts) || (parts[i] != tagRoot && parts[i] != tagKern) {
			return "", Tuple{}, oserr.New(oserr.KindParse, "sfile: malformed {dep} section in "+path)
		}
		depPath, depKernel, next, err := readImage()
		if err != nil {
			return "", Tuple{}, err
		}
		i = next
		t.DepImagePath = depPath
		t.DepKernel = depKernel
	} else {
		t.DepImagePath = t.ImagePath
		t.DepKernel = t.ImageKernel
	}

	if i < len(parts) && parts[i] == tagCg {
		i++
		if i >= len(parts) || (parts[i] != tagRoot && parts[i] != tagKern) {
			return "", Tuple{}, oserr.New(oserr.KindParse, "sfile: malformed {cg} section in "+path)
		}
		cgPath, cgKernel, next, err := readImage()
		if err != nil {
			return "", Tuple{}, err
		}
		i = next
		t.IsCallgraph = true
		t.CgImagePath = cgPath
		t.CgKernel = cgKernel
	}

	if i >= len(parts) {
		return "", Tuple{}, oserr.New(oserr.KindParse, "sfile: missing filename in "+path)
	}
	filename := parts[i]
	fields := strings.Split(filename, ".")
	if len(fields) != 6 {
		return "", Tuple{}, oserr.New(oserr.KindParse, fmt.Sprintf("sfile: bad filename %q (want 6 dot-fields)", filename))
	}
	t.Event = fields[0]
	if t.ResetCount, err = strconv.Atoi(fields[1]); err != nil {
		return "", Tuple{}, oserr.Wrap(oserr.KindParse, "sfile: bad count field", err)
	}
	if t.UnitMask, err = strconv.Atoi(fields[2]); err != nil {
		return "", Tuple{}, oserr.Wrap(oserr.KindParse, "sfile: bad unitmask field", err)
	}
	if t.Tgid, err = parseAxis(fields[3]); err != nil {
		return "", Tuple{}, err
	}
	if t.Tid, err = parseAxis(fields[4]); err != nil {
		return "", Tuple{}, err
	}
	if t.Cpu, err = parseAxis(fields[5]); err != nil {
		return "", Tuple{}, err
	}
	return base, t, nil
}

func parseAxis(s string) (*int, error) {
	if s == allAxis {
		return nil, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, oserr.Wrap(oserr.KindParse, "sfile: bad axis value "+s, err)
	}
	return &v, nil
}
