// Package arrange implements profile arrangement (spec §4.7): grouping
// a list of canonical sample-file paths into classes that vary along
// at most one axis, then inverting that grouping for report consumers
// that iterate by binary rather than by class.
package arrange

import (
	"fmt"
	"sort"

	"github.com/opgo/oprofile/internal/oserr"
	"github.com/opgo/oprofile/sfile"
)

// Axis names one of the mangling tuple's mergeable dimensions.
type Axis string

const (
	AxisCPU      Axis = "cpu"
	AxisLib      Axis = "lib"
	AxisTid      Axis = "tid"
	AxisTgid     Axis = "tgid"
	AxisUnitmask Axis = "unitmask"
)

// axisOrder fixes the order axes are checked in, so "first conflict"
// error messages are deterministic.
var axisOrder = []Axis{AxisCPU, AxisLib, AxisTid, AxisTgid, AxisUnitmask}

// MergeBy is the set of axes the caller asked to merge across.
type MergeBy map[Axis]bool

// NewMergeBy builds a MergeBy set from a list of axis names.
func NewMergeBy(axes ...Axis) MergeBy {
	m := make(MergeBy, len(axes))
	for _, a := range axes {
		m[a] = true
	}
	return m
}

const allSentinel = -1

// Template is the subset of a tuple's axis fields that survive after
// clearing the merged-by axes; files with an identical template belong
// to the same class.
type Template struct {
	Cpu      int // allSentinel if "all" or merged away
	Tid      int
	Tgid     int
	UnitMask int
	Lib      string
}

func axisValue(v *int) int {
	if v == nil {
		return allSentinel
	}
	return *v
}

func buildTemplate(t sfile.Tuple, merge MergeBy) Template {
	tmpl := Template{
		Cpu:      axisValue(t.Cpu),
		Tid:      axisValue(t.Tid),
		Tgid:     axisValue(t.Tgid),
		UnitMask: t.UnitMask,
		Lib:      t.DepImagePath,
	}
	if merge[AxisCPU] {
		tmpl.Cpu = allSentinel
	}
	if merge[AxisTid] {
		tmpl.Tid = allSentinel
	}
	if merge[AxisTgid] {
		tmpl.Tgid = allSentinel
	}
	if merge[AxisUnitmask] {
		tmpl.UnitMask = 0
	}
	if merge[AxisLib] {
		tmpl.Lib = ""
	}
	return tmpl
}

func (tmpl Template) axisValue(a Axis) int {
	switch a {
	case AxisCPU:
		return tmpl.Cpu
	case AxisTid:
		return tmpl.Tid
	case AxisTgid:
		return tmpl.Tgid
	case AxisUnitmask:
		return tmpl.UnitMask
	}
	return 0
}

// FileEntry is one parsed sample-file path.
type FileEntry struct {
	Path  string
	Tuple sfile.Tuple
}

// ProfileSet groups every file for one primary image within a class;
// files whose dependent image differs from the primary are kept as
// sub-lists keyed by that dependent image's path.
type ProfileSet struct {
	ImagePath  string
	Files      []FileEntry
	Dependents map[string][]FileEntry
}

// ProfileClass is every sample file sharing one template, grouped into
// per-image sets.
type ProfileClass struct {
	Template  Template
	Sets      []ProfileSet
	ShortName string
	LongName  string
}

// Arrange parses paths, groups them into classes by template, verifies
// at most one axis varies across the surviving classes, and names each
// class (spec §4.7).
func Arrange(paths []string, merge MergeBy) ([]ProfileClass, error) {
	type parsed struct {
		path  string
		tuple sfile.Tuple
	}

	var files []parsed
	for _, p := range paths {
		t, err := sfile.Parse(p)
		if err != nil {
			return nil, err
		}
		files = append(files, parsed{path: p, tuple: t})
	}

	var order []Template
	index := map[Template]int{}
	var classes []ProfileClass

	for _, f := range files {
		tmpl := buildTemplate(f.tuple, merge)
		ci, ok := index[tmpl]
		if !ok {
			ci = len(classes)
			index[tmpl] = ci
			order = append(order, tmpl)
			classes = append(classes, ProfileClass{Template: tmpl})
		}
		classes[ci].addFile(f.path, f.tuple)
	}

	if err := verifyAxes(classes, merge); err != nil {
		return nil, err
	}

	nameClasses(classes, merge, files)
	return classes, nil
}

func (c *ProfileClass) addFile(path string, t sfile.Tuple) {
	for i := range c.Sets {
		if c.Sets[i].ImagePath == t.ImagePath {
			c.Sets[i].addFile(path, t)
			return
		}
	}
	s := ProfileSet{ImagePath: t.ImagePath, Dependents: map[string][]FileEntry{}}
	s.addFile(path, t)
	c.Sets = append(c.Sets, s)
}

func (s *ProfileSet) addFile(path string, t sfile.Tuple) {
	entry := FileEntry{Path: path, Tuple: t}
	if t.DepImagePath != "" && t.DepImagePath != t.ImagePath {
		s.Dependents[t.DepImagePath] = append(s.Dependents[t.DepImagePath], entry)
		return
	}
	s.Files = append(s.Files, entry)
}

// verifyAxes checks that, among the axes not already forced equal by
// merge, at most one varies across the surviving classes.
func verifyAxes(classes []ProfileClass, merge MergeBy) error {
	if len(classes) < 2 {
		return nil
	}
	var varying []Axis
	for _, a := range axisOrder {
		if merge[a] {
			continue
		}
		if a == AxisLib {
			first := classes[0].Template.Lib
			for _, c := range classes[1:] {
				if c.Template.Lib != first {
					varying = append(varying, a)
					break
				}
			}
			continue
		}
		first := classes[0].Template.axisValue(a)
		for _, c := range classes[1:] {
			if c.Template.axisValue(a) != first {
				varying = append(varying, a)
				break
			}
		}
	}
	if len(varying) > 1 {
		first := varying[0]
		return oserr.New(oserr.KindTaxonomyConflict,
			fmt.Sprintf("specify %s: or -m %s", first, first))
	}
	return nil
}

func nameClasses(classes []ProfileClass, merge MergeBy, files []struct {
	path  string
	tuple sfile.Tuple
}) {
	if len(classes) == 1 {
		event := ""
		if len(files) > 0 {
			event = files[0].tuple.Event
		}
		classes[0].ShortName = event
		classes[0].LongName = "Samples for event " + event
		return
	}

	varyingAxis := Axis("")
	for _, a := range axisOrder {
		if merge[a] {
			continue
		}
		first := classes[0].Template.axisValue(a)
		firstLib := classes[0].Template.Lib
		for _, c := range classes[1:] {
			if a == AxisLib {
				if c.Template.Lib != firstLib {
					varyingAxis = a
				}
			} else if c.Template.axisValue(a) != first {
				varyingAxis = a
			}
		}
		if varyingAxis != "" {
			break
		}
	}

	for i := range classes {
		classes[i].ShortName, classes[i].LongName = classNames(varyingAxis, classes[i].Template)
	}
}

func classNames(axis Axis, tmpl Template) (short, long string) {
	switch axis {
	case AxisCPU:
		return fmt.Sprintf("cpu:%d", tmpl.Cpu), fmt.Sprintf("Samples on CPU %d", tmpl.Cpu)
	case AxisTid:
		return fmt.Sprintf("tid:%d", tmpl.Tid), fmt.Sprintf("Samples for thread %d", tmpl.Tid)
	case AxisTgid:
		return fmt.Sprintf("tgid:%d", tmpl.Tgid), fmt.Sprintf("Samples for process %d", tmpl.Tgid)
	case AxisUnitmask:
		return fmt.Sprintf("unitmask:%d", tmpl.UnitMask), fmt.Sprintf("Samples with unit mask %d", tmpl.UnitMask)
	case AxisLib:
		return fmt.Sprintf("lib:%s", tmpl.Lib), fmt.Sprintf("Samples for dependent library %s", tmpl.Lib)
	}
	return "default", "Samples"
}

// InvertedProfile is every class's file groups for one binary, indexed
// in parallel with the original class ordering.
type InvertedProfile struct {
	ImagePath string
	PerClass  []ProfileSet // len(PerClass) == len(classes); empty entries mean absent in that class
}

// Invert builds the per-binary view of classes, preserving class order:
// PerClass[i] holds the binary's set from classes[i]. The result is
// sorted by image path.
func Invert(classes []ProfileClass) []InvertedProfile {
	index := map[string]int{}
	var out []InvertedProfile
	for ci, c := range classes {
		for _, s := range c.Sets {
			idx, ok := index[s.ImagePath]
			if !ok {
				idx = len(out)
				index[s.ImagePath] = idx
				out = append(out, InvertedProfile{
					ImagePath: s.ImagePath,
					PerClass:  make([]ProfileSet, len(classes)),
				})
			}
			out[idx].PerClass[ci] = s
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImagePath < out[j].ImagePath })
	return out
}
