// opreport renders sample files collected by oprofiled: symbol/line
// reports, source annotation, gmon.out emission, profile diffs, and
// callgraph ("stack") reports (spec §4.7-§4.12, §6).
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opgo/oprofile/arrange"
	"github.com/opgo/oprofile/callgraph"
	"github.com/opgo/oprofile/gmon"
	"github.com/opgo/oprofile/internal/oserr"
	"github.com/opgo/oprofile/odb"
	"github.com/opgo/oprofile/opdiff"
	"github.com/opgo/oprofile/opformat"
	"github.com/opgo/oprofile/profile"
)

var version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:     "opreport",
		Short:   "Render oprofile sample files",
		Version: version,
	}
	root.AddCommand(newReportCmd(), newAnnotateCmd(), newGprofCmd(), newDiffCmd(), newStackCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	return 1
}

// selectorFlags is the common set of report selectors (spec §6).
type selectorFlags struct {
	symbols         bool
	details         bool
	debugInfo       bool
	longFilenames   bool
	accumulated     bool
	reverseSort     bool
	globalPercent   bool
	sortSpec        string
	mergeSpec       string
	threshold       float64
	excludeSymbols  string
	includeSymbols  string
	excludeDependent bool
	outputFile      string
}

func addSelectorFlags(cmd *cobra.Command, s *selectorFlags) {
	f := cmd.Flags()
	f.BoolVar(&s.symbols, "symbols", true, "break down by symbol rather than image alone")
	f.BoolVar(&s.details, "details", false, "show per-source-line detail under each symbol")
	f.BoolVar(&s.debugInfo, "debug-info", false, "resolve file:line via DWARF")
	f.BoolVar(&s.longFilenames, "long-filenames", false, "show full image paths rather than basenames")
	f.BoolVar(&s.accumulated, "accumulated", false, "show cumulative sample counts and percentages")
	f.BoolVar(&s.reverseSort, "reverse-sort", false, "reverse the sort order")
	f.BoolVar(&s.globalPercent, "global-percent", false, "accepted but not consulted: percentages are always relative to the selected samples' total")
	f.StringVar(&s.sortSpec, "sort", "samples", "comma-separated sort columns: vma,samples,symbol,image,app,debug")
	f.StringVar(&s.mergeSpec, "merge", "", "comma-separated axes to merge: lib,cpu,tid,tgid,unitmask")
	f.Float64Var(&s.threshold, "threshold", 0, "minimum percentage of class-0 samples to include a symbol")
	f.StringVar(&s.excludeSymbols, "exclude-symbols", "", "comma-separated symbol names to drop")
	f.StringVar(&s.includeSymbols, "include-symbols", "", "comma-separated symbol names to keep exclusively")
	f.BoolVar(&s.excludeDependent, "exclude-dependent", false, "drop samples attributed to dependent (library) images")
	f.StringVar(&s.outputFile, "output-file", "", "write output here instead of stdout")
}

func (s selectorFlags) mergeBy() arrange.MergeBy {
	if s.mergeSpec == "" {
		return arrange.NewMergeBy()
	}
	var axes []arrange.Axis
	for _, a := range strings.Split(s.mergeSpec, ",") {
		switch strings.TrimSpace(a) {
		case "lib":
			axes = append(axes, arrange.AxisLib)
		case "cpu":
			axes = append(axes, arrange.AxisCPU)
		case "tid":
			axes = append(axes, arrange.AxisTid)
		case "tgid":
			axes = append(axes, arrange.AxisTgid)
		case "unitmask":
			axes = append(axes, arrange.AxisUnitmask)
		}
	}
	return arrange.NewMergeBy(axes...)
}

func parseSortKeys(spec string, reverse bool) []profile.Key {
	var keys []profile.Key
	for _, col := range strings.Split(spec, ",") {
		var order profile.Order
		switch strings.TrimSpace(col) {
		case "vma":
			order = profile.OrderVMA
		case "symbol":
			order = profile.OrderSymbolName
		case "image":
			order = profile.OrderImageName
		case "app":
			order = profile.OrderAppName
		case "debug":
			order = profile.OrderDebugInfo
		default:
			order = profile.OrderSampleCount
		}
		keys = append(keys, profile.Key{Order: order, Reverse: reverse})
	}
	return keys
}

func expandPaths(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		matches, err := filepath.Glob(a)
		if err != nil {
			return nil, oserr.Wrap(oserr.KindParse, "bad sample path pattern "+a, err)
		}
		if matches == nil {
			out = append(out, a)
			continue
		}
		out = append(out, matches...)
	}
	if len(out) == 0 {
		return nil, oserr.New(oserr.KindEmptyProfileSet, "no sample files matched")
	}
	return out, nil
}

func symbolFilter(s selectorFlags) func(name string) bool {
	var exclude, include map[string]bool
	if s.excludeSymbols != "" {
		exclude = toSet(s.excludeSymbols)
	}
	if s.includeSymbols != "" {
		include = toSet(s.includeSymbols)
	}
	return func(name string) bool {
		if include != nil && !include[name] {
			return false
		}
		if exclude != nil && exclude[name] {
			return false
		}
		return true
	}
}

func toSet(spec string) map[string]bool {
	out := map[string]bool{}
	for _, s := range strings.Split(spec, ",") {
		out[strings.TrimSpace(s)] = true
	}
	return out
}

func displayImage(path string, long bool) string {
	if long {
		return path
	}
	return filepath.Base(path)
}

func openOutput(path string) (*os.File, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, oserr.Wrap(oserr.KindIO, "create "+path, err)
	}
	return f, func() { f.Close() }, nil
}

// buildContainer is the shared pipeline from sample-file paths to a
// populated profile container (spec's C7 -> C8 pipeline).
func buildContainer(paths []string, s selectorFlags) (*profile.Container, []string, error) {
	classes, err := arrange.Arrange(paths, s.mergeBy())
	if err != nil {
		return nil, nil, err
	}
	inv := arrange.Invert(classes)
	names := make([]string, len(classes))
	for i, c := range classes {
		names[i] = c.ShortName
	}

	var resolver profile.LineResolver
	if s.debugInfo {
		resolver = func(imagePath string, vma uint64) (string, int, bool) {
			lt, err := profile.LoadLineTable(imagePath)
			if err != nil || lt == nil {
				return "", 0, false
			}
			return lt.FileLine(vma)
		}
	}

	c, err := profile.Populate(inv, names, profile.LoadSymbols, resolver)
	if err != nil {
		return nil, nil, err
	}
	return c, names, nil
}

func newReportCmd() *cobra.Command {
	var s selectorFlags
	cmd := &cobra.Command{
		Use:   "report [sample-file-patterns...]",
		Short: "Render a symbol-level profile report",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := expandPaths(args)
			if err != nil {
				return err
			}
			c, names, err := buildContainer(paths, s)
			if err != nil {
				return err
			}

			var hints profile.Hints
			selected := c.Select(s.threshold, &hints)
			keep := symbolFilter(s)
			filtered := selected[:0]
			for _, sc := range selected {
				if !keep(sc.Symbol.Name) {
					continue
				}
				if s.excludeDependent && sc.Image.AppOwner != "" && sc.Image.AppOwner != sc.Image.Path {
					continue
				}
				filtered = append(filtered, sc)
			}
			profile.Sort(filtered, parseSortKeys(s.sortSpec, s.reverseSort))

			cols := []opformat.Column{opformat.ColSamples, opformat.ColPercent}
			if s.accumulated {
				cols = append(cols, opformat.ColCumSamples, opformat.ColCumPercent)
			}
			if hints.DistinctImages {
				cols = append(cols, opformat.ColImage)
			}
			if hints.MultipleApps {
				cols = append(cols, opformat.ColApp)
			}
			cols = append(cols, opformat.ColSymbol)
			vmaWidth := 8
			if hints.Has64BitVMA {
				vmaWidth = 16
			}

			f := opformat.New(opformat.Config{
				Columns: cols, NumClasses: len(names), ClassNames: names,
				VMAWidth: vmaWidth, ShowHeader: true, ShowDetails: s.details,
			})

			out, closeFn, err := openOutput(s.outputFile)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Fprint(out, f.Header())
			total := c.SamplesCount()
			var cum []float64
			var cumCount []odb.Value
			for _, sc := range filtered {
				percents := make([]float64, len(sc.Counts))
				for i, v := range sc.Counts {
					if i < len(total) && total[i] > 0 {
						percents[i] = float64(v) / float64(total[i]) * 100
					}
				}
				for len(cum) < len(percents) {
					cum = append(cum, 0)
					cumCount = append(cumCount, 0)
				}
				cumPercents := make([]float64, len(percents))
				cumCounts := make([]odb.Value, len(sc.Counts))
				for i, p := range percents {
					cum[i] += p
					cumCounts[i] = cumCount[i].Add(sc.Counts[i])
					cumCount[i] = cumCounts[i]
					cumPercents[i] = cum[i]
				}
				row := opformat.Row{
					Symbol: sc.Symbol, Image: displayImage(sc.Image.Path, s.longFilenames),
					App: displayImage(sc.Image.AppOwner, s.longFilenames),
					Counts: sc.Counts, CumCounts: cumCounts,
					Percents: percents, CumPercents: cumPercents,
				}
				fmt.Fprintln(out, f.Row(row))
				if s.details {
					for _, line := range f.DetailLines(flattenDetails(sc), sc.Total()) {
						fmt.Fprintln(out, "  "+line)
					}
				}
			}
			return nil
		},
	}
	addSelectorFlags(cmd, &s)
	return cmd
}

func flattenDetails(sc *profile.SymbolCounts) []profile.DetailSample {
	var out []profile.DetailSample
	for _, perClass := range sc.Details {
		out = append(out, perClass...)
	}
	return out
}

func newAnnotateCmd() *cobra.Command {
	var s selectorFlags
	s.details = true
	cmd := &cobra.Command{
		Use:   "annotate [sample-file-patterns...]",
		Short: "Render a source-line annotated report",
		RunE: func(cmd *cobra.Command, args []string) error {
			s.debugInfo = true
			paths, err := expandPaths(args)
			if err != nil {
				return err
			}
			c, names, err := buildContainer(paths, s)
			if err != nil {
				return err
			}
			var hints profile.Hints
			selected := c.Select(s.threshold, &hints)
			profile.Sort(selected, parseSortKeys("debug", false))

			out, closeFn, err := openOutput(s.outputFile)
			if err != nil {
				return err
			}
			defer closeFn()

			f := opformat.New(opformat.Config{
				Columns: []opformat.Column{opformat.ColPercent, opformat.ColSymbol},
				NumClasses: len(names), ClassNames: names, ShowHeader: true,
			})
			fmt.Fprint(out, f.Header())
			for _, sc := range selected {
				for _, line := range f.DetailLines(flattenDetails(sc), sc.Total()) {
					fmt.Fprintln(out, line)
				}
			}
			return nil
		},
	}
	addSelectorFlags(cmd, &s)
	return cmd
}

func newGprofCmd() *cobra.Command {
	var s selectorFlags
	var wordSize int
	cmd := &cobra.Command{
		Use:   "gprof [sample-file-patterns...]",
		Short: "Emit a gmon.out histogram for one image",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := expandPaths(args)
			if err != nil {
				return err
			}
			c, _, err := buildContainer(paths, s)
			if err != nil {
				return err
			}
			if len(c.Images) == 0 {
				return oserr.New(oserr.KindEmptyProfileSet, "no images in selection")
			}
			img := c.Images[0]
			var samples []gmon.Sample
			for _, sc := range img.SymCounts {
				samples = append(samples, gmon.Sample{VMA: sc.Symbol.Start, Count: sc.Total()})
			}
			buf := gmon.Build(samples, wordSize)

			out, closeFn, err := openOutput(s.outputFile)
			if err != nil {
				return err
			}
			defer closeFn()
			_, err = out.Write(buf)
			return err
		},
	}
	addSelectorFlags(cmd, &s)
	cmd.Flags().IntVar(&wordSize, "word-size", 4, "target VMA word size in bytes (4 or 8)")
	return cmd
}

func newDiffCmd() *cobra.Command {
	var s selectorFlags
	var oldPaths, newPaths []string
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Diff two profiles relative-percent per symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			oldExpanded, err := expandPaths(oldPaths)
			if err != nil {
				return err
			}
			newExpanded, err := expandPaths(newPaths)
			if err != nil {
				return err
			}
			oldC, _, err := buildContainer(oldExpanded, s)
			if err != nil {
				return err
			}
			newC, names, err := buildContainer(newExpanded, s)
			if err != nil {
				return err
			}
			entries := opdiff.Diff(oldC, newC)

			out, closeFn, err := openOutput(s.outputFile)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Fprintf(out, "%-32s %-24s %10s %10s\n", "symbol", "image", "delta%", "new%")
			for _, e := range entries {
				for ci := range names {
					if ci >= len(e.Delta) {
						break
					}
					fmt.Fprintf(out, "%-32s %-24s %10s %10s\n",
						e.Symbol, displayImage(e.Image, s.longFilenames),
						strconv.FormatFloat(e.Delta[ci]*100, 'f', 2, 64),
						strconv.FormatFloat(e.NewPercent[ci], 'f', 2, 64))
				}
			}
			return nil
		},
	}
	addSelectorFlags(cmd, &s)
	cmd.Flags().StringArrayVar(&oldPaths, "old", nil, "sample file pattern for the baseline profile (repeatable)")
	cmd.Flags().StringArrayVar(&newPaths, "new", nil, "sample file pattern for the comparison profile (repeatable)")
	cmd.MarkFlagRequired("old")
	cmd.MarkFlagRequired("new")
	return cmd
}

func newStackCmd() *cobra.Command {
	var s selectorFlags
	var cgPath, imagePath string
	cmd := &cobra.Command{
		Use:   "stack --callgraph-odb=path --image-file=path",
		Short: "Render a caller/callee breakdown from a callgraph sample file",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := odb.Open(cgPath, odb.ReadOnly, odb.HeaderSize, 0)
			if err != nil {
				return err
			}
			defer db.Close()

			syms, err := profile.LoadSymbols(imagePath)
			if err != nil {
				return err
			}
			g := callgraph.Populate(db.Iterate(), syms)
			if s.threshold > 0 {
				g.LeafPrune(s.threshold)
				g.RecomputeCalleeCounts()
			}

			out, closeFn, err := openOutput(s.outputFile)
			if err != nil {
				return err
			}
			defer closeFn()

			for name, node := range g.Nodes {
				fmt.Fprintf(out, "%-40s self=%d callees=%d\n", name, node.SelfCount, node.CalleeCount)
				for _, arc := range g.Callees(name) {
					fmt.Fprintf(out, "  -> %-36s %d\n", arc.Callee, arc.Count)
				}
			}
			return nil
		},
	}
	addSelectorFlags(cmd, &s)
	cmd.Flags().StringVar(&cgPath, "callgraph-odb", "", "path to a {cg} sample file")
	cmd.Flags().StringVar(&imagePath, "image-file", "", "binary to resolve callgraph addresses against")
	cmd.MarkFlagRequired("callgraph-odb")
	cmd.MarkFlagRequired("image-file")
	return cmd
}
