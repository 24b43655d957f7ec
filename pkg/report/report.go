// Package report turns a directory of raw engine artifacts into a browsable
// report: re-rendered flame graphs with source lines, pprof exports and an
// index.html linking them.
package report

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/danpilch/peakprof/pkg/flamegraph"
	"github.com/danpilch/peakprof/pkg/record"
)

// ErrReportIncomplete is matched by every *IncompleteError.
var ErrReportIncomplete = errors.New("report incomplete")

// IncompleteError names the raw artifact that was missing or empty.
type IncompleteError struct {
	Path   string
	Reason string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("report incomplete: %s %s", e.Path, e.Reason)
}

// Is makes errors.Is(err, ErrReportIncomplete) match.
func (e *IncompleteError) Is(target error) bool {
	return target == ErrReportIncomplete
}

// Options selects which artifacts a report is built from.
type Options struct {
	// Command is the profiled command line shown in the index.
	Command []string
	// OutOfMemory builds from out-of-memory.* instead of peak-memory.*.
	OutOfMemory bool
	// Performance also requires performance.*.
	Performance bool
	// Pprof writes a <base>.pb.gz next to every raw file.
	Pprof bool
	// Time is shown in the index; zero means now.
	Time time.Time
}

// DefaultOptions returns options for a memory-only report with pprof export.
func DefaultOptions() Options {
	return Options{Pprof: true}
}

// Section is the outcome of one artifact set.
type Section struct {
	Base    string
	Unit    record.Unit
	Records []record.Record
}

// Result describes a built report.
type Result struct {
	Index    string
	Sections []Section
}

// Builder builds reports on a filesystem. It is not safe for concurrent use.
type Builder struct {
	fs     afero.Fs
	logger *logrus.Logger
	// sources caches file contents for source-line lookups.
	sources map[string][]string
}

// NewBuilder returns a builder on fs. Source files for tooltips are read
// from the same filesystem.
func NewBuilder(fs afero.Fs, logger *logrus.Logger) *Builder {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Builder{fs: fs, logger: logger, sources: make(map[string][]string)}
}

// Build renders the report for dir. Artifacts written before a failure are
// left in place.
func (b *Builder) Build(dir string, opts Options) (Result, error) {
	memoryBase, memoryTitle := flamegraph.PeakBase, "Peak Tracked Memory Usage"
	if opts.OutOfMemory {
		memoryBase, memoryTitle = flamegraph.OutOfMemoryBase, "Current allocations at out-of-memory time"
	}

	type part struct {
		base, title, heading, scheme string
		unit                         record.Unit
	}
	parts := []part{{memoryBase, memoryTitle, "Memory usage", "mem", record.Bytes}}
	if opts.Performance {
		parts = append(parts, part{flamegraph.PerformanceBase, "Performance: Combined per-thread runtime", "Performance", "hot", record.Samples})
	}

	var res Result
	data := indexData{
		Title:   "peakprof report",
		Time:    timeOf(opts).Format(time.RFC1123),
		Command: shellJoin(opts.Command),
	}
	for _, p := range parts {
		recs, err := b.load(dir, p.base)
		if err != nil {
			return res, err
		}
		svgOpts := flamegraph.DefaultSVGOptions()
		svgOpts.Title = p.title
		svgOpts.ColorScheme = p.scheme
		svgOpts.Unit = p.unit
		svgOpts.Source = b.sourceLine
		if err := b.renderGraphs(dir, p.base, recs, svgOpts); err != nil {
			return res, err
		}

		sec := indexSection{
			ID:       p.base,
			Heading:  p.heading,
			Total:    p.unit.Format(record.Total(recs)),
			SVG:      flamegraph.SVGName(p.base),
			Reversed: flamegraph.ReversedName(p.base),
			Raw:      flamegraph.RawName(p.base),
		}
		if opts.Pprof {
			if err := b.writePprof(dir, p.base, recs, p.unit); err != nil {
				return res, err
			}
			sec.Pprof = PprofName(p.base)
		}
		data.Sections = append(data.Sections, sec)
		res.Sections = append(res.Sections, Section{Base: p.base, Unit: p.unit, Records: recs})
	}

	var index bytes.Buffer
	if err := indexTemplate.Execute(&index, data); err != nil {
		return res, fmt.Errorf("cannot render index: %w", err)
	}
	res.Index = filepath.Join(dir, IndexName)
	if err := afero.WriteFile(b.fs, res.Index, index.Bytes(), 0644); err != nil {
		return res, fmt.Errorf("cannot write index: %w", err)
	}
	b.logger.WithField("path", res.Index).Debug("Wrote report index")
	return res, nil
}

func (b *Builder) load(dir, base string) ([]record.Record, error) {
	path := filepath.Join(dir, flamegraph.RawName(base))
	info, err := b.fs.Stat(path)
	if err != nil {
		return nil, &IncompleteError{Path: path, Reason: "is missing"}
	}
	if info.Size() == 0 {
		return nil, &IncompleteError{Path: path, Reason: "is empty"}
	}
	f, err := b.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", path, err)
	}
	defer f.Close()
	recs, err := record.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	if len(recs) == 0 {
		return nil, &IncompleteError{Path: path, Reason: "has no records"}
	}
	return recs, nil
}

func (b *Builder) renderGraphs(dir, base string, recs []record.Record, opts flamegraph.SVGOptions) error {
	useful := record.Useful(record.Aggregate(recs))
	if len(useful) == 0 {
		return &IncompleteError{Path: filepath.Join(dir, flamegraph.RawName(base)), Reason: "has no samples"}
	}
	for _, reversed := range []bool{false, true} {
		o := opts
		o.Reversed = reversed
		name := flamegraph.SVGName(base)
		if reversed {
			name = flamegraph.ReversedName(base)
		}
		var svg bytes.Buffer
		if err := flamegraph.GenerateSVG(useful, &svg, o); err != nil {
			return fmt.Errorf("cannot render %s: %w", name, err)
		}
		if err := afero.WriteFile(b.fs, filepath.Join(dir, name), svg.Bytes(), 0644); err != nil {
			return fmt.Errorf("cannot write %s: %w", name, err)
		}
	}
	return nil
}

func (b *Builder) writePprof(dir, base string, recs []record.Record, unit record.Unit) error {
	var buf bytes.Buffer
	if err := WritePprof(&buf, recs, unit); err != nil {
		return err
	}
	if err := afero.WriteFile(b.fs, filepath.Join(dir, PprofName(base)), buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("cannot write pprof export: %w", err)
	}
	return nil
}

// sourceLine returns line (1-based) of file, or "" if unreadable.
func (b *Builder) sourceLine(file string, line int) string {
	lines, ok := b.sources[file]
	if !ok {
		lines = b.readLines(file)
		b.sources[file] = lines
	}
	if line < 1 || line > len(lines) {
		return ""
	}
	return lines[line-1]
}

func (b *Builder) readLines(file string) []string {
	f, err := b.fs.Open(file)
	if err != nil {
		return nil
	}
	defer f.Close()
	var lines []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		lines = append(lines, s.Text())
	}
	return lines
}

func timeOf(opts Options) time.Time {
	if opts.Time.IsZero() {
		return time.Now()
	}
	return opts.Time
}

// shellJoin quotes args the way a POSIX shell would need them.
func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a != "" && !strings.ContainsAny(a, " \t\n'\"\\$`!*?[](){};&|<>#~") {
			quoted[i] = a
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'"'"'`) + "'"
	}
	return strings.Join(quoted, " ")
}

// Load reads the raw artifacts already present in dir without rendering
// anything. At least one memory artifact must exist.
func (b *Builder) Load(dir string) (Result, error) {
	var res Result
	for _, base := range []string{flamegraph.PeakBase, flamegraph.OutOfMemoryBase, flamegraph.PerformanceBase} {
		if ok, _ := afero.Exists(b.fs, filepath.Join(dir, flamegraph.RawName(base))); !ok {
			continue
		}
		recs, err := b.load(dir, base)
		if err != nil {
			return res, err
		}
		unit := record.Bytes
		if base == flamegraph.PerformanceBase {
			unit = record.Samples
		}
		res.Sections = append(res.Sections, Section{Base: base, Unit: unit, Records: recs})
	}
	if len(res.Sections) == 0 || res.Sections[0].Unit != record.Bytes {
		return res, &IncompleteError{Path: filepath.Join(dir, flamegraph.RawName(flamegraph.PeakBase)), Reason: "is missing"}
	}
	if ok, _ := afero.Exists(b.fs, filepath.Join(dir, IndexName)); ok {
		res.Index = filepath.Join(dir, IndexName)
	}
	return res, nil
}
