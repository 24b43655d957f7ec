//go:build linux || darwin

// Package benchmark measures the engine's overhead by running a program
// twice under a cache simulator, once plain and once with the engine
// preloaded, and reporting the difference.
package benchmark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/danpilch/peakprof/pkg/launch"
	"github.com/danpilch/peakprof/pkg/supervisor"
)

// EnvBenchmark names the file the JSON delta is written to. Setting it puts
// the CLI in benchmark mode.
const EnvBenchmark = "PEAKPROF_BENCHMARK"

// Overall is the key of the weighted cost estimate in Counts.
const Overall = "Overall"

// Cache geometry shared by every run so results compare across machines.
var cacheArgs = []string{
	"--I1=32768,8,64",
	"--D1=32768,8,64",
	"--LL=8388608,16,64",
}

// Runner runs argv under the simulator, which writes its output to outFile.
type Runner func(ctx context.Context, argv, env []string, outFile string) error

// Options configures a benchmark.
type Options struct {
	Logger *logrus.Logger
	// Arch is passed to setarch to disable address randomization.
	Arch string
	Env  []string
	// Run defaults to cachegrind under setarch.
	Run Runner
	// Stdout and Stderr receive the program's output.
	Stdout io.Writer
	Stderr io.Writer
}

// DefaultOptions runs cachegrind on the host architecture with a fixed
// hash seed for repeatable results.
func DefaultOptions() Options {
	opts := Options{
		Env:    launch.SetEnv(os.Environ(), "PYTHONHASHSEED", "12345"),
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	if m, err := (launch.Host{}).Machine(); err == nil {
		opts.Arch = m
	}
	return opts
}

func (o Options) cachegrind(ctx context.Context, argv, env []string, outFile string) error {
	args := []string{o.Arch, "-R", "valgrind", "--tool=cachegrind"}
	args = append(args, cacheArgs...)
	args = append(args, "--cachegrind-out-file="+outFile)
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, "setarch", args...)
	cmd.Env = env
	cmd.Stdout = o.Stdout
	cmd.Stderr = o.Stderr
	if err := cmd.Run(); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return &supervisor.SubprocessError{ExitCode: exit.ExitCode()}
		}
		return fmt.Errorf("cannot run cachegrind: %w", err)
	}
	return nil
}

// Counts maps cachegrind event names, plus Overall, to their totals.
type Counts map[string]int64

// Estimate splits memory accesses by where they were served from. There is
// no L2: cachegrind only simulates the first and last level.
type Estimate struct {
	L1  int64
	L3  int64
	RAM int64
}

// Overall weights each level by its relative access cost.
func (e Estimate) Overall() int64 {
	return e.L1 + 5*e.L3 + 35*e.RAM
}

var requiredEvents = []string{"Ir", "I1mr", "ILmr", "Dr", "D1mr", "DLmr", "Dw", "D1mw", "DLmw"}

// Estimate derives cache-level hits from raw events.
func (c Counts) Estimate() (Estimate, error) {
	for _, ev := range requiredEvents {
		if _, ok := c[ev]; !ok {
			return Estimate{}, fmt.Errorf("cachegrind output lacks %s events", ev)
		}
	}
	ram := c["DLmr"] + c["DLmw"] + c["ILmr"]
	l3 := c["I1mr"] + c["D1mw"] + c["D1mr"] - ram
	total := c["Ir"] + c["Dr"] + c["Dw"]
	return Estimate{L1: total - l3 - ram, L3: l3, RAM: ram}, nil
}

// Parse reads a cachegrind output file's events and summary lines.
func Parse(r io.Reader) (Counts, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cannot read cachegrind output: %w", err)
	}
	var events, summary []string
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "events:"):
			events = strings.Fields(strings.TrimPrefix(line, "events:"))
		case strings.HasPrefix(line, "summary:"):
			summary = strings.Fields(strings.TrimPrefix(line, "summary:"))
		}
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("cachegrind output has no events line")
	}
	if len(summary) != len(events) {
		return nil, fmt.Errorf("cachegrind summary has %d values for %d events", len(summary), len(events))
	}
	counts := make(Counts, len(events)+1)
	for i, ev := range events {
		v, err := strconv.ParseInt(summary[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad cachegrind summary value %q: %w", summary[i], err)
		}
		counts[ev] = v
	}
	return counts, nil
}

// Measure runs argv once under the simulator and returns its counts with
// Overall filled in.
func Measure(ctx context.Context, argv []string, opts Options) (Counts, error) {
	out, err := os.CreateTemp("", "peakprof-cachegrind")
	if err != nil {
		return nil, fmt.Errorf("cannot create cachegrind output file: %w", err)
	}
	out.Close()
	defer os.Remove(out.Name())

	run := opts.Run
	if run == nil {
		run = opts.cachegrind
	}
	if err := run(ctx, argv, opts.Env, out.Name()); err != nil {
		return nil, err
	}
	f, err := os.Open(out.Name())
	if err != nil {
		return nil, fmt.Errorf("cannot open cachegrind output: %w", err)
	}
	defer f.Close()
	counts, err := Parse(f)
	if err != nil {
		return nil, err
	}
	est, err := counts.Estimate()
	if err != nil {
		return nil, err
	}
	counts[Overall] = est.Overall()
	return counts, nil
}

// Result compares a plain run with a profiled one.
type Result struct {
	Baseline Counts
	Profiled Counts
	// Delta is Profiled minus Baseline for every key of Profiled.
	Delta Counts
}

// Relative returns the delta of key as a fraction of the baseline.
func (r Result) Relative(key string) float64 {
	base := r.Baseline[key]
	if base == 0 {
		return 0
	}
	return float64(r.Delta[key]) / float64(base)
}

// Compare measures baseline then profiled. Either run failing fails the
// comparison.
func Compare(ctx context.Context, baseline, profiled []string, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	var res Result
	var err error
	logger.WithField("argv", baseline).Info("Measuring baseline")
	if res.Baseline, err = Measure(ctx, baseline, opts); err != nil {
		return res, fmt.Errorf("baseline run failed: %w", err)
	}
	logger.WithField("argv", profiled).Info("Measuring with engine")
	if res.Profiled, err = Measure(ctx, profiled, opts); err != nil {
		return res, fmt.Errorf("profiled run failed: %w", err)
	}
	res.Delta = make(Counts, len(res.Profiled))
	for k, v := range res.Profiled {
		res.Delta[k] = v - res.Baseline[k]
	}
	return res, nil
}

// ProfiledArgv returns argv started through the dynamic linker with lib
// preloaded. The simulator has its own preload, so the environment
// variable route is not usable here.
func ProfiledArgv(sys launch.SystemInfo, argv []string, lib string) ([]string, error) {
	l, err := launch.Compute(sys, argv, nil, lib)
	if err != nil {
		return nil, err
	}
	if l.Strategy != launch.LinkerPreload {
		return nil, fmt.Errorf("benchmarking needs a dynamic linker supporting --preload (glibc %s)", launch.MinLibc)
	}
	return l.Argv, nil
}

// WriteJSON writes the delta to path, keys sorted.
func WriteJSON(path string, res Result) error {
	data, err := json.MarshalIndent(res.Delta, "", "    ")
	if err != nil {
		return fmt.Errorf("cannot encode benchmark result: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("cannot create benchmark directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("cannot write benchmark result: %w", err)
	}
	return nil
}

var (
	bmTitle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	bmHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("62")).Padding(0, 1)
	bmDim    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	bmBold   = lipgloss.NewStyle().Bold(true)
)

// Render outputs a styled comparison, Overall first.
func Render(w io.Writer, res Result) {
	keys := make([]string, 0, len(res.Delta))
	for k := range res.Delta {
		if k != Overall {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	fmt.Fprintln(w, bmTitle.Render("Engine Overhead"))
	fmt.Fprintln(w, bmDim.Render(strings.Repeat("═", 70)))
	fmt.Fprintf(w, "  %s %s %s %s %s\n",
		bmHeader.Render("EVENT   "),
		bmHeader.Render("BASELINE       "),
		bmHeader.Render("PROFILED       "),
		bmHeader.Render("DELTA          "),
		bmHeader.Render("CHANGE "))
	fmt.Fprintln(w, "  "+bmDim.Render(strings.Repeat("─", 70)))

	row := func(k string) string {
		return fmt.Sprintf("  %-10s %-17s %-17s %-17s %+.1f%%",
			k,
			humanize.Comma(res.Baseline[k]),
			humanize.Comma(res.Profiled[k]),
			humanize.Comma(res.Delta[k]),
			100*res.Relative(k))
	}
	fmt.Fprintln(w, bmBold.Render(row(Overall)))
	for _, k := range keys {
		fmt.Fprintln(w, row(k))
	}
}
