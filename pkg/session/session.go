// Package session is the single authority over a profiling session: it
// starts, stops and dumps the tracking engine, keeps one timestamped output
// directory per dump and turns every dump into a report.
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/atomic"

	"github.com/danpilch/peakprof/pkg/engine"
	"github.com/danpilch/peakprof/pkg/flamegraph"
	"github.com/danpilch/peakprof/pkg/record"
	"github.com/danpilch/peakprof/pkg/report"
	"github.com/danpilch/peakprof/pkg/threads"
)

// OutOfMemoryExitCode is the exit status after an emergency dump.
const OutOfMemoryExitCode = 53

// TimestampFormat names output subdirectories.
const TimestampFormat = "2006-01-02T15:04:05.000"

var (
	ErrNotTracking     = errors.New("not tracking")
	ErrAlreadyTracking = errors.New("already tracking")
)

var osExit = os.Exit

// State is the controller's lifecycle state.
type State int

const (
	NotStarted State = iota
	Tracking
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Tracking:
		return "tracking"
	default:
		return "stopped"
	}
}

// Options configures a Controller.
type Options struct {
	Logger *logrus.Logger
	Clock  clock.Clock
	Fs     afero.Fs
	// Runtime delivers thread events. Nil means threads are registered
	// elsewhere, e.g. by an engine in another process.
	Runtime threads.Runtime
	// Performance also samples per-thread callstacks.
	Performance    bool
	SampleInterval time.Duration
	// DisableOutOfMemory skips the emergency dump handler.
	DisableOutOfMemory bool
	// Command is shown in report indexes.
	Command []string
	// Exit terminates the process after an emergency dump.
	Exit func(code int)
}

// DefaultOptions returns options using the real clock and filesystem.
func DefaultOptions() Options {
	return Options{
		Clock:          clock.New(),
		Fs:             afero.NewOsFs(),
		SampleInterval: 10 * time.Millisecond,
		Exit:           osExit,
	}
}

// Controller drives one engine. Start, Stop and Dump are meant for a single
// caller, except Dump from a signal handler and Stop from an exit path,
// which may race with each other safely.
type Controller struct {
	engine   engine.Engine
	opts     Options
	logger   *logrus.Logger
	registry *threads.Registry

	// active is the atomic "not yet stopped" guard shared by every stop path.
	active *atomic.Bool

	mu        sync.Mutex
	state     State
	path      string
	lastIndex string
	// stopErr is what the first Stop returned; later calls repeat it.
	stopErr   error
	report    report.Result
	uninstall func()

	// stopMu makes a second Stop wait for the first one's index.
	stopMu sync.Mutex
	// dumpMu serializes report generation.
	dumpMu sync.Mutex

	stampMu   sync.Mutex
	lastStamp time.Time
}

// New returns a controller for eng. Zero-valued options fall back to
// DefaultOptions.
func New(eng engine.Engine, opts Options) *Controller {
	def := DefaultOptions()
	if opts.Clock == nil {
		opts.Clock = def.Clock
	}
	if opts.Fs == nil {
		opts.Fs = def.Fs
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = def.SampleInterval
	}
	if opts.Exit == nil {
		opts.Exit = def.Exit
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Controller{
		engine:   eng,
		opts:     opts,
		logger:   logger,
		registry: threads.NewRegistry(eng, logger),
		active:   atomic.NewBool(false),
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Path returns the output directory of the current or last session.
func (c *Controller) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// LastReport returns the most recently built report.
func (c *Controller) LastReport() report.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

// Start begins tracking into path, which is created if needed. A stopped
// session may be superseded by a new Start.
func (c *Controller) Start(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Tracking {
		return ErrAlreadyTracking
	}
	if Status() == StatusSubprocess {
		return fmt.Errorf("profiling is not supported in subprocesses: %w", engine.ErrEngineUnavailable)
	}
	if err := c.opts.Fs.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("cannot create output directory: %w", err)
	}

	if err := c.engine.Reset(path); err != nil {
		return unavailable("reset", err)
	}
	if err := c.engine.StartTracking(); err != nil {
		return unavailable("start", err)
	}
	if c.opts.Performance {
		perf, ok := c.engine.(engine.PerformanceTracker)
		if !ok {
			c.engine.StopTracking()
			return fmt.Errorf("engine cannot sample performance: %w", engine.ErrEngineUnavailable)
		}
		if err := perf.StartPerformance(c.opts.SampleInterval); err != nil {
			c.engine.StopTracking()
			return unavailable("start performance sampling", err)
		}
	}
	c.track(path)
	c.logger.WithField("path", path).Debug("Started tracking")
	return nil
}

// Attach adopts an engine that started tracking into path by itself, as an
// engine preloaded into a supervised program does before the program runs.
// Nothing is sent to the engine; Stop and Dump then behave as after Start.
func (c *Controller) Attach(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Tracking {
		return ErrAlreadyTracking
	}
	if err := c.opts.Fs.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("cannot create output directory: %w", err)
	}
	c.track(path)
	c.logger.WithField("path", path).Debug("Attached to tracking engine")
	return nil
}

// track moves to Tracking. c.mu must be held.
func (c *Controller) track(path string) {
	if n, ok := c.engine.(engine.OutOfMemoryNotifier); ok && !c.opts.DisableOutOfMemory {
		n.OnOutOfMemory(c.EmergencyDump)
	}
	if c.opts.Runtime != nil {
		c.uninstall = c.registry.Install(c.opts.Runtime)
	}
	c.path = path
	c.lastIndex = ""
	c.stopErr = nil
	c.state = Tracking
	c.active.Store(true)
}

func unavailable(op string, err error) error {
	if errors.Is(err, engine.ErrEngineUnavailable) {
		return fmt.Errorf("cannot %s tracking: %w", op, err)
	}
	return fmt.Errorf("cannot %s tracking: %w: %w", op, engine.ErrEngineUnavailable, err)
}

// Stop ends tracking, dumps the peak into path and builds its report. An
// empty path means the directory given to Start. Only the first Stop of a
// session does any work; later calls return the same index and error.
func (c *Controller) Stop(path string) (string, error) {
	c.stopMu.Lock()
	defer c.stopMu.Unlock()
	if !c.active.CompareAndSwap(true, false) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == NotStarted {
			return "", ErrNotTracking
		}
		return c.lastIndex, c.stopErr
	}

	c.mu.Lock()
	if path == "" {
		path = c.path
	}
	uninstall := c.uninstall
	c.uninstall = nil
	c.mu.Unlock()

	var result *multierror.Error
	if uninstall != nil {
		uninstall()
	}
	if err := c.engine.StopTracking(); err != nil && !errors.Is(err, engine.ErrEngineGone) {
		result = multierror.Append(result, fmt.Errorf("cannot stop tracking: %w", err))
	}
	if c.opts.Performance {
		if perf, ok := c.engine.(engine.PerformanceTracker); ok {
			if err := perf.StopPerformance(path); err != nil && !c.gone(err) {
				result = multierror.Append(result, fmt.Errorf("cannot dump performance: %w", err))
			}
		}
	}
	index, err := c.dump(path, c.opts.Performance)
	if err != nil {
		result = multierror.Append(result, err)
	}

	err = result.ErrorOrNil()
	c.mu.Lock()
	c.state = Stopped
	c.lastIndex = index
	c.stopErr = err
	c.mu.Unlock()
	return index, err
}

// gone reports whether err means the engine went away, which is expected
// when it lives in a program that already exited and dumped on its own.
func (c *Controller) gone(err error) bool {
	if errors.Is(err, engine.ErrEngineGone) {
		c.logger.WithError(err).Debug("Engine exited before the dump request")
		return true
	}
	return false
}

// Dump writes the current peak into path and builds its report without
// stopping or resetting anything.
func (c *Controller) Dump(path string) (string, error) {
	if !c.active.Load() {
		return "", ErrNotTracking
	}
	return c.dump(path, false)
}

func (c *Controller) dump(path string, performance bool) (string, error) {
	c.dumpMu.Lock()
	defer c.dumpMu.Unlock()

	if err := c.engine.DumpPeakToFlamegraph(path); err != nil && !c.gone(err) {
		return "", fmt.Errorf("cannot dump peak memory: %w", err)
	}
	return c.buildReport(path, performance)
}

func (c *Controller) buildReport(path string, performance bool) (string, error) {
	opts := report.DefaultOptions()
	opts.Command = c.opts.Command
	opts.Performance = performance
	opts.Time = c.opts.Clock.Now()
	// An engine that ran out of memory leaves out-of-memory.* instead.
	if ok, _ := afero.Exists(c.opts.Fs, filepath.Join(path, flamegraph.RawName(flamegraph.OutOfMemoryBase))); ok {
		if peak, _ := afero.Exists(c.opts.Fs, filepath.Join(path, flamegraph.RawName(flamegraph.PeakBase))); !peak {
			opts.OutOfMemory = true
		}
	}

	res, err := report.NewBuilder(c.opts.Fs, c.logger).Build(path, opts)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.report = res
	c.mu.Unlock()
	c.logger.Infof("Wrote HTML report to %s", res.Index)
	return res.Index, nil
}

// EmergencyDump writes the live allocations as out-of-memory.* into the
// session directory, builds the report and exits with OutOfMemoryExitCode.
// Engines call it once, when memory is about to run out.
func (c *Controller) EmergencyDump(live []record.Record) {
	c.active.Store(false)
	c.mu.Lock()
	path := c.path
	c.mu.Unlock()

	c.logger.WithField("path", path).Warn("We'll try to dump out-of-memory information, then exit")
	c.dumpMu.Lock()
	opts := flamegraph.DefaultSVGOptions()
	opts.Title = "Current allocations at out-of-memory time"
	err := flamegraph.WriteFiles(c.opts.Fs, path, flamegraph.OutOfMemoryBase, live, opts)
	c.dumpMu.Unlock()
	var index string
	if err != nil {
		err = fmt.Errorf("cannot write out-of-memory dump: %w", err)
		c.logger.WithError(err).Error("Out-of-memory dump failed")
	} else if index, err = c.buildReport(path, false); err != nil {
		c.logger.WithError(err).Error("Cannot build out-of-memory report")
	}

	c.mu.Lock()
	c.state = Stopped
	c.lastIndex = index
	c.stopErr = err
	c.mu.Unlock()
	c.opts.Exit(OutOfMemoryExitCode)
}

// NewOutputDir returns a fresh timestamped directory under root. Names never
// repeat within a controller, even for dumps in the same millisecond.
func (c *Controller) NewOutputDir(root string) string {
	c.stampMu.Lock()
	defer c.stampMu.Unlock()

	now := c.opts.Clock.Now().Truncate(time.Millisecond)
	if !now.After(c.lastStamp) {
		now = c.lastStamp.Add(time.Millisecond)
	}
	for {
		dir := filepath.Join(root, now.Format(TimestampFormat))
		if ok, _ := afero.Exists(c.opts.Fs, dir); !ok {
			c.lastStamp = now
			return dir
		}
		now = now.Add(time.Millisecond)
	}
}
