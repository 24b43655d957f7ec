// Package tracker is an in-process tracking engine. It keeps one callstack per
// registered thread, attributes every allocation to the callstack of the
// thread that made it, and snapshots the live set whenever a new peak is
// reached.
package tracker

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/atomic"

	"github.com/danpilch/peakprof/pkg/engine"
	"github.com/danpilch/peakprof/pkg/flamegraph"
	"github.com/danpilch/peakprof/pkg/oom"
	"github.com/danpilch/peakprof/pkg/record"
)

// Options configures a Tracker.
type Options struct {
	Logger *logrus.Logger
	// OutOfMemory enables exhaustion detection on every allocation.
	OutOfMemory *oom.Estimator
	// PerThread prefixes performance samples with a [Thread <id>] frame.
	PerThread bool
	// NativeThreads reports OS thread states. Only meaningful when thread
	// IDs given to the tracker are OS thread IDs.
	NativeThreads StatusSource
	// Fs receives dumps. Nil means the OS filesystem.
	Fs afero.Fs
}

// DefaultOptions configures a tracker running inside the profiled process:
// out-of-memory detection against the tightest memory limit and, on Linux,
// native thread states of this process.
func DefaultOptions() Options {
	opts := Options{
		OutOfMemory: oom.NewEstimator(oom.Available),
		Fs:          afero.NewOsFs(),
	}
	if runtime.GOOS == "linux" {
		opts.NativeThreads = ProcfsThreads{PID: os.Getpid()}
	}
	return opts
}

type allocation struct {
	stack []record.Frame
	size  uint64
}

type thread struct {
	registered bool
	stack      []record.Frame
	// snapshot is an immutable copy of stack shared by allocations; nil
	// after the stack changes.
	snapshot []record.Frame
	status   record.Marker
}

func (t *thread) callstack() []record.Frame {
	if t.snapshot == nil {
		t.snapshot = make([]record.Frame, len(t.stack))
		copy(t.snapshot, t.stack)
	}
	return t.snapshot
}

// Tracker implements engine.Engine, engine.OutOfMemoryNotifier and
// engine.PerformanceTracker.
type Tracker struct {
	logger   *logrus.Logger
	opts     Options
	tracking *atomic.Bool
	oomFired *atomic.Bool

	mu           sync.Mutex
	threads      map[engine.ThreadID]*thread
	current      map[uintptr]allocation
	peak         map[uintptr]allocation
	currentBytes uint64
	peakBytes    uint64
	defaultPath  string
	oomHandler   engine.OutOfMemoryHandler

	perfMu sync.Mutex
	perf   *sampler
}

var (
	_ engine.Engine              = (*Tracker)(nil)
	_ engine.OutOfMemoryNotifier = (*Tracker)(nil)
	_ engine.PerformanceTracker  = (*Tracker)(nil)
)

// New creates a tracker that is not yet tracking.
func New(opts Options) *Tracker {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	return &Tracker{
		logger:   logger,
		opts:     opts,
		tracking: atomic.NewBool(false),
		oomFired: atomic.NewBool(false),
		threads:  make(map[engine.ThreadID]*thread),
		current:  make(map[uintptr]allocation),
		peak:     make(map[uintptr]allocation),
	}
}

// Reset clears all allocation state and sets the default dump path.
// Thread registrations and callstacks survive a reset.
func (t *Tracker) Reset(path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = make(map[uintptr]allocation)
	t.peak = make(map[uintptr]allocation)
	t.currentBytes = 0
	t.peakBytes = 0
	t.defaultPath = path
	t.oomFired.Store(false)
	return nil
}

// StartTracking starts recording allocations.
func (t *Tracker) StartTracking() error {
	t.tracking.Store(true)
	return nil
}

// StopTracking stops recording allocations. Frees are still applied.
func (t *Tracker) StopTracking() error {
	t.tracking.Store(false)
	return nil
}

// Tracking reports whether allocations are being recorded.
func (t *Tracker) Tracking() bool {
	return t.tracking.Load()
}

// RegisterTracer marks tid as known. Repeated calls are no-ops.
func (t *Tracker) RegisterTracer(tid engine.ThreadID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	th := t.thread(tid)
	if !th.registered {
		th.registered = true
		t.logger.WithField("thread", tid).Debug("Registered thread")
	}
	return nil
}

// Registered reports whether tid has been registered.
func (t *Tracker) Registered(tid engine.ThreadID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	th, ok := t.threads[tid]
	return ok && th.registered
}

func (t *Tracker) thread(tid engine.ThreadID) *thread {
	th, ok := t.threads[tid]
	if !ok {
		th = &thread{status: record.MarkerRunning}
		t.threads[tid] = th
	}
	return th
}

// PushFrame records that tid entered a call frame. Unregistered threads
// have no callstack and are ignored.
func (t *Tracker) PushFrame(tid engine.ThreadID, f record.Frame) {
	t.mu.Lock()
	defer t.mu.Unlock()
	th, ok := t.threads[tid]
	if !ok || !th.registered {
		return
	}
	th.stack = append(th.stack, f)
	th.snapshot = nil
}

// PopFrame records that tid returned from its innermost frame.
func (t *Tracker) PopFrame(tid engine.ThreadID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	th, ok := t.threads[tid]
	if !ok || len(th.stack) == 0 {
		return
	}
	th.stack = th.stack[:len(th.stack)-1]
	th.snapshot = nil
}

// SetLine updates the current line of tid's innermost frame.
func (t *Tracker) SetLine(tid engine.ThreadID, line int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	th, ok := t.threads[tid]
	if !ok || len(th.stack) == 0 {
		return
	}
	th.stack[len(th.stack)-1].Line = line
	th.snapshot = nil
}

// SetStatus sets the scheduling status reported for tid in performance
// samples: MarkerRunning, MarkerWaiting, MarkerUninterruptible or MarkerOther.
func (t *Tracker) SetStatus(tid engine.ThreadID, status record.Marker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thread(tid).status = status
}

// ForgetThread drops the state of a thread that exited.
func (t *Tracker) ForgetThread(tid engine.ThreadID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.threads, tid)
}

// Allocate records a new allocation made by tid.
func (t *Tracker) Allocate(tid engine.ThreadID, address uintptr, size uint64) {
	if !t.tracking.Load() {
		return
	}

	t.mu.Lock()
	var stack []record.Frame
	if th, ok := t.threads[tid]; ok && th.registered {
		stack = th.callstack()
	}
	if old, ok := t.current[address]; ok {
		// Address reuse without a free: replace the stale entry.
		t.currentBytes -= old.size
	}
	t.current[address] = allocation{stack: stack, size: size}
	t.currentBytes += size
	if t.currentBytes > t.peakBytes {
		t.peakBytes = t.currentBytes
		t.peak = make(map[uintptr]allocation, len(t.current))
		for addr, a := range t.current {
			t.peak[addr] = a
		}
	}

	var (
		live    []record.Record
		handler engine.OutOfMemoryHandler
		path    string
	)
	if est := t.opts.OutOfMemory; est != nil && est.TooBigAllocation(size) && t.oomFired.CompareAndSwap(false, true) {
		live = records(t.current)
		handler = t.oomHandler
		path = t.defaultPath
	}
	t.mu.Unlock()

	if live == nil {
		return
	}
	t.logger.WithField("path", path).Warn("Out of memory, dumping live allocations")
	if handler != nil {
		handler(live)
		return
	}
	if err := flamegraph.WriteFiles(t.opts.Fs, path, flamegraph.OutOfMemoryBase, live, t.svgOptions("Current allocations at out-of-memory time", live)); err != nil {
		t.logger.WithError(err).Error("Cannot write out-of-memory dump")
	}
}

// Free removes an allocation. Unknown addresses are ignored.
func (t *Tracker) Free(address uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.current[address]; ok {
		delete(t.current, address)
		t.currentBytes -= a.size
	}
}

// AllocationSize returns the tracked size of a live address.
func (t *Tracker) AllocationSize(address uintptr) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current[address].size, nil
}

// CurrentBytes returns the bytes currently live.
func (t *Tracker) CurrentBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentBytes
}

// PeakBytes returns the largest live total seen since the last reset.
func (t *Tracker) PeakBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peakBytes
}

// PeakRecords returns the aggregated callstacks live at peak.
func (t *Tracker) PeakRecords() []record.Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return records(t.peak)
}

// OnOutOfMemory installs the handler called once when exhaustion is near.
func (t *Tracker) OnOutOfMemory(h engine.OutOfMemoryHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.oomHandler = h
}

// DumpPeakToFlamegraph writes peak-memory.{prof,svg,-reversed.svg} under path.
func (t *Tracker) DumpPeakToFlamegraph(path string) error {
	t.mu.Lock()
	peak := records(t.peak)
	t.mu.Unlock()

	t.logger.WithField("path", path).Info("Preparing to write peak memory")
	title := "Peak Tracked Memory Usage"
	if err := flamegraph.WriteFiles(t.opts.Fs, path, flamegraph.PeakBase, peak, t.svgOptions(title, peak)); err != nil {
		return fmt.Errorf("cannot dump peak memory: %w", err)
	}
	return nil
}

func (t *Tracker) svgOptions(title string, recs []record.Record) flamegraph.SVGOptions {
	opts := flamegraph.DefaultSVGOptions()
	opts.Title = fmt.Sprintf("%s (%s)", title, record.Bytes.Format(record.Total(recs)))
	return opts
}

// records aggregates allocations by callstack. Allocations without a
// callstack are attributed to the no-stack marker.
func records(allocs map[uintptr]allocation) []record.Record {
	addrs := make([]uintptr, 0, len(allocs))
	for addr := range allocs {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	raw := make([]record.Record, 0, len(allocs))
	for _, addr := range addrs {
		a := allocs[addr]
		frames := a.stack
		if len(frames) == 0 {
			frames = []record.Frame{record.MarkerFrame(record.MarkerNoStack)}
		}
		raw = append(raw, record.Record{Frames: frames, Magnitude: a.size})
	}
	return record.Aggregate(raw)
}
