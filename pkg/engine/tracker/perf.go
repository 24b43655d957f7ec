package tracker

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/procfs"

	"github.com/danpilch/peakprof/pkg/engine"
	"github.com/danpilch/peakprof/pkg/flamegraph"
	"github.com/danpilch/peakprof/pkg/record"
)

// ErrPerformanceRunning is returned when a second sampler is started.
var ErrPerformanceRunning = errors.New("performance sampling already running")

// StatusSource reports the scheduling state of native threads.
type StatusSource interface {
	Threads() (map[engine.ThreadID]record.Marker, error)
}

// ProcfsThreads reads thread states of a process from /proc.
type ProcfsThreads struct {
	PID int
}

// Threads implements StatusSource.
func (p ProcfsThreads) Threads() (map[engine.ThreadID]record.Marker, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("cannot open procfs: %w", err)
	}
	procs, err := fs.AllThreads(p.PID)
	if err != nil {
		return nil, fmt.Errorf("cannot list threads of %d: %w", p.PID, err)
	}
	states := make(map[engine.ThreadID]record.Marker, len(procs))
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			// Thread exited between listing and reading.
			continue
		}
		states[engine.ThreadID(proc.PID)] = StateMarker(stat.State)
	}
	return states, nil
}

// StateMarker maps a /proc thread state letter to a status marker.
func StateMarker(state string) record.Marker {
	switch state {
	case "R":
		return record.MarkerRunning
	case "S":
		return record.MarkerWaiting
	case "D":
		return record.MarkerUninterruptible
	default:
		return record.MarkerOther
	}
}

type sampler struct {
	samples map[string]record.Record
	order   []string
	stop    chan struct{}
	done    sync.WaitGroup
}

// StartPerformance samples every thread's callstack at the given interval
// until StopPerformance is called.
func (t *Tracker) StartPerformance(interval time.Duration) error {
	return t.startPerformance(clock.New(), interval)
}

func (t *Tracker) startPerformance(clk clock.Clock, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid sampling interval %s", interval)
	}
	t.perfMu.Lock()
	defer t.perfMu.Unlock()
	if t.perf != nil {
		return ErrPerformanceRunning
	}
	s := &sampler{
		samples: make(map[string]record.Record),
		stop:    make(chan struct{}),
	}
	t.perf = s

	ticker := clk.Ticker(interval)
	s.done.Add(1)
	go func() {
		defer s.done.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				t.SampleOnce()
			}
		}
	}()
	t.logger.WithField("interval", interval).Debug("Started performance sampling")
	return nil
}

// SampleOnce takes a single sample of every thread. It is a no-op when
// sampling is not running.
func (t *Tracker) SampleOnce() {
	t.perfMu.Lock()
	defer t.perfMu.Unlock()
	if t.perf == nil {
		return
	}

	var native map[engine.ThreadID]record.Marker
	if t.opts.NativeThreads != nil {
		var err error
		native, err = t.opts.NativeThreads.Threads()
		if err != nil {
			t.logger.WithError(err).Debug("Cannot read native thread states")
		}
	}

	t.mu.Lock()
	ids := make([]engine.ThreadID, 0, len(t.threads))
	for tid, th := range t.threads {
		if th.registered {
			ids = append(ids, tid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	stacks := make([][]record.Frame, 0, len(ids)+len(native))
	for _, tid := range ids {
		th := t.threads[tid]
		status := th.status
		if s, ok := native[tid]; ok {
			status = s
		}
		stacks = append(stacks, t.sampleFrames(tid, th.callstack(), status))
	}
	t.mu.Unlock()

	if native != nil {
		extra := make([]engine.ThreadID, 0, len(native))
		for tid := range native {
			if !containsThread(ids, tid) {
				extra = append(extra, tid)
			}
		}
		sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
		for _, tid := range extra {
			stacks = append(stacks, t.sampleFrames(tid, nil, native[tid]))
		}
	}

	for _, frames := range stacks {
		t.perf.add(frames)
	}
}

func (t *Tracker) sampleFrames(tid engine.ThreadID, stack []record.Frame, status record.Marker) []record.Frame {
	frames := make([]record.Frame, 0, len(stack)+2)
	if t.opts.PerThread {
		frames = append(frames, record.ThreadFrame(strconv.FormatUint(uint64(tid), 10)))
	}
	if len(stack) == 0 {
		frames = append(frames, record.MarkerFrame(record.MarkerNoStack))
	} else {
		frames = append(frames, stack...)
	}
	return append(frames, record.MarkerFrame(status))
}

func (s *sampler) add(frames []record.Frame) {
	key := record.Record{Frames: frames}.Key()
	r, ok := s.samples[key]
	if !ok {
		r = record.Record{Frames: frames}
		s.order = append(s.order, key)
	}
	r.Magnitude++
	s.samples[key] = r
}

func (s *sampler) records() []record.Record {
	out := make([]record.Record, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.samples[key])
	}
	return out
}

// StopPerformance stops sampling and writes performance.{prof,svg,-reversed.svg}
// under path.
func (t *Tracker) StopPerformance(path string) error {
	t.perfMu.Lock()
	s := t.perf
	t.perf = nil
	t.perfMu.Unlock()
	if s == nil {
		return fmt.Errorf("performance sampling not running")
	}
	close(s.stop)
	s.done.Wait()
	recs := s.records()

	opts := flamegraph.DefaultSVGOptions()
	opts.Title = "Performance: Combined per-thread runtime"
	opts.ColorScheme = "hot"
	opts.Unit = record.Samples
	if err := flamegraph.WriteFiles(t.opts.Fs, path, flamegraph.PerformanceBase, recs, opts); err != nil {
		return fmt.Errorf("cannot dump performance samples: %w", err)
	}
	return nil
}

func containsThread(ids []engine.ThreadID, tid engine.ThreadID) bool {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= tid })
	return i < len(ids) && ids[i] == tid
}
