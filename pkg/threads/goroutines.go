package threads

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/danpilch/peakprof/pkg/engine"
	"github.com/danpilch/peakprof/pkg/record"
)

// MainThread is the ID of the goroutine that created a Goroutines runtime.
const MainThread engine.ThreadID = 1

// Goroutines is a Runtime for Go programs that mark their own call frames.
// Goroutines started through Go are the threads of this runtime.
type Goroutines struct {
	next *atomic.Uint64
	main *Goroutine

	mu   sync.Mutex
	hook func(Thread)
	// live holds started goroutines so uninstalling can detach their tracers.
	live map[engine.ThreadID]*Goroutine
}

var _ Runtime = (*Goroutines)(nil)

// NewGoroutines returns a runtime whose main thread is the caller.
func NewGoroutines() *Goroutines {
	g := &Goroutines{
		next: atomic.NewUint64(uint64(MainThread)),
		live: make(map[engine.ThreadID]*Goroutine),
	}
	g.main = &Goroutine{id: MainThread}
	g.live[MainThread] = g.main
	return g
}

// Main returns the main thread.
func (g *Goroutines) Main() *Goroutine {
	return g.main
}

// OnThreadEntry implements Runtime.
func (g *Goroutines) OnThreadEntry(hook func(Thread)) func() {
	g.mu.Lock()
	g.hook = hook
	g.mu.Unlock()
	hook(g.main)

	return func() {
		g.mu.Lock()
		g.hook = nil
		live := make([]*Goroutine, 0, len(g.live))
		for _, gr := range g.live {
			live = append(live, gr)
		}
		g.mu.Unlock()
		for _, gr := range live {
			gr.SetTracer(nil)
		}
	}
}

// Go runs fn on a new goroutine. The entry hook runs on that goroutine
// before fn does.
func (g *Goroutines) Go(fn func(*Goroutine)) {
	gr := &Goroutine{id: engine.ThreadID(g.next.Inc())}
	g.mu.Lock()
	hook := g.hook
	g.live[gr.id] = gr
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.live, gr.id)
			g.mu.Unlock()
		}()
		if hook != nil {
			hook(gr)
		}
		defer gr.emit(Event{Kind: Exit})
		fn(gr)
	}()
}

// Goroutine is one thread of a Goroutines runtime.
type Goroutine struct {
	id engine.ThreadID

	mu     sync.Mutex
	tracer Tracer
}

var _ Thread = (*Goroutine)(nil)

func (gr *Goroutine) ID() engine.ThreadID { return gr.id }

func (gr *Goroutine) SetTracer(t Tracer) {
	gr.mu.Lock()
	gr.tracer = t
	gr.mu.Unlock()
}

func (gr *Goroutine) emit(ev Event) {
	gr.mu.Lock()
	t := gr.tracer
	gr.mu.Unlock()
	if t != nil {
		t(ev)
	}
}

// Call runs fn inside a call frame for function at file:line.
func (gr *Goroutine) Call(file, function string, line int, fn func()) {
	gr.emit(Event{Kind: Call, Frame: record.SourceFrame(file, function, line)})
	defer gr.emit(Event{Kind: Return})
	fn()
}

// Wait runs fn, which is expected to block, with the thread reported as
// waiting.
func (gr *Goroutine) Wait(fn func()) {
	gr.emit(Event{Kind: Status, Status: record.MarkerWaiting})
	defer gr.emit(Event{Kind: Status, Status: record.MarkerRunning})
	fn()
}

// Line reports that the innermost frame moved to line.
func (gr *Goroutine) Line(line int) {
	gr.emit(Event{Kind: Line, Line: line})
}
