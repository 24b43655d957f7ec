// Package threads makes sure the tracking engine knows every thread of the
// profiled program. A host runtime exposes a thread-entry hook; the registry
// installs a tracer on each thread through it, and the tracer registers the
// thread on its first call frame.
package threads

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/danpilch/peakprof/pkg/engine"
	"github.com/danpilch/peakprof/pkg/record"
)

// EventKind distinguishes tracer notifications.
type EventKind int

const (
	// Call means the thread entered a new call frame.
	Call EventKind = iota
	// Return means the thread left its innermost call frame.
	Return
	// Line means the thread moved to another line of its innermost frame.
	Line
	// Status means the thread started or stopped waiting.
	Status
	// Exit means the thread finished.
	Exit
)

func (k EventKind) String() string {
	switch k {
	case Call:
		return "call"
	case Return:
		return "return"
	case Line:
		return "line"
	case Status:
		return "status"
	default:
		return "exit"
	}
}

// Event is delivered to a thread's tracer. Frame is set for Call, Line for
// Line and Status for Status events.
type Event struct {
	Kind   EventKind
	Frame  record.Frame
	Line   int
	Status record.Marker
}

// Tracer receives the events of one thread, on that thread.
type Tracer func(Event)

// Thread is a runtime thread a tracer can be attached to.
type Thread interface {
	ID() engine.ThreadID
	SetTracer(Tracer)
}

// Runtime is the host's thread-entry notification point.
type Runtime interface {
	// OnThreadEntry installs hook. The runtime calls it once for the calling
	// thread and then on every new thread before that thread runs user code.
	// The returned function uninstalls the hook and detaches tracers.
	OnThreadEntry(hook func(Thread)) (uninstall func())
}

// Stacks is implemented by engines that maintain callstacks from tracer
// events themselves.
type Stacks interface {
	PushFrame(tid engine.ThreadID, f record.Frame)
	PopFrame(tid engine.ThreadID)
	SetLine(tid engine.ThreadID, line int)
}

// Lifecycle is implemented by engines that report thread states and drop
// the state of finished threads.
type Lifecycle interface {
	SetStatus(tid engine.ThreadID, status record.Marker)
	ForgetThread(tid engine.ThreadID)
}

// Registry registers threads with an engine.
type Registry struct {
	engine    engine.Engine
	stacks    Stacks
	lifecycle Lifecycle
	logger    *logrus.Logger

	mu    sync.Mutex
	known map[engine.ThreadID]struct{}
}

// NewRegistry returns a registry for eng. When eng implements Stacks it
// also receives every call, return and line event, and when it implements
// Lifecycle every status and exit event.
func NewRegistry(eng engine.Engine, logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	stacks, _ := eng.(Stacks)
	lifecycle, _ := eng.(Lifecycle)
	return &Registry{
		engine:    eng,
		stacks:    stacks,
		lifecycle: lifecycle,
		logger:    logger,
		known:     make(map[engine.ThreadID]struct{}),
	}
}

// Install attaches a tracer to every thread of rt, current and future.
func (r *Registry) Install(rt Runtime) (uninstall func()) {
	return rt.OnThreadEntry(func(th Thread) {
		th.SetTracer(r.tracer(th.ID()))
	})
}

func (r *Registry) tracer(tid engine.ThreadID) Tracer {
	return func(ev Event) {
		switch ev.Kind {
		case Call:
			if err := r.Register(tid); err != nil {
				r.logger.WithError(err).WithField("thread", tid).Warn("Cannot register thread")
			}
			if r.stacks != nil {
				r.stacks.PushFrame(tid, ev.Frame)
			}
		case Return:
			if r.stacks != nil {
				r.stacks.PopFrame(tid)
			}
		case Line:
			if r.stacks != nil {
				r.stacks.SetLine(tid, ev.Line)
			}
		case Status:
			if r.lifecycle != nil {
				r.lifecycle.SetStatus(tid, ev.Status)
			}
		case Exit:
			if r.lifecycle != nil {
				r.lifecycle.ForgetThread(tid)
			}
		}
	}
}

// Register marks tid as known to the engine. Only the first call for a
// thread reaches the engine.
func (r *Registry) Register(tid engine.ThreadID) error {
	r.mu.Lock()
	_, ok := r.known[tid]
	r.mu.Unlock()
	if ok {
		return nil
	}
	if err := r.engine.RegisterTracer(tid); err != nil {
		return err
	}
	r.mu.Lock()
	r.known[tid] = struct{}{}
	r.mu.Unlock()
	return nil
}

// Registered reports whether tid was registered through this registry.
func (r *Registry) Registered(tid engine.ThreadID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.known[tid]
	return ok
}
