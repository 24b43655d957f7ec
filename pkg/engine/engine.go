// Package engine defines the narrow command set through which the session
// controller drives a tracking engine. The engine owns its measurement state;
// callers only ever reach it through these commands.
package engine

import (
	"errors"
	"time"

	"github.com/danpilch/peakprof/pkg/record"
)

var (
	// ErrEngineUnavailable means the engine could not be attached: wrong
	// platform, library not preloaded, or already owned by another session.
	ErrEngineUnavailable = errors.New("tracking engine unavailable")
	// ErrEngineGone means a previously attached engine went away, usually
	// because the process hosting it exited.
	ErrEngineGone = errors.New("tracking engine gone")
)

// ThreadID identifies a thread of the profiled program.
type ThreadID uint64

// Engine is the tracking engine command interface.
type Engine interface {
	// Reset clears accumulated state and associates subsequent measurements,
	// including emergency dumps, with path.
	Reset(path string) error
	StartTracking() error
	StopTracking() error
	// RegisterTracer marks tid as known to the engine. Registering the same
	// thread again is a no-op.
	RegisterTracer(tid ThreadID) error
	// DumpPeakToFlamegraph writes the peak-state artifacts under path without
	// resetting them. Safe while tracking is active.
	DumpPeakToFlamegraph(path string) error
	// AllocationSize returns the tracked size of a live address, 0 if untracked.
	AllocationSize(address uintptr) (uint64, error)
}

// OutOfMemoryHandler receives a consistent snapshot of the live allocations
// at the moment the engine decided memory is about to run out.
type OutOfMemoryHandler func(live []record.Record)

// OutOfMemoryNotifier is implemented by engines that detect approaching
// memory exhaustion themselves.
type OutOfMemoryNotifier interface {
	OnOutOfMemory(h OutOfMemoryHandler)
}

// PerformanceTracker is implemented by engines able to sample per-thread
// callstacks for the memory+performance mode.
type PerformanceTracker interface {
	StartPerformance(interval time.Duration) error
	// StopPerformance stops sampling and writes the performance artifacts
	// under path.
	StopPerformance(path string) error
}
