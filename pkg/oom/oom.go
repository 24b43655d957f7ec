// Package oom estimates whether the process is about to run out of memory.
package oom

import (
	"math"
	"sync"
)

// MinimalFree is the danger zone: less available memory than this counts as
// out of memory. Swap is not counted.
const MinimalFree uint64 = 100 * 1024 * 1024

// AvailableFunc returns how many bytes can still be allocated.
type AvailableFunc func() (uint64, error)

// Estimator decides when allocations push the process into the danger zone.
// Checking available memory is expensive, so it is only re-checked once 1%
// of the distance to the danger zone has been allocated since the last check.
type Estimator struct {
	mu             sync.Mutex
	checkThreshold uint64
	available      AvailableFunc
}

// NewEstimator returns an estimator using available as its memory probe.
func NewEstimator(available AvailableFunc) *Estimator {
	if available == nil {
		available = Available
	}
	return &Estimator{available: available}
}

// OutOfMemory checks available memory now and resets the check threshold.
func (e *Estimator) OutOfMemory() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.check()
}

func (e *Estimator) check() bool {
	avail, err := e.available()
	if err != nil {
		// No reliable reading; check again on the next allocation.
		e.checkThreshold = 0
		return false
	}
	if avail < MinimalFree {
		return true
	}
	e.checkThreshold = (avail - MinimalFree) / 100
	return false
}

// TooBigAllocation accounts for a new allocation of size bytes and reports
// whether the process is now out of memory. It may or may not probe.
func (e *Estimator) TooBigAllocation(size uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if size > e.checkThreshold {
		return e.check()
	}
	e.checkThreshold -= size
	return false
}

// Available returns the minimum of host, cgroup and address-space headroom.
func Available() (uint64, error) {
	var (
		lowest  uint64 = math.MaxUint64
		lastErr error
		probed  bool
	)
	for _, probe := range []AvailableFunc{HostAvailable, CgroupAvailable, RlimitAvailable} {
		v, err := probe()
		if err != nil {
			lastErr = err
			continue
		}
		probed = true
		if v < lowest {
			lowest = v
		}
	}
	if !probed {
		return 0, lastErr
	}
	return lowest, nil
}
