package oom

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeMemory struct {
	available uint64
	probes    int
	err       error
}

func (f *fakeMemory) probe() (uint64, error) {
	f.probes++
	return f.available, f.err
}

func TestEstimatorDangerZone(t *testing.T) {
	m := &fakeMemory{available: MinimalFree - 1}
	assert.True(t, NewEstimator(m.probe).OutOfMemory())

	m.available = MinimalFree
	assert.False(t, NewEstimator(m.probe).OutOfMemory())
}

func TestEstimatorChecksEveryOnePercent(t *testing.T) {
	m := &fakeMemory{available: MinimalFree + 100*1024}
	e := NewEstimator(m.probe)

	// First allocation always probes: the threshold starts at zero.
	assert.False(t, e.TooBigAllocation(1))
	assert.Equal(t, 1, m.probes)

	// Threshold is now 1% of the 100KiB distance.
	assert.False(t, e.TooBigAllocation(512))
	assert.False(t, e.TooBigAllocation(512))
	assert.Equal(t, 1, m.probes)

	m.available = MinimalFree / 2
	assert.True(t, e.TooBigAllocation(1))
	assert.Equal(t, 2, m.probes)
}

func TestEstimatorProbeFailureIsNotOOM(t *testing.T) {
	m := &fakeMemory{err: errors.New("no /proc")}
	e := NewEstimator(m.probe)
	assert.False(t, e.TooBigAllocation(1<<30))
	assert.False(t, e.TooBigAllocation(1))
	assert.Equal(t, 2, m.probes)
}

func TestAvailable(t *testing.T) {
	v, err := Available()
	if err != nil {
		t.Skipf("no memory probe works here: %v", err)
	}
	assert.NotZero(t, v)
}
