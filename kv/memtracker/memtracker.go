package memtracker

import (
	"github.com/uber-go/atomic"
)

// Tracker accounts bytes held in memory by region data across the whole
// process. Implementations must be safe for concurrent use from many regions.
type Tracker interface {
	Alloc(delta uint64)
	Free(delta uint64)
	Consumed() uint64
}

type counterTracker struct {
	consumed *atomic.Uint64
}

// NewTracker returns a Tracker backed by a single atomic counter.
func NewTracker() Tracker {
	return &counterTracker{consumed: atomic.NewUint64(0)}
}

func (t *counterTracker) Alloc(delta uint64) {
	t.consumed.Add(delta)
}

func (t *counterTracker) Free(delta uint64) {
	t.consumed.Sub(delta)
}

func (t *counterTracker) Consumed() uint64 {
	return t.consumed.Load()
}
