package jobs

import (
	"sync/atomic"

	"github.com/your-org/aurum-score/internal/observability"
)

// Availability is the process-wide "broker is usable" flag. Readers may be
// anywhere; only Manager changes it.
type Availability struct {
	v atomic.Bool
}

func NewAvailability(initial bool) *Availability {
	a := &Availability{}
	a.v.Store(initial)
	observability.QueueAvailable.Set(observability.BoolGauge(initial))
	return a
}

func (a *Availability) Available() bool {
	return a.v.Load()
}

// set stores v and returns the previous value.
func (a *Availability) set(v bool) bool {
	prev := a.v.Swap(v)
	observability.QueueAvailable.Set(observability.BoolGauge(v))
	return prev
}
