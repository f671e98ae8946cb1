package multiagent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"orchestra-ai/internal/domain"
)

// DefaultMaxConcurrentAgents bounds simultaneously running invocations when
// no limit is configured.
const DefaultMaxConcurrentAgents = 3

// AdmissionController bounds the number of agent invocations running at once
// across all requests. Waiters are admitted as slots free up.
type AdmissionController struct {
	slots     chan struct{}
	inUse     atomic.Int64
	waiting   atomic.Int64
	highWater atomic.Int64
	admitted  atomic.Int64
	rejected  atomic.Int64
}

// AdmissionStats is a point-in-time view of the controller.
type AdmissionStats struct {
	Capacity  int   `json:"capacity"`
	InUse     int64 `json:"in_use"`
	Waiting   int64 `json:"waiting"`
	HighWater int64 `json:"high_water"`
	Admitted  int64 `json:"admitted"`
	Rejected  int64 `json:"rejected"`
}

// NewAdmissionController creates a controller with max slots.
func NewAdmissionController(max int) *AdmissionController {
	if max <= 0 {
		max = DefaultMaxConcurrentAgents
	}
	return &AdmissionController{slots: make(chan struct{}, max)}
}

// Acquire blocks until a slot is free or ctx is done. The returned release
// function must be called once the invocation ends; extra calls are no-ops.
// A ctx that ends first yields an error wrapping both ErrAdmissionRejected and
// the context error.
func (a *AdmissionController) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		a.rejected.Add(1)
		return nil, fmt.Errorf("%w: %w", domain.ErrAdmissionRejected, err)
	}

	select {
	case a.slots <- struct{}{}:
		return a.admit(), nil
	default:
	}

	a.waiting.Add(1)
	defer a.waiting.Add(-1)
	select {
	case a.slots <- struct{}{}:
		// A slot freed at the same moment the caller gave up: hand it back.
		if err := ctx.Err(); err != nil {
			<-a.slots
			a.rejected.Add(1)
			return nil, fmt.Errorf("%w: %w", domain.ErrAdmissionRejected, err)
		}
		return a.admit(), nil
	case <-ctx.Done():
		a.rejected.Add(1)
		return nil, fmt.Errorf("%w: %w", domain.ErrAdmissionRejected, ctx.Err())
	}
}

func (a *AdmissionController) admit() func() {
	a.admitted.Add(1)
	n := a.inUse.Add(1)
	for {
		hw := a.highWater.Load()
		if n <= hw || a.highWater.CompareAndSwap(hw, n) {
			break
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			a.inUse.Add(-1)
			<-a.slots
		})
	}
}

// Capacity returns the configured slot count.
func (a *AdmissionController) Capacity() int { return cap(a.slots) }

// InUse returns the number of held slots.
func (a *AdmissionController) InUse() int64 { return a.inUse.Load() }

// Waiting returns the number of callers blocked in Acquire.
func (a *AdmissionController) Waiting() int64 { return a.waiting.Load() }

// HighWater returns the largest InUse value observed.
func (a *AdmissionController) HighWater() int64 { return a.highWater.Load() }

// Stats returns a snapshot of all counters.
func (a *AdmissionController) Stats() AdmissionStats {
	return AdmissionStats{
		Capacity:  a.Capacity(),
		InUse:     a.inUse.Load(),
		Waiting:   a.waiting.Load(),
		HighWater: a.highWater.Load(),
		Admitted:  a.admitted.Load(),
		Rejected:  a.rejected.Load(),
	}
}
