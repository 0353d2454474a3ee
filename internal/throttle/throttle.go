// Package throttle bounds how many analysis engine calls may be outstanding
// at once across the whole process.
package throttle

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultCapacity is the default number of concurrent slots.
const DefaultCapacity = 5

// Hooks receives throttle observations. Nil funcs are skipped.
type Hooks struct {
	// OnWait is called with the time spent waiting for a slot.
	OnWait func(d time.Duration)
	// OnInFlight is called with the number of held slots after every
	// acquire and release.
	OnInFlight func(n int)
}

// Throttle is a counting admission gate. It is safe for concurrent use and
// is meant to be shared by every batch in the process.
type Throttle struct {
	sem      *semaphore.Weighted
	capacity int
	inFlight atomic.Int64
	hooks    Hooks
}

// New creates a Throttle with the given capacity. A non-positive capacity
// selects DefaultCapacity.
func New(capacity int, hooks Hooks) *Throttle {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Throttle{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		hooks:    hooks,
	}
}

// Capacity returns the number of slots.
func (t *Throttle) Capacity() int { return t.capacity }

// InFlight returns the number of slots currently held.
func (t *Throttle) InFlight() int { return int(t.inFlight.Load()) }

// Do blocks until a slot is free, runs fn, and releases the slot on every
// exit path of fn, panics included. If ctx is done before a slot frees up,
// fn is not run and the context error is returned.
func (t *Throttle) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if t.hooks.OnWait != nil {
		t.hooks.OnWait(time.Since(start))
	}
	t.report(t.inFlight.Add(1))

	defer func() {
		t.report(t.inFlight.Add(-1))
		t.sem.Release(1)
	}()

	return fn(ctx)
}

func (t *Throttle) report(n int64) {
	if t.hooks.OnInFlight != nil {
		t.hooks.OnInFlight(int(n))
	}
}
