package executor

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds how many merge processes run at once.
// Waiters are admitted in arrival order.
type Limiter struct {
	sem      *semaphore.Weighted
	limit    int
	inFlight atomic.Int64
	queued   atomic.Int64
}

// NewLimiter creates a Limiter admitting limit concurrent holders.
// A non-positive limit falls back to the number of CPUs.
func NewLimiter(limit int) *Limiter {
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	return &Limiter{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: limit,
	}
}

// Acquire blocks until a slot is free or ctx is done.
// The returned release func is safe to call more than once.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	l.queued.Add(1)
	err = l.sem.Acquire(ctx, 1)
	l.queued.Add(-1)
	if err != nil {
		return nil, err
	}

	l.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			l.inFlight.Add(-1)
			l.sem.Release(1)
		})
	}, nil
}

// Limit returns the configured ceiling.
func (l *Limiter) Limit() int { return l.limit }

// InFlight returns the number of slots currently held.
func (l *Limiter) InFlight() int { return int(l.inFlight.Load()) }

// Queued returns the number of callers waiting for a slot.
func (l *Limiter) Queued() int { return int(l.queued.Load()) }
