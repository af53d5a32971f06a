package proxy

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds concurrent upstream calls for one target. Acquire never
// blocks longer than the configured timeout.
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int64
	timeout  time.Duration
	inFlight atomic.Int64
}

// NewLimiter creates a limiter allowing n concurrent holders.
func NewLimiter(n int64, timeout time.Duration) *Limiter {
	return &Limiter{
		sem:      semaphore.NewWeighted(n),
		capacity: n,
		timeout:  timeout,
	}
}

// Acquire takes a slot. It returns ErrPoolExhausted when none frees up in
// time and the context error when ctx ends first.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.sem.TryAcquire(1) {
		l.inFlight.Add(1)
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrPoolExhausted
		}
		return err
	}
	l.inFlight.Add(1)
	return nil
}

// Release returns a slot taken by Acquire.
func (l *Limiter) Release() {
	l.inFlight.Add(-1)
	l.sem.Release(1)
}

// InFlight returns the number of held slots.
func (l *Limiter) InFlight() int64 {
	return l.inFlight.Load()
}

// Capacity returns the maximum number of concurrent holders.
func (l *Limiter) Capacity() int64 {
	return l.capacity
}
