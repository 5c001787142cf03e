// Package throttle bounds concurrent work and sheds load once a bounded
// wait queue is full.
package throttle

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"chainvault/internal/models"
)

// Gate admits at most limit concurrent holders and at most queueDepth waiters.
type Gate struct {
	name       string
	sem        *semaphore.Weighted
	queueDepth int64
	waiting    atomic.Int64
	active     atomic.Int64
}

// NewGate returns a gate. Non-positive limits fall back to 1; a negative
// queue depth is treated as zero.
func NewGate(name string, limit, queueDepth int) *Gate {
	if limit <= 0 {
		limit = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &Gate{
		name:       name,
		sem:        semaphore.NewWeighted(int64(limit)),
		queueDepth: int64(queueDepth),
	}
}

// Acquire takes a slot, waiting in the queue when none is free. It fails
// with models.ErrOverloaded when the queue is already full.
func (g *Gate) Acquire(ctx context.Context) error {
	if g.sem.TryAcquire(1) {
		g.active.Add(1)
		return nil
	}
	if g.waiting.Add(1) > g.queueDepth {
		g.waiting.Add(-1)
		return fmt.Errorf("%s: %w", g.name, models.ErrOverloaded)
	}
	defer g.waiting.Add(-1)

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.active.Add(1)
	return nil
}

// Release returns a slot taken by Acquire.
func (g *Gate) Release() {
	g.active.Add(-1)
	g.sem.Release(1)
}

// Do runs fn while holding a slot.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}

// Stats reports current holders and waiters.
func (g *Gate) Stats() (active, waiting int64) {
	return g.active.Load(), g.waiting.Load()
}
