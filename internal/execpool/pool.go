// Package execpool bounds the number of concurrent backend operations
// (container CLI calls, process launches and signals).
package execpool

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent backend operations using a weighted semaphore.
// Every container runtime call and process launch goes through one shared
// Pool so a burst of deploys cannot fork an unbounded number of children.
type Pool struct {
	sem      *semaphore.Weighted
	limit    int
	inFlight atomic.Int64
}

// New creates a Pool that allows at most limit concurrent operations.
func New(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Run acquires a slot, runs fn, and releases the slot.
// Blocks if all slots are busy. Returns ctx.Err() if the context
// is cancelled while waiting for a slot.
// If the pool is nil, fn is executed directly without concurrency control.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.sem.Release(1)
	}()
	return fn()
}

// InFlight returns the number of operations currently holding a slot.
func (p *Pool) InFlight() int64 {
	if p == nil {
		return 0
	}
	return p.inFlight.Load()
}

// Limit returns the configured concurrency bound.
func (p *Pool) Limit() int {
	if p == nil {
		return 0
	}
	return p.limit
}
