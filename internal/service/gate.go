package service

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ConcurrencyGate bounds the number of in-flight generative requests so
// lightweight routes (health, metrics) stay responsive under load.
// A weighted semaphore of size hardMax is the actual limiter; target is a
// soft preference surfaced as a gauge, not a second limiter: requests beyond
// target but within hardMax proceed, incrementing a near-capacity counter.
type ConcurrencyGate struct {
	sem      *semaphore.Weighted
	target   int64
	hardMax  int64
	inFlight int64
	nearCap  int64
}

// NewConcurrencyGate creates a gate with the given soft target and hard max.
func NewConcurrencyGate(target, hardMax int) *ConcurrencyGate {
	if hardMax <= 0 {
		hardMax = 8
	}
	if target <= 0 || target > hardMax {
		target = 4
	}
	return &ConcurrencyGate{
		sem:     semaphore.NewWeighted(int64(hardMax)),
		target:  int64(target),
		hardMax: int64(hardMax),
	}
}

// Acquire blocks until a slot is available or ctx is cancelled. The returned
// release func must be called exactly once.
func (g *ConcurrencyGate) Acquire(ctx context.Context) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	n := atomic.AddInt64(&g.inFlight, 1)
	if n > g.target {
		atomic.AddInt64(&g.nearCap, 1)
	}
	return func() {
		atomic.AddInt64(&g.inFlight, -1)
		g.sem.Release(1)
	}, nil
}

// InFlight returns the current number of admitted requests.
func (g *ConcurrencyGate) InFlight() int { return int(atomic.LoadInt64(&g.inFlight)) }

// Limit returns the hard maximum.
func (g *ConcurrencyGate) Limit() int { return int(g.hardMax) }

// Target returns the configured soft preference.
func (g *ConcurrencyGate) Target() int { return int(g.target) }

// NearCapacityCount returns how many admissions have exceeded the soft target.
func (g *ConcurrencyGate) NearCapacityCount() int64 { return atomic.LoadInt64(&g.nearCap) }
