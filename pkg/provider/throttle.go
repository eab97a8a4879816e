package provider

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// RateLimit is the provider-declared call budget: calls per seconds.
type RateLimit struct {
	Calls   int     `json:"calls"`
	Seconds float64 `json:"seconds"`
}

// Throttle enforces a provider's rate limit and concurrency cap on every
// upstream call. The zero budget (nil limit, cap ≤ 0) is unlimited.
type Throttle struct {
	limiter *rate.Limiter
	sem     *semaphore.Weighted
}

// NewThrottle builds a Throttle from a declared budget.
func NewThrottle(rl *RateLimit, maxConcurrency int) *Throttle {
	t := &Throttle{}
	if rl != nil && rl.Calls > 0 && rl.Seconds > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(float64(rl.Calls)/rl.Seconds), rl.Calls)
	}
	if maxConcurrency > 0 {
		t.sem = semaphore.NewWeighted(int64(maxConcurrency))
	}
	return t
}

// Acquire blocks until a call slot is available, honoring ctx. The returned
// release must be called when the upstream call completes.
func (t *Throttle) Acquire(ctx context.Context) (release func(), err error) {
	if t.sem != nil {
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			if t.sem != nil {
				t.sem.Release(1)
			}
			return nil, err
		}
	}
	if t.sem != nil {
		return func() { t.sem.Release(1) }, nil
	}
	return func() {}, nil
}
