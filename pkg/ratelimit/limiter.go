// Package ratelimit implements the token-bucket gate of spec.md §4.1 on top
// of golang.org/x/time/rate, the way
// tommy-ca-opensqt_market_maker/order/executor_adapter.go builds its order
// throttle on rate.NewLimiter(rate.Limit(n), burst).
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter wraps rate.Limiter with the two operations the core requires:
// a blocking Acquire and a non-blocking TryAcquire.
type Limiter struct {
	inner *rate.Limiter
}

// New constructs a Limiter allowing requestsPerSecond sustained acquisitions
// with a burst of maxBurst.
func New(requestsPerSecond int, maxBurst int) *Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	if maxBurst <= 0 {
		maxBurst = requestsPerSecond
	}
	return &Limiter{inner: rate.NewLimiter(rate.Limit(requestsPerSecond), maxBurst)}
}

// Acquire blocks the caller until the bucket has capacity or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	return l.inner.Wait(ctx)
}

// TryAcquire returns immediately: true if a token was taken, false if the
// bucket was exhausted.
func (l *Limiter) TryAcquire() bool {
	return l.inner.Allow()
}

// Set adjusts N in place, for runtime reconfiguration against exchange rate
// limit headers.
func (l *Limiter) Set(requestsPerSecond int, maxBurst int) {
	l.inner.SetLimit(rate.Limit(requestsPerSecond))
	l.inner.SetBurst(maxBurst)
}

// Pair bundles the two independent limiters spec.md §4.1 requires: one for
// general requests, one stricter for order-placement requests.
type Pair struct {
	General *Limiter
	Orders  *Limiter
}

func NewPair(generalRPS, generalBurst, orderRPS, orderBurst int) *Pair {
	return &Pair{
		General: New(generalRPS, generalBurst),
		Orders:  New(orderRPS, orderBurst),
	}
}
