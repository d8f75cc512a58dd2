// ratelimit.go implements token-bucket rate limiting for the index
// provider's API.
//
// The provider meters webhook-management calls per API key. Two buckets are
// kept — reads (webhook fetches) and writes (edits/creates) — refilled
// continuously so bursts of registry churn never trip the hard limit.
package provider

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by provider API category.
type RateLimiter struct {
	Read  *TokenBucket // webhook fetches
	Write *TokenBucket // webhook edits and creates
}

// NewRateLimiter creates rate limiters tuned to the provider's published
// per-key limits, with capacity sized to the burst allowance.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Read:  NewTokenBucket(10, 2),
		Write: NewTokenBucket(5, 1),
	}
}
