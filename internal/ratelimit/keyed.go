// Package ratelimit holds token buckets keyed by caller or entity.
package ratelimit

import (
	"context"
	"sync"

	"caresync/internal/config"

	"golang.org/x/time/rate"
)

const defaultBurst = 5

// Keyed lazily creates one token bucket per key. A non-positive RPS turns
// every call into a no-op.
type Keyed struct {
	buckets sync.Map
	limit   rate.Limit
	burst   int
}

func NewKeyed(cfg config.RateLimitConfig) *Keyed {
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &Keyed{limit: rate.Limit(cfg.RPS), burst: burst}
}

func (k *Keyed) enabled() bool {
	return k != nil && k.limit > 0
}

// Allow takes a token for key without blocking.
func (k *Keyed) Allow(key string) bool {
	if !k.enabled() {
		return true
	}
	return k.bucket(key).Allow()
}

// Wait blocks until key has a token or ctx is done.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	if !k.enabled() {
		return nil
	}
	return k.bucket(key).Wait(ctx)
}

func (k *Keyed) bucket(key string) *rate.Limiter {
	if v, ok := k.buckets.Load(key); ok {
		return v.(*rate.Limiter)
	}
	v, _ := k.buckets.LoadOrStore(key, rate.NewLimiter(k.limit, k.burst))
	return v.(*rate.Limiter)
}
