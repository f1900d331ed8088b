// Package limits throttles action submission per proposer. The local
// limiter covers a single node; the redis limiter shares one token
// bucket across a fleet and fails open so a throttling outage never
// blocks the execution path.
package limits

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Policy is a per-proposer token bucket shape.
type Policy struct {
	PerSecond float64 `json:"per_second" yaml:"per_second"`
	Burst     int     `json:"burst" yaml:"burst"`
}

// DefaultPolicy admits bursts of 20 at 10 submissions per second.
var DefaultPolicy = Policy{PerSecond: 10, Burst: 20}

// Limiter gates one submission attempt.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int) (bool, error)
}

// LocalLimiter keeps one in-process token bucket per key.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	policy  Policy
}

func NewLocalLimiter(policy Policy) *LocalLimiter {
	if policy.PerSecond <= 0 {
		policy = DefaultPolicy
	}
	return &LocalLimiter{
		buckets: make(map[string]*rate.Limiter),
		policy:  policy,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, cost int) (bool, error) {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(l.policy.PerSecond), l.policy.Burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()

	if cost <= 0 {
		cost = 1
	}
	return bucket.AllowN(timeNow(), cost), nil
}

// Unlimited never throttles.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string, int) (bool, error) { return true, nil }
