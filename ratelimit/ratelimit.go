// Package ratelimit provides keyed admission control for outbound endpoints.
//
// Every key owns a token bucket. Refill is lazy: available tokens are derived
// from the time elapsed since the last call, there are no background timers.
// A rejected acquire is a normal backpressure signal, not an error, and does
// not consume tokens.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed admits or rejects calls per key in O(1) time with O(1) state per
// distinct key. Buckets are created on first use and keep a stable identity
// for the lifetime of the process. Safe for arbitrary concurrent callers on
// the same key.
type Keyed struct {
	refill   rate.Limit
	capacity int

	buckets sync.Map // map[string]*rate.Limiter
}

// NewKeyed creates a limiter where each key refills at refill tokens per
// second up to capacity tokens.
func NewKeyed(refill rate.Limit, capacity int) *Keyed {
	return &Keyed{
		refill:   refill,
		capacity: capacity,
	}
}

func (k *Keyed) bucket(key string) *rate.Limiter {
	if v, ok := k.buckets.Load(key); ok {
		return v.(*rate.Limiter)
	}
	v, _ := k.buckets.LoadOrStore(key, rate.NewLimiter(k.refill, k.capacity))
	return v.(*rate.Limiter)
}

// TryAcquire attempts to take cost tokens from the key's bucket. It never
// blocks. On rejection the bucket is left untouched so the caller can retry
// after backing off.
func (k *Keyed) TryAcquire(key string, cost int) bool {
	return k.bucket(key).AllowN(time.Now(), cost)
}

// Tokens reports the number of whole tokens currently available for key.
// Intended for metrics and tests.
func (k *Keyed) Tokens(key string) int {
	return int(k.bucket(key).Tokens())
}
