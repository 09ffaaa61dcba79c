// Package oncefetch coalesces concurrent lookups of a slow external resource
// and caches the results, so a burst of interest in one key costs a single
// upstream call.
package oncefetch

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = 30 * time.Second

// FetchFunc loads the value for a key from the upstream source.
type FetchFunc[T any] func(ctx context.Context, key string) (T, error)

type outcome[T any] struct {
	v   T
	err error
}

type Fetcher[T any] struct {
	fetch FetchFunc[T]
	cache *gocache.Cache

	mu sync.Mutex
	// waiters per in-flight key; the fetching caller broadcasts its result
	// to everyone who arrived while the fetch was running
	waiters map[string][]chan outcome[T]
}

// New creates a Fetcher that caches successful results for ttl. Errors are
// never cached; the next Get retries upstream.
func New[T any](fetch FetchFunc[T], ttl time.Duration) *Fetcher[T] {
	return &Fetcher[T]{
		fetch:   fetch,
		cache:   gocache.New(ttl, defaultCleanupInterval),
		waiters: make(map[string][]chan outcome[T]),
	}
}

// Get returns the cached value for key or fetches it upstream. Concurrent
// calls for the same key share one upstream call; every caller gets the same
// result.
func (f *Fetcher[T]) Get(ctx context.Context, key string) (T, error) {
	if v, ok := f.cache.Get(key); ok {
		return v.(T), nil
	}

	f.mu.Lock()
	if _, inflight := f.waiters[key]; inflight {
		done := make(chan outcome[T], 1)
		f.waiters[key] = append(f.waiters[key], done)
		f.mu.Unlock()

		select {
		case res := <-done:
			return res.v, res.err
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
	// the cache may have been filled before we took the lock
	if v, ok := f.cache.Get(key); ok {
		f.mu.Unlock()
		return v.(T), nil
	}
	f.waiters[key] = nil
	f.mu.Unlock()

	v, err := f.fetch(ctx, key)
	if err == nil {
		f.cache.SetDefault(key, v)
	}

	f.mu.Lock()
	followers := f.waiters[key]
	delete(f.waiters, key)
	f.mu.Unlock()

	for _, done := range followers {
		done <- outcome[T]{v: v, err: err}
	}
	return v, err
}
