// Package cache provides a keyed TTL cache for remote read results with
// at-most-one-concurrent-fetch-per-key semantics.
//
// Features:
//   - TTL freshness: a fresh entry is returned without touching the remote
//   - In-flight coalescing: concurrent callers for the same key share one
//     underlying fetch (singleflight)
//   - Failures are propagated to all waiters and never cached
//   - Hit/miss/inflight counters for observability
//
// Usage:
//
//	qc := cache.New[*source.Detail]()
//
//	detail, err := qc.Get(ctx, "detail/0xAA#1", 30*time.Second,
//		func(ctx context.Context) (*source.Detail, error) {
//			return remote.GetNodeDetail(ctx, hash, 1)
//		})
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// QueryCache is a thread-safe keyed cache for values of type T.
//
// Get serves fresh entries synchronously, coalesces concurrent misses for
// the same key into a single fetcher invocation, and stores only successful
// results. A fetcher failure releases the in-flight slot so the next call
// retries.
type QueryCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]entry[T]
	flight  singleflight.Group
	now     func() time.Time

	inflight int64
	hits     uint64
	misses   uint64
}

type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// New creates an empty QueryCache.
func New[T any]() *QueryCache[T] {
	return &QueryCache[T]{
		entries: make(map[string]entry[T]),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (c *QueryCache[T]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the cached value for key if fresh (now - fetchedAt <= ttl),
// otherwise invokes fetch. Concurrent callers for the same key share one
// fetch; every waiter receives the same result or the same error. A ttl of
// zero or less means entries never expire.
func (c *QueryCache[T]) Get(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := c.lookup(key, ttl); ok {
		atomic.AddUint64(&c.hits, 1)
		return v, nil
	}
	atomic.AddUint64(&c.misses, 1)

	v, err, _ := c.flight.Do(key, func() (interface{}, error) {
		// A racing caller may have filled the entry while we waited for the
		// flight slot.
		if v, ok := c.lookup(key, ttl); ok {
			return v, nil
		}

		atomic.AddInt64(&c.inflight, 1)
		defer atomic.AddInt64(&c.inflight, -1)

		val, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, val)
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Peek returns the cached value without freshness checks or fetching.
func (c *QueryCache[T]) Peek(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Put stores value under key with fetchedAt = now, bypassing the fetcher
// path. Used when a value was obtained as a side effect of another call.
func (c *QueryCache[T]) Put(key string, value T) {
	c.store(key, value)
}

// Clear removes the entry for key and forgets any in-flight fetch for it,
// so the next Get starts a fresh fetch.
func (c *QueryCache[T]) Clear(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	c.flight.Forget(key)
}

// ClearAll removes every entry.
func (c *QueryCache[T]) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[T])
}

// InflightCount reports the number of fetches currently pending.
func (c *QueryCache[T]) InflightCount() int {
	return int(atomic.LoadInt64(&c.inflight))
}

// Len returns the number of stored entries.
func (c *QueryCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats holds cache counters.
type Stats struct {
	Entries  int
	Hits     uint64
	Misses   uint64
	Inflight int
}

// Stats returns current counters.
func (c *QueryCache[T]) Stats() Stats {
	return Stats{
		Entries:  c.Len(),
		Hits:     atomic.LoadUint64(&c.hits),
		Misses:   atomic.LoadUint64(&c.misses),
		Inflight: c.InflightCount(),
	}
}

func (c *QueryCache[T]) lookup(key string, ttl time.Duration) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if ttl > 0 && c.now().After(e.fetchedAt.Add(ttl)) {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (c *QueryCache[T]) store(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[T]{value: value, fetchedAt: c.now()}
}
