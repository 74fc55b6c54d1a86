package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// Coalescing Tests
// =============================================================================

func TestQueryCache_CoalescesConcurrentFetches(t *testing.T) {
	c := New[string]()
	ctx := context.Background()

	var calls int64
	started := make(chan struct{})
	release := make(chan struct{})

	fetch := func(ctx context.Context) (string, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			close(started)
		}
		<-release
		return "value", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(ctx, "k", time.Minute, fetch)
		}(i)
	}

	<-started
	// All ten callers are now either waiting on the flight or about to join.
	time.Sleep(10 * time.Millisecond)
	if got := c.InflightCount(); got != 1 {
		t.Errorf("InflightCount = %d, want 1", got)
	}
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("fetcher invoked %d times, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d error: %v", i, errs[i])
		}
		if results[i] != "value" {
			t.Errorf("caller %d result = %q", i, results[i])
		}
	}
	if c.InflightCount() != 0 {
		t.Error("inflight count not released")
	}
}

func TestQueryCache_ErrorNotCached(t *testing.T) {
	c := New[string]()
	ctx := context.Background()
	boom := errors.New("boom")

	var calls int
	_, err := c.Get(ctx, "k", time.Minute, func(ctx context.Context) (string, error) {
		calls++
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if c.Len() != 0 {
		t.Error("failed fetch left an entry")
	}

	// The in-flight slot must be released: a second call retries.
	v, err := c.Get(ctx, "k", time.Minute, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("retry: v=%q err=%v", v, err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

// =============================================================================
// TTL Tests
// =============================================================================

func TestQueryCache_TTL(t *testing.T) {
	c := New[int]()
	ctx := context.Background()

	t0 := time.Unix(1000, 0)
	now := t0
	c.SetClock(func() time.Time { return now })

	ttl := time.Second
	calls := 0
	fetch := func(ctx context.Context) (int, error) {
		calls++
		return calls, nil
	}

	if v, _ := c.Get(ctx, "k", ttl, fetch); v != 1 {
		t.Fatalf("first get = %d, want 1", v)
	}

	t.Run("fresh just inside TTL", func(t *testing.T) {
		now = t0.Add(ttl - time.Millisecond)
		v, _ := c.Get(ctx, "k", ttl, fetch)
		if v != 1 || calls != 1 {
			t.Errorf("v=%d calls=%d, want cached value without refetch", v, calls)
		}
	})

	t.Run("stale just past TTL", func(t *testing.T) {
		now = t0.Add(ttl + time.Millisecond)
		v, _ := c.Get(ctx, "k", ttl, fetch)
		if v != 2 || calls != 2 {
			t.Errorf("v=%d calls=%d, want refetched value", v, calls)
		}
	})
}

func TestQueryCache_ZeroTTLNeverExpires(t *testing.T) {
	c := New[int]()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	c.SetClock(func() time.Time { return now })

	calls := 0
	fetch := func(ctx context.Context) (int, error) { calls++; return calls, nil }

	c.Get(ctx, "k", 0, fetch)
	now = now.Add(1000 * time.Hour)
	v, _ := c.Get(ctx, "k", 0, fetch)
	if v != 1 || calls != 1 {
		t.Errorf("zero-TTL entry expired: v=%d calls=%d", v, calls)
	}
}

// =============================================================================
// Clear / Stats Tests
// =============================================================================

func TestQueryCache_Clear(t *testing.T) {
	c := New[int]()
	ctx := context.Background()
	calls := 0
	fetch := func(ctx context.Context) (int, error) { calls++; return calls, nil }

	c.Get(ctx, "a", time.Minute, fetch)
	c.Get(ctx, "b", time.Minute, fetch)

	c.Clear("a")
	if _, ok := c.Peek("a"); ok {
		t.Error("cleared key still present")
	}
	if _, ok := c.Peek("b"); !ok {
		t.Error("Clear removed unrelated key")
	}

	c.ClearAll()
	if c.Len() != 0 {
		t.Error("ClearAll left entries")
	}
}

func TestQueryCache_Stats(t *testing.T) {
	c := New[int]()
	ctx := context.Background()
	fetch := func(ctx context.Context) (int, error) { return 1, nil }

	c.Get(ctx, "k", time.Minute, fetch) // miss
	c.Get(ctx, "k", time.Minute, fetch) // hit

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Entries != 1 || s.Inflight != 0 {
		t.Errorf("stats = %+v, want 1 hit, 1 miss, 1 entry", s)
	}
}

func TestQueryCache_Put(t *testing.T) {
	c := New[string]()
	c.Put("k", "side-channel")

	v, err := c.Get(context.Background(), "k", time.Minute, func(ctx context.Context) (string, error) {
		t.Error("fetch should not run for a fresh Put value")
		return "", nil
	})
	if err != nil || v != "side-channel" {
		t.Errorf("v=%q err=%v", v, err)
	}
}
