package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/lineagegraph/lineage/pkg/graph"
)

// WithRateLimit wraps r with a token-bucket limiter: every remote call
// waits for a token first, so the engine never exceeds rps sustained calls
// per second (bursts up to burst).
func WithRateLimit(r Remote, rps float64, burst int) Remote {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{inner: r, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

type rateLimited struct {
	inner   Remote
	limiter *rate.Limiter
}

func (r *rateLimited) GetNodeDetail(ctx context.Context, hash graph.EntityHash, version uint32) (*Detail, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetNodeDetail(ctx, hash, version)
}

func (r *rateLimited) ListChildrenStrict(ctx context.Context, hash graph.EntityHash, version uint32, offset, limit int) (*StrictPage, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.ListChildrenStrict(ctx, hash, version, offset, limit)
}

func (r *rateLimited) ListChildrenUnion(ctx context.Context, hash graph.EntityHash, offset, limit int) (*UnionPage, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.ListChildrenUnion(ctx, hash, offset, limit)
}

func (r *rateLimited) GetDetailEnrichment(ctx context.Context, tokenID uint64) (*Enrichment, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.GetDetailEnrichment(ctx, tokenID)
}

// BreakerConfig tunes the circuit breaker wrapper.
type BreakerConfig struct {
	// MaxFailures trips the breaker after this many consecutive failures.
	MaxFailures uint32
	// OpenFor is how long the breaker stays open before probing again.
	OpenFor time.Duration
}

// DefaultBreakerConfig returns conservative settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, OpenFor: 15 * time.Second}
}

// WithBreaker wraps r with a circuit breaker. While the breaker is open,
// calls fail fast with an error classifying as rate limited (retry later,
// keep caches). NotFound results do not count as failures.
func WithBreaker(r Remote, cfg BreakerConfig) Remote {
	if cfg.MaxFailures == 0 {
		cfg = DefaultBreakerConfig()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "remote-graph-source",
		Timeout: cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// A missing node is a valid answer, not a source outage.
			return err == nil || errors.Is(err, ErrNotFound)
		},
	})
	return &breakered{inner: r, cb: cb}
}

type breakered struct {
	inner Remote
	cb    *gobreaker.CircuitBreaker
}

func (b *breakered) execute(fn func() (interface{}, error)) (interface{}, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: circuit breaker open", ErrRateLimited)
	}
	return v, err
}

func (b *breakered) GetNodeDetail(ctx context.Context, hash graph.EntityHash, version uint32) (*Detail, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.inner.GetNodeDetail(ctx, hash, version)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Detail), nil
}

func (b *breakered) ListChildrenStrict(ctx context.Context, hash graph.EntityHash, version uint32, offset, limit int) (*StrictPage, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.inner.ListChildrenStrict(ctx, hash, version, offset, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.(*StrictPage), nil
}

func (b *breakered) ListChildrenUnion(ctx context.Context, hash graph.EntityHash, offset, limit int) (*UnionPage, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.inner.ListChildrenUnion(ctx, hash, offset, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.(*UnionPage), nil
}

func (b *breakered) GetDetailEnrichment(ctx context.Context, tokenID uint64) (*Enrichment, error) {
	v, err := b.execute(func() (interface{}, error) {
		return b.inner.GetDetailEnrichment(ctx, tokenID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Enrichment), nil
}
