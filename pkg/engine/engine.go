// Package engine is the top-level facade: one Engine owns the in-memory
// working set for a single scope (endpoint, source, chain), hydrates it from
// durable storage on startup, runs build sessions over it, applies
// invalidations, and persists snapshots in the background.
//
// Reads and operations wait for hydration to finish, so a caller never
// observes an authoritative-empty working set that merely has not loaded
// yet. If durable storage fails, the engine degrades to memory-only and
// keeps serving.
//
// Example:
//
//	eng := engine.New(cfg, remote, store, logger)
//	defer eng.Close()
//	result, err := eng.Refresh(ctx, root)
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lineagegraph/lineage/pkg/blob"
	"github.com/lineagegraph/lineage/pkg/build"
	"github.com/lineagegraph/lineage/pkg/cache"
	"github.com/lineagegraph/lineage/pkg/config"
	"github.com/lineagegraph/lineage/pkg/graph"
	"github.com/lineagegraph/lineage/pkg/invalidate"
	"github.com/lineagegraph/lineage/pkg/source"
)

// Status is a point-in-time view of the engine for CLIs and health surfaces.
type Status struct {
	Scope     string `json:"scope"`
	Hydrating bool   `json:"hydrating"`
	Degraded  bool   `json:"degraded,omitempty"`

	// Last session observed.
	State   string `json:"state"`
	Visited int    `json:"visited"`
	Depth   int    `json:"depth"`
	Message string `json:"message,omitempty"`

	Nodes       int `json:"nodes"`
	UnionEdges  int `json:"union_edges"`
	StrictEdges int `json:"strict_edges"`
	Reachable   int `json:"reachable"`
}

// Engine is the scoped facade over the stores, caches and collaborators.
type Engine struct {
	cfg    *config.Config
	remote source.Remote
	store  blob.Store
	log    *zap.Logger
	now    func() time.Time

	scope blob.Scope

	nodes     *graph.NodeStore
	edges     *graph.EdgeStore
	reachable *graph.ReachableSet
	details   *cache.QueryCache[*source.Detail]
	enrich    *cache.QueryCache[*source.Enrichment]
	inval     *invalidate.Engine

	// ready is closed once hydration finishes (successfully or degraded).
	ready    chan struct{}
	degraded atomic.Bool

	revision atomic.Uint64

	sessMu        sync.Mutex
	cancelCurrent context.CancelFunc

	statMu   sync.Mutex
	lastProg build.Progress
	lastMsg  string

	stopPersist chan struct{}
	loops       sync.WaitGroup
	closeOnce   sync.Once
}

// New creates an engine for cfg.Scope. The remote is wrapped with the
// configured rate limiter and circuit breaker. store may be nil for a
// purely in-memory engine. Hydration starts immediately in the background;
// operations block until it finishes.
func New(cfg *config.Config, remote source.Remote, store blob.Store, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Remote.RateLimit > 0 {
		remote = source.WithRateLimit(remote, cfg.Remote.RateLimit, cfg.Remote.RateBurst)
	}
	if cfg.Remote.BreakerEnabled {
		remote = source.WithBreaker(remote, source.BreakerConfig{
			MaxFailures: cfg.Remote.BreakerMaxFailures,
			OpenFor:     cfg.Remote.BreakerOpenFor.Std(),
		})
	}

	e := &Engine{
		cfg:    cfg,
		remote: remote,
		store:  store,
		log:    log.Named("engine"),
		now:    time.Now,
		scope: blob.Scope{
			Endpoint: cfg.Scope.Endpoint,
			Source:   cfg.Scope.Source,
			Chain:    cfg.Scope.Chain,
		},
		nodes:       graph.NewNodeStore(),
		edges:       graph.NewEdgeStore(cfg.Cache.UnionTTL.Std(), cfg.Cache.StrictTTL.Std()),
		reachable:   graph.NewReachableSet(),
		details:     cache.New[*source.Detail](),
		enrich:      cache.New[*source.Enrichment](),
		ready:       make(chan struct{}),
		stopPersist: make(chan struct{}),
	}
	e.inval = invalidate.New(e.nodes, e.edges, e.details, e.enrich, e.remote, e.reachable, cfg.Build.PageSize, e.log)

	go e.hydrateAsync()
	if e.store != nil && cfg.Storage.PersistInterval.Std() > 0 {
		e.loops.Add(1)
		go e.persistLoop(cfg.Storage.PersistInterval.Std())
	}
	return e
}

// SetClock overrides the time source for the engine and its stores. Tests
// only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.edges.SetClock(now)
	e.details.SetClock(now)
	e.enrich.SetClock(now)
	e.inval.SetClock(now)
}

// Ready blocks until hydration finished or ctx is done.
func (e *Engine) Ready(ctx context.Context) error {
	return e.waitReady(ctx)
}

// waitReady blocks until hydration finished or ctx is done.
func (e *Engine) waitReady(ctx context.Context) error {
	select {
	case <-e.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) hydrateAsync() {
	defer close(e.ready)
	if e.store == nil {
		return
	}
	if err := e.hydrate(context.Background()); err != nil {
		// Storage trouble never blocks the engine: serve memory-only.
		e.degraded.Store(true)
		e.log.Warn("hydration failed, running memory-only", zap.Error(err))
	}
}

// Refresh runs a build session from root using the configured traversal
// defaults. A Refresh supersedes any session still in flight: the older run
// is cancelled (its flushed batches stay) and the new one proceeds under a
// fresh revision.
func (e *Engine) Refresh(ctx context.Context, root graph.NodeID) (*build.Result, error) {
	if err := e.waitReady(ctx); err != nil {
		return nil, err
	}

	order, err := build.ParseOrder(e.cfg.Build.Order)
	if err != nil {
		return nil, err
	}
	mode, err := build.ParseChildMode(e.cfg.Build.Mode)
	if err != nil {
		return nil, err
	}
	opts := build.Options{
		Root:               root,
		Order:              order,
		Mode:               mode,
		IncludeUnversioned: e.cfg.Build.IncludeUnversioned,
		MaxVisited:         e.cfg.Build.MaxVisited,
		BatchSize:          e.cfg.Build.BatchSize,
		BatchInterval:      e.cfg.Build.BatchInterval.Std(),
		PageSize:           e.cfg.Build.PageSize,
		Revision:           e.revision.Add(1),
	}

	e.sessMu.Lock()
	if e.cancelCurrent != nil {
		e.cancelCurrent()
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancelCurrent = cancel
	sess := build.New(opts, e.remote, e.nodes, e.edges, e.reachable, e.log, e.observeProgress)
	e.sessMu.Unlock()
	defer cancel()

	res, err := sess.Run(runCtx)
	e.statMu.Lock()
	e.lastProg = build.Progress{State: res.State, Visited: res.Visited, Depth: res.MaxDepth}
	e.lastMsg = res.Message
	e.statMu.Unlock()
	return res, err
}

func (e *Engine) observeProgress(p build.Progress) {
	e.statMu.Lock()
	e.lastProg = p
	e.statMu.Unlock()
}

// NodeDetail returns the record for id, lazily fetching the remote detail
// when the cached copy is missing or expired. The fetched payload is merged
// into the node store, so partial fields accumulated earlier survive.
func (e *Engine) NodeDetail(ctx context.Context, id graph.NodeID) (*graph.NodeRecord, error) {
	if err := e.waitReady(ctx); err != nil {
		return nil, err
	}
	detail, err := e.details.Get(ctx, source.DetailKey(id), e.cfg.Cache.DetailTTL.Std(), func(ctx context.Context) (*source.Detail, error) {
		return e.remote.GetNodeDetail(ctx, id.Entity, id.Version)
	})
	if err != nil {
		// Whatever we already know about the node is still servable.
		if rec, ok := e.nodes.Get(id); ok {
			return rec, err
		}
		return nil, err
	}
	e.nodes.Upsert(detail.Record(e.now()))
	rec, _ := e.nodes.Get(id)
	return rec, nil
}

// Enrichment returns the derived-asset enrichment for tokenID, cached with
// the enrichment TTL.
func (e *Engine) Enrichment(ctx context.Context, tokenID uint64) (*source.Enrichment, error) {
	if err := e.waitReady(ctx); err != nil {
		return nil, err
	}
	return e.enrich.Get(ctx, source.EnrichKey(tokenID), e.cfg.Cache.EnrichmentTTL.Std(), func(ctx context.Context) (*source.Enrichment, error) {
		return e.remote.GetDetailEnrichment(ctx, tokenID)
	})
}

// Node returns the stored record for id without touching the remote.
func (e *Engine) Node(ctx context.Context, id graph.NodeID) (*graph.NodeRecord, bool, error) {
	if err := e.waitReady(ctx); err != nil {
		return nil, false, err
	}
	rec, ok := e.nodes.Get(id)
	return rec, ok, nil
}

// StrictChildren returns the cached strict adjacency for id, plus its
// freshness, without fetching.
func (e *Engine) StrictChildren(ctx context.Context, id graph.NodeID) (*graph.EdgeEntryStrict, bool, error) {
	if err := e.waitReady(ctx); err != nil {
		return nil, false, err
	}
	entry, _, ok := e.edges.Strict(id)
	return entry, ok, nil
}

// UnionChildren returns the cached union adjacency for hash without
// fetching.
func (e *Engine) UnionChildren(ctx context.Context, hash graph.EntityHash) (*graph.EdgeEntryUnion, bool, error) {
	if err := e.waitReady(ctx); err != nil {
		return nil, false, err
	}
	entry, _, ok := e.edges.Union(hash)
	return entry, ok, nil
}

// Reachable reports whether id is in the current reachable set.
func (e *Engine) Reachable(ctx context.Context, id graph.NodeID) (bool, error) {
	if err := e.waitReady(ctx); err != nil {
		return false, err
	}
	return e.reachable.Has(id), nil
}

// InvalidateByMutation applies one observed remote mutation: the stale keys
// are dropped and, where reachable, eagerly repaired. See package
// invalidate for the per-kind semantics.
func (e *Engine) InvalidateByMutation(ctx context.Context, m invalidate.Mutation) error {
	if err := e.waitReady(ctx); err != nil {
		return err
	}
	return e.inval.Apply(ctx, m)
}

// ClearAllCaches wipes the in-memory working set and the scope's durable
// snapshots.
func (e *Engine) ClearAllCaches(ctx context.Context) error {
	if err := e.waitReady(ctx); err != nil {
		return err
	}
	e.nodes.Clear()
	e.edges.Clear()
	e.reachable.Reset()
	e.details.ClearAll()
	e.enrich.ClearAll()

	if e.store == nil {
		return nil
	}
	var firstErr error
	for _, name := range snapshotNames {
		if err := e.store.Delete(ctx, e.scope.Key(name)); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete %s snapshot: %w", name, err)
		}
	}
	return firstErr
}

// SwitchScope persists the current working set, resets everything in
// memory, and re-hydrates under the new scope. Blocks until the new scope
// is loaded.
func (e *Engine) SwitchScope(ctx context.Context, endpoint, src, chain string) error {
	if err := e.waitReady(ctx); err != nil {
		return err
	}
	if e.store != nil && !e.degraded.Load() {
		if err := e.persist(ctx); err != nil {
			e.log.Warn("persist before scope switch failed", zap.Error(err))
		}
	}

	e.nodes.Clear()
	e.edges.Clear()
	e.reachable.Reset()
	e.details.ClearAll()
	e.enrich.ClearAll()
	e.statMu.Lock()
	e.lastProg = build.Progress{}
	e.lastMsg = ""
	e.statMu.Unlock()

	e.scope = blob.Scope{Endpoint: endpoint, Source: src, Chain: chain}
	e.cfg.Scope = config.ScopeConfig{Endpoint: endpoint, Source: src, Chain: chain}

	if e.store == nil {
		return nil
	}
	if err := e.hydrate(ctx); err != nil {
		e.degraded.Store(true)
		e.log.Warn("hydration for new scope failed, running memory-only", zap.Error(err))
	}
	return nil
}

// Status returns the current engine state. Does not block on hydration.
func (e *Engine) Status() Status {
	hydrating := true
	select {
	case <-e.ready:
		hydrating = false
	default:
	}

	e.statMu.Lock()
	prog, msg := e.lastProg, e.lastMsg
	e.statMu.Unlock()

	unions, stricts := e.edges.Len()
	return Status{
		Scope:       e.scope.Prefix(),
		Hydrating:   hydrating,
		Degraded:    e.degraded.Load(),
		State:       prog.State.String(),
		Visited:     prog.Visited,
		Depth:       prog.Depth,
		Message:     msg,
		Nodes:       e.nodes.Len(),
		UnionEdges:  unions,
		StrictEdges: stricts,
		Reachable:   e.reachable.Len(),
	}
}

func (e *Engine) persistLoop(interval time.Duration) {
	defer e.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if e.degraded.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := e.persist(ctx); err != nil {
				e.log.Warn("periodic persist failed", zap.Error(err))
			}
			cancel()
		case <-e.stopPersist:
			return
		}
	}
}

// Close cancels any running session, stops the persistence loop, writes a
// final snapshot, and closes the blob store.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.sessMu.Lock()
		if e.cancelCurrent != nil {
			e.cancelCurrent()
		}
		e.sessMu.Unlock()

		close(e.stopPersist)
		e.loops.Wait()

		<-e.ready
		if e.store != nil {
			if !e.degraded.Load() {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if perr := e.persist(ctx); perr != nil {
					e.log.Warn("final persist failed", zap.Error(perr))
					err = perr
				}
				cancel()
			}
			if cerr := e.store.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}
