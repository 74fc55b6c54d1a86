// Package invalidate translates observed remote mutations into the minimal
// set of cache keys to drop, then repairs exactly those keys instead of
// forcing a full re-traversal.
//
// Supported mutation kinds:
//
//   - VersionAdded: a new version of an entity was submitted upstream. The
//     parents' union and strict (including sentinel) edge keys and the
//     parents' detail entries go stale.
//   - VersionEndorsed: a node's endorsement count changed; only that node's
//     detail entry goes stale.
//   - DetailMinted: a derived asset was minted for a node; the node's
//     detail entry and the asset's enrichment entry go stale.
//
// Dropped edge keys that sit inside the current reachable set are eagerly
// refetched and newly-discovered children are spliced into the stores and
// the reachable set. Per-key refresh failures are isolated: the key stays
// dropped (cold, not silently stale) and the remaining keys in the batch
// are still processed.
package invalidate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lineagegraph/lineage/pkg/cache"
	"github.com/lineagegraph/lineage/pkg/graph"
	"github.com/lineagegraph/lineage/pkg/source"
)

// Kind names a remote mutation event.
type Kind int

const (
	VersionAdded Kind = iota
	VersionEndorsed
	DetailMinted
)

func (k Kind) String() string {
	switch k {
	case VersionAdded:
		return "version-added"
	case VersionEndorsed:
		return "version-endorsed"
	case DetailMinted:
		return "detail-minted"
	default:
		return "unknown"
	}
}

// Mutation describes one observed remote event.
type Mutation struct {
	Kind Kind

	// Node is the node the event names: the newly-added version, the
	// endorsed node, or the node a derived asset was minted for.
	Node graph.NodeID

	// Parents of the added version, when the event carries them.
	ParentA *graph.NodeID
	ParentB *graph.NodeID

	// TokenID is the derived-asset id for DetailMinted events.
	TokenID uint64
}

// Engine applies mutations to the working set.
type Engine struct {
	nodes     *graph.NodeStore
	edges     *graph.EdgeStore
	details   *cache.QueryCache[*source.Detail]
	enrich    *cache.QueryCache[*source.Enrichment]
	remote    source.Remote
	reachable *graph.ReachableSet
	pageSize  int
	log       *zap.Logger
	now       func() time.Time
}

// New creates an invalidation engine over the same stores a build session
// writes to.
func New(nodes *graph.NodeStore, edges *graph.EdgeStore, details *cache.QueryCache[*source.Detail], enrich *cache.QueryCache[*source.Enrichment], remote source.Remote, reachable *graph.ReachableSet, pageSize int, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if pageSize <= 0 {
		pageSize = source.DefaultPageSize
	}
	return &Engine{
		nodes:     nodes,
		edges:     edges,
		details:   details,
		enrich:    enrich,
		remote:    remote,
		reachable: reachable,
		pageSize:  pageSize,
		log:       log,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Apply drops the cache keys made stale by m and repairs the ones inside
// the current reachable set. The returned error aggregates per-key refresh
// failures; the corresponding keys remain dropped and every other key in
// the batch was still processed. Callers may respond to a non-nil error
// with a coarse full-session refresh.
func (e *Engine) Apply(ctx context.Context, m Mutation) error {
	log := e.log.With(zap.String("mutation", m.Kind.String()), zap.String("node", m.Node.String()))

	switch m.Kind {
	case VersionAdded:
		return e.applyVersionAdded(ctx, m, log)
	case VersionEndorsed:
		e.details.Clear(source.DetailKey(m.Node))
		e.nodes.ClearDetailFreshness(m.Node)
		log.Debug("detail cache invalidated")
		return nil
	case DetailMinted:
		e.details.Clear(source.DetailKey(m.Node))
		e.nodes.ClearDetailFreshness(m.Node)
		if m.TokenID != 0 {
			e.enrich.Clear(source.EnrichKey(m.TokenID))
		}
		log.Debug("detail and enrichment caches invalidated")
		return nil
	default:
		return fmt.Errorf("unknown mutation kind %d", m.Kind)
	}
}

func (e *Engine) applyVersionAdded(ctx context.Context, m Mutation, log *zap.Logger) error {
	var errs []error

	for _, parent := range []*graph.NodeID{m.ParentA, m.ParentB} {
		if parent == nil {
			continue
		}
		p := *parent

		// Drop first: even if the refetch below fails, the keys must read
		// as cold rather than stale.
		e.edges.DropUnion(p.Entity)
		e.edges.DropStrict(p)
		e.edges.DropStrict(p.Sentinel())
		e.details.Clear(source.DetailKey(p))
		e.details.Clear(source.DetailKey(p.Sentinel()))
		e.nodes.ClearDetailFreshness(p)

		if !e.parentReachable(p) {
			log.Debug("parent outside reachable set, left cold", zap.String("parent", p.String()))
			continue
		}

		if err := e.refetchStrict(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("strict %s: %w", p, err))
			log.Warn("strict refetch failed, key stays cold", zap.String("parent", p.String()), zap.Error(err))
		}
		if err := e.refetchStrict(ctx, p.Sentinel()); err != nil {
			errs = append(errs, fmt.Errorf("strict %s: %w", p.Sentinel(), err))
			log.Warn("sentinel refetch failed, key stays cold", zap.String("parent", p.String()), zap.Error(err))
		}
		if err := e.refetchUnion(ctx, p.Entity); err != nil {
			errs = append(errs, fmt.Errorf("union %s: %w", p.Entity, err))
			log.Warn("union refetch failed, key stays cold", zap.String("parent", p.String()), zap.Error(err))
		}
	}

	// The new version itself reads as needing detail refresh; the next
	// lazy read picks it up.
	e.nodes.ClearDetailFreshness(m.Node)

	return errors.Join(errs...)
}

// parentReachable reports whether the parent node, or any stored version of
// its entity, is inside the current reachable set. Union keys are
// entity-scoped, so any reachable version makes the entity's keys worth
// repairing eagerly.
func (e *Engine) parentReachable(p graph.NodeID) bool {
	if e.reachable.Has(p) || e.reachable.Has(p.Sentinel()) {
		return true
	}
	for _, id := range e.nodes.IDsForEntity(p.Entity) {
		if e.reachable.Has(id) {
			return true
		}
	}
	return false
}

func (e *Engine) refetchStrict(ctx context.Context, p graph.NodeID) error {
	ids, err := source.DrainStrict(ctx, e.remote, p.Entity, p.Version, e.pageSize)
	if err != nil {
		return err
	}
	e.edges.PutStrict(&graph.EdgeEntryStrict{
		Parent:     p,
		Children:   ids,
		FetchedAt:  e.now(),
		TotalCount: len(ids),
	})
	e.splice(ids)
	return nil
}

func (e *Engine) refetchUnion(ctx context.Context, hash graph.EntityHash) error {
	ids, total, err := source.DrainUnion(ctx, e.remote, hash, e.pageSize)
	if err != nil {
		return err
	}
	e.edges.PutUnion(&graph.EdgeEntryUnion{
		Parent:        hash,
		Children:      ids,
		FetchedAt:     e.now(),
		TotalVersions: total,
	})
	if total > 0 {
		e.nodes.BackfillTotalVersions(hash, total)
	}
	e.splice(ids)
	return nil
}

// splice folds newly-discovered children into the node store and the
// reachable set without a re-traversal.
func (e *Engine) splice(ids []graph.NodeID) {
	for _, id := range ids {
		e.nodes.Ensure(id)
		e.reachable.Add(id)
	}
}
