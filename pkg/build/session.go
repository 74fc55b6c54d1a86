// Package build implements the traversal engine: one Session incrementally
// materializes the reachable subgraph under a root node by walking the
// frontier through the edge caches, fetching misses from the remote source,
// and committing batched upserts into the node/edge stores.
//
// A session is a state machine:
//
//	Idle → RootCheck → Traversing → Committed | Failed | Cancelled
//
// Root-check failures abort the session; per-node child fetch failures
// during traversal only skip that node's children and the walk continues.
// Stale edge entries are served immediately while a background revalidation
// is scheduled at most once per key (stale-while-revalidate).
package build

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lineagegraph/lineage/pkg/graph"
	"github.com/lineagegraph/lineage/pkg/source"
)

// Order selects the frontier policy.
type Order int

const (
	// BFS visits the graph breadth-first (frontier is a queue).
	BFS Order = iota
	// DFS visits the graph depth-first (frontier is a stack).
	DFS
)

func (o Order) String() string {
	if o == DFS {
		return "dfs"
	}
	return "bfs"
}

// ChildMode selects which adjacency cache drives the traversal.
type ChildMode int

const (
	// ModeStrict walks children whose parent pointer names the exact
	// parent version.
	ModeStrict ChildMode = iota
	// ModeUnion walks children across every version of the parent hash.
	ModeUnion
)

func (m ChildMode) String() string {
	if m == ModeUnion {
		return "union"
	}
	return "strict"
}

// State is the session lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRootCheck
	StateTraversing
	StateCommitted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRootCheck:
		return "root-check"
	case StateTraversing:
		return "traversing"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "idle"
	}
}

// Defaults applied when an Options field is zero.
const (
	DefaultMaxVisited    = 10000
	DefaultBatchSize     = 50
	DefaultBatchInterval = 200 * time.Millisecond
)

// Options parameterize one traversal run. The tuple (Root, Order, Mode,
// Revision) identifies the session; a new session with a different tuple
// supersedes the previous one.
type Options struct {
	Root graph.NodeID

	Order Order
	Mode  ChildMode

	// IncludeUnversioned merges the sentinel version-0 strict children of
	// each parent entity into its versioned strict child set (de-duplicated,
	// sorted). Strict mode only.
	IncludeUnversioned bool

	// MaxVisited is the hard visit cap. Hitting it is not an error: the
	// session ends early with whatever was collected.
	MaxVisited int

	// BatchSize / BatchInterval bound commit frequency: buffered upserts
	// flush every BatchSize visits or every BatchInterval, whichever comes
	// first.
	BatchSize     int
	BatchInterval time.Duration

	// PageSize for remote children listings.
	PageSize int

	// Revision distinguishes otherwise-identical runs after invalidation.
	Revision uint64
}

// Key returns the session identity tuple for logging and supersession.
func (o Options) Key() string {
	return fmt.Sprintf("%s/%s/%s/r%d", o.Root, o.Order, o.Mode, o.Revision)
}

func (o Options) withDefaults() Options {
	if o.MaxVisited <= 0 {
		o.MaxVisited = DefaultMaxVisited
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = DefaultBatchInterval
	}
	if o.PageSize <= 0 {
		o.PageSize = source.DefaultPageSize
	}
	return o
}

// Progress is emitted on the same cadence as commits.
type Progress struct {
	State   State
	Visited int
	Depth   int
}

// Result summarizes a finished session.
type Result struct {
	State    State
	Visited  int
	MaxDepth int
	CapHit   bool
	Message  string
}

// Session runs one traversal. Create with New, run once with Run.
type Session struct {
	opts       Options
	remote     source.Remote
	nodes      *graph.NodeStore
	edges      *graph.EdgeStore
	reachable  *graph.ReachableSet
	log        *zap.Logger
	now        func() time.Time
	onProgress func(Progress)

	// Commit buffers. Flushed together so downstream observers see
	// traversal-order batches, never single-node flicker.
	pendingNodes  []*graph.NodeRecord
	pendingStrict []*graph.EdgeEntryStrict
	pendingUnion  []*graph.EdgeEntryUnion
	pendingReach  []graph.NodeID
	pendingTotals map[graph.EntityHash]uint32
	lastFlush     time.Time

	// Session-local view of buffered-but-unflushed edge entries, so a
	// second lookup within the same session does not refetch.
	localStrict map[graph.NodeID]*graph.EdgeEntryStrict
	localUnion  map[graph.EntityHash]*graph.EdgeEntryUnion

	visited  int
	maxDepth int

	reval sync.WaitGroup
}

// New creates a session over the given stores. onProgress may be nil.
func New(opts Options, remote source.Remote, nodes *graph.NodeStore, edges *graph.EdgeStore, reachable *graph.ReachableSet, log *zap.Logger, onProgress func(Progress)) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		opts:          opts.withDefaults(),
		remote:        remote,
		nodes:         nodes,
		edges:         edges,
		reachable:     reachable,
		log:           log.With(zap.String("session", opts.Key())),
		now:           time.Now,
		onProgress:    onProgress,
		pendingTotals: make(map[graph.EntityHash]uint32),
		localStrict:   make(map[graph.NodeID]*graph.EdgeEntryStrict),
		localUnion:    make(map[graph.EntityHash]*graph.EdgeEntryUnion),
	}
}

// SetClock overrides the time source. Tests only.
func (s *Session) SetClock(now func() time.Time) {
	s.now = now
}

// Wait blocks until background revalidations scheduled by this session have
// finished. Run does not wait for them.
func (s *Session) Wait() {
	s.reval.Wait()
}

type frontierItem struct {
	id    graph.NodeID
	depth int
}

// Run executes the session to a terminal state.
//
// The returned error is non-nil only for Failed sessions (root-check or
// setup failures). A missing root is terminal-clean: Committed with an
// empty reachable set and no error. Cancellation yields StateCancelled with
// no error; batches flushed before the cancel remain valid.
func (s *Session) Run(ctx context.Context) (*Result, error) {
	root, err := s.rootCheck(ctx)
	if err != nil {
		kind := source.Classify(err)
		if kind == source.FailureNotFound {
			s.reachable.Reset()
			s.emit(StateCommitted)
			return &Result{State: StateCommitted, Message: "root not found"}, nil
		}
		s.log.Warn("root check failed", zap.String("kind", kind.String()), zap.Error(err))
		return &Result{State: StateFailed, Message: kind.String()}, fmt.Errorf("root check: %w", err)
	}

	// The reachable set is replaced only at the start of a new session;
	// during the session it grows monotonically batch by batch.
	s.reachable.Reset()
	s.pendingNodes = append(s.pendingNodes, root.Record(s.now()))
	s.lastFlush = s.now()

	frontier := []frontierItem{{id: s.opts.Root, depth: 1}}
	seen := map[graph.NodeID]struct{}{s.opts.Root: {}}
	capHit := false

	for len(frontier) > 0 {
		if ctx.Err() != nil {
			s.log.Info("session cancelled", zap.Int("visited", s.visited))
			return &Result{State: StateCancelled, Visited: s.visited, MaxDepth: s.maxDepth}, nil
		}

		var item frontierItem
		if s.opts.Order == DFS {
			item = frontier[len(frontier)-1]
			frontier = frontier[:len(frontier)-1]
		} else {
			item = frontier[0]
			frontier = frontier[1:]
		}

		s.visited++
		if item.depth > s.maxDepth {
			s.maxDepth = item.depth
		}
		s.pendingReach = append(s.pendingReach, item.id)

		children, err := s.children(ctx, item.id)
		if err != nil {
			// One bad parent never aborts the walk; the node stays without
			// resolved children and the frontier continues.
			s.log.Warn("children fetch failed",
				zap.String("node", item.id.String()),
				zap.String("kind", source.Classify(err).String()),
				zap.Error(err))
		}
		for _, child := range children {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			s.pendingNodes = append(s.pendingNodes, &graph.NodeRecord{ID: child})
			frontier = append(frontier, frontierItem{id: child, depth: item.depth + 1})
		}

		if s.visited >= s.opts.MaxVisited {
			capHit = true
			s.log.Info("visit cap reached", zap.Int("cap", s.opts.MaxVisited))
			break
		}
		if len(s.pendingReach) >= s.opts.BatchSize || s.now().Sub(s.lastFlush) >= s.opts.BatchInterval {
			s.flush(ctx)
		}
	}

	s.flush(ctx)
	if ctx.Err() != nil {
		// The frontier may drain naturally after a cancelled fetch; that is
		// still a cancelled session, not a committed one.
		s.log.Info("session cancelled", zap.Int("visited", s.visited))
		return &Result{State: StateCancelled, Visited: s.visited, MaxDepth: s.maxDepth}, nil
	}
	s.emit(StateCommitted)
	return &Result{
		State:    StateCommitted,
		Visited:  s.visited,
		MaxDepth: s.maxDepth,
		CapHit:   capHit,
	}, nil
}

func (s *Session) rootCheck(ctx context.Context) (*source.Detail, error) {
	s.emit(StateRootCheck)
	return s.remote.GetNodeDetail(ctx, s.opts.Root.Entity, s.opts.Root.Version)
}

// children resolves the child set for id according to the session mode.
func (s *Session) children(ctx context.Context, id graph.NodeID) ([]graph.NodeID, error) {
	if s.opts.Mode == ModeUnion {
		return s.unionChildren(ctx, id.Entity)
	}

	children, err := s.strictChildren(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.opts.IncludeUnversioned && !id.IsSentinel() {
		sentinel, serr := s.strictChildren(ctx, id.Sentinel())
		if serr != nil {
			// The versioned result stands on its own; the sentinel merge is
			// best-effort.
			s.log.Debug("sentinel children fetch failed",
				zap.String("node", id.String()), zap.Error(serr))
		} else {
			children = graph.MergeNodeIDs(children, sentinel)
		}
	}
	return children, nil
}

func (s *Session) strictChildren(ctx context.Context, id graph.NodeID) ([]graph.NodeID, error) {
	if local, ok := s.localStrict[id]; ok {
		return local.Children, nil
	}
	if entry, fresh, ok := s.edges.Strict(id); ok {
		if !fresh {
			s.scheduleStrictReval(ctx, id)
		}
		return entry.Children, nil
	}

	ids, err := source.DrainStrict(ctx, s.remote, id.Entity, id.Version, s.opts.PageSize)
	if err != nil {
		return nil, err
	}
	entry := &graph.EdgeEntryStrict{
		Parent:     id,
		Children:   ids,
		FetchedAt:  s.now(),
		TotalCount: len(ids),
	}
	s.localStrict[id] = entry
	s.pendingStrict = append(s.pendingStrict, entry)
	return ids, nil
}

func (s *Session) unionChildren(ctx context.Context, hash graph.EntityHash) ([]graph.NodeID, error) {
	if local, ok := s.localUnion[hash]; ok {
		return local.Children, nil
	}
	if entry, fresh, ok := s.edges.Union(hash); ok {
		if !fresh {
			s.scheduleUnionReval(ctx, hash)
		}
		return entry.Children, nil
	}

	ids, total, err := source.DrainUnion(ctx, s.remote, hash, s.opts.PageSize)
	if err != nil {
		return nil, err
	}
	entry := &graph.EdgeEntryUnion{
		Parent:        hash,
		Children:      ids,
		FetchedAt:     s.now(),
		TotalVersions: total,
	}
	s.localUnion[hash] = entry
	s.pendingUnion = append(s.pendingUnion, entry)
	if total > 0 {
		s.pendingTotals[hash] = total
	}
	return ids, nil
}

// scheduleStrictReval kicks off a fire-and-forget refresh of a stale strict
// entry. The EdgeStore revalidation slot guarantees at most one concurrent
// refresh per key, even when the same stale entry is read twice in a row.
func (s *Session) scheduleStrictReval(ctx context.Context, id graph.NodeID) {
	if !s.edges.TryBeginRevalidateStrict(id) {
		return
	}
	s.reval.Add(1)
	go func() {
		defer s.reval.Done()
		defer s.edges.EndRevalidateStrict(id)
		ids, err := source.DrainStrict(ctx, s.remote, id.Entity, id.Version, s.opts.PageSize)
		if err != nil {
			s.log.Debug("strict revalidation failed", zap.String("node", id.String()), zap.Error(err))
			return
		}
		s.edges.PutStrict(&graph.EdgeEntryStrict{
			Parent:     id,
			Children:   ids,
			FetchedAt:  s.now(),
			TotalCount: len(ids),
		})
	}()
}

func (s *Session) scheduleUnionReval(ctx context.Context, hash graph.EntityHash) {
	if !s.edges.TryBeginRevalidateUnion(hash) {
		return
	}
	s.reval.Add(1)
	go func() {
		defer s.reval.Done()
		defer s.edges.EndRevalidateUnion(hash)
		ids, total, err := source.DrainUnion(ctx, s.remote, hash, s.opts.PageSize)
		if err != nil {
			s.log.Debug("union revalidation failed", zap.String("entity", hash.String()), zap.Error(err))
			return
		}
		s.edges.PutUnion(&graph.EdgeEntryUnion{
			Parent:        hash,
			Children:      ids,
			FetchedAt:     s.now(),
			TotalVersions: total,
		})
		if total > 0 {
			s.nodes.BackfillTotalVersions(hash, total)
		}
	}()
}

// flush commits the buffered batch. Nothing is committed after the context
// is cancelled; batches flushed earlier stay in place (no rollback).
func (s *Session) flush(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if len(s.pendingNodes) == 0 && len(s.pendingReach) == 0 &&
		len(s.pendingStrict) == 0 && len(s.pendingUnion) == 0 {
		return
	}

	s.nodes.UpsertBatch(s.pendingNodes)
	for hash, total := range s.pendingTotals {
		s.nodes.BackfillTotalVersions(hash, total)
	}
	s.edges.PutBatch(s.pendingUnion, s.pendingStrict)
	s.reachable.AddBatch(s.pendingReach)

	s.pendingNodes = nil
	s.pendingStrict = nil
	s.pendingUnion = nil
	s.pendingReach = nil
	s.pendingTotals = make(map[graph.EntityHash]uint32)
	s.lastFlush = s.now()

	s.emit(StateTraversing)
}

func (s *Session) emit(state State) {
	if s.onProgress == nil {
		return
	}
	s.onProgress(Progress{State: state, Visited: s.visited, Depth: s.maxDepth})
}
