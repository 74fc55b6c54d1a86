package build

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lineagegraph/lineage/pkg/graph"
	"github.com/lineagegraph/lineage/pkg/source"
)

func mkHash(b byte) graph.EntityHash {
	var h graph.EntityHash
	h[0] = b
	return h
}

func mkID(b byte, version uint32) graph.NodeID {
	return graph.NodeID{Entity: mkHash(b), Version: version}
}

type harness struct {
	remote    *source.FixtureRemote
	nodes     *graph.NodeStore
	edges     *graph.EdgeStore
	reachable *graph.ReachableSet
}

func newHarness(unionTTL, strictTTL time.Duration) *harness {
	return &harness{
		remote:    source.NewFixtureRemote(),
		nodes:     graph.NewNodeStore(),
		edges:     graph.NewEdgeStore(unionTTL, strictTTL),
		reachable: graph.NewReachableSet(),
	}
}

func (h *harness) session(opts Options, onProgress func(Progress)) *Session {
	return New(opts, h.remote, h.nodes, h.edges, h.reachable, zap.NewNop(), onProgress)
}

// seedNode registers a detail payload so the node can serve as a root.
func (h *harness) seedNode(id graph.NodeID) {
	h.remote.AddDetail(&source.Detail{ID: id, Endorsements: 1})
}

func TestSession_BFSScenario(t *testing.T) {
	// Root 0xAA#1 with strict children [0xBB#1, 0xCC#1]: a BFS session
	// visits all three and reports depth 2.
	h := newHarness(time.Second, time.Second)
	root := mkID(0xAA, 1)
	h.seedNode(root)
	h.remote.LinkStrict(root, mkID(0xBB, 1))
	h.remote.LinkStrict(root, mkID(0xCC, 1))

	var last Progress
	sess := h.session(Options{Root: root, Order: BFS, MaxVisited: 100}, func(p Progress) { last = p })
	res, err := sess.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, 3, res.Visited)
	assert.Equal(t, 2, res.MaxDepth)
	assert.False(t, res.CapHit)
	assert.Equal(t, StateCommitted, last.State)
	assert.Equal(t, 3, last.Visited)

	for _, id := range []graph.NodeID{root, mkID(0xBB, 1), mkID(0xCC, 1)} {
		assert.True(t, h.reachable.Has(id), "reachable must contain %s", id)
		_, ok := h.nodes.Get(id)
		assert.True(t, ok, "node store must contain %s", id)
	}

	// Root record was enriched by the root check.
	rec, _ := h.nodes.Get(root)
	require.NotNil(t, rec.Endorsements)
	assert.Equal(t, uint64(1), *rec.Endorsements)

	// Strict edge entry committed for the root.
	entry, _, ok := h.edges.Strict(root)
	require.True(t, ok)
	assert.Len(t, entry.Children, 2)
}

func TestSession_VisitsEachNodeExactlyOnce(t *testing.T) {
	// Diamond DAG: root → B, C; B → D; C → D. D must be visited once
	// regardless of order policy.
	for _, order := range []Order{BFS, DFS} {
		t.Run(order.String(), func(t *testing.T) {
			h := newHarness(time.Second, time.Second)
			root := mkID(0xAA, 1)
			b, c, d := mkID(0xBB, 1), mkID(0xCC, 1), mkID(0xDD, 1)
			h.seedNode(root)
			h.remote.LinkStrict(root, b)
			h.remote.LinkStrict(root, c)
			h.remote.LinkStrict(b, d)
			h.remote.LinkStrict(c, d)

			sess := h.session(Options{Root: root, Order: order}, nil)
			res, err := sess.Run(context.Background())
			require.NoError(t, err)

			assert.Equal(t, 4, res.Visited)
			assert.Equal(t, 4, h.reachable.Len())
		})
	}
}

func TestSession_HardCapTerminates(t *testing.T) {
	// A 50-node chain with a cycle back to the root; the cap bounds the
	// walk and capping is not an error.
	h := newHarness(time.Second, time.Second)
	root := mkID(1, 1)
	h.seedNode(root)
	prev := root
	for i := byte(2); i <= 50; i++ {
		next := mkID(i, 1)
		h.remote.LinkStrict(prev, next)
		prev = next
	}
	h.remote.LinkStrict(prev, root) // cycle

	sess := h.session(Options{Root: root, MaxVisited: 10}, nil)
	res, err := sess.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateCommitted, res.State)
	assert.True(t, res.CapHit)
	assert.LessOrEqual(t, res.Visited, 10)
	assert.LessOrEqual(t, h.reachable.Len(), 10)
}

func TestSession_RootNotFoundIsClean(t *testing.T) {
	h := newHarness(time.Second, time.Second)
	// Pre-existing reachable state from an earlier root must be replaced.
	h.reachable.Add(mkID(0x99, 1))

	sess := h.session(Options{Root: mkID(0xAA, 1)}, nil)
	res, err := sess.Run(context.Background())

	require.NoError(t, err, "missing root is terminal-clean")
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, 0, res.Visited)
	assert.Equal(t, 0, h.reachable.Len())
}

func TestSession_RootCheckFailureDoesNotCorruptCaches(t *testing.T) {
	h := newHarness(time.Second, time.Second)
	root := mkID(0xAA, 1)
	h.seedNode(root)

	// Existing cache state that must survive the failed session.
	h.edges.PutStrict(&graph.EdgeEntryStrict{Parent: root, Children: []graph.NodeID{mkID(0xBB, 1)}, FetchedAt: time.Now()})
	h.reachable.Add(root)

	h.remote.FailWith("detail", fmt.Errorf("upstream: %w", source.ErrNetwork))
	sess := h.session(Options{Root: root}, nil)
	res, err := sess.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "network error", res.Message)

	_, _, ok := h.edges.Strict(root)
	assert.True(t, ok, "failed root check must leave edge cache intact")
	assert.True(t, h.reachable.Has(root), "failed root check must leave reachable set intact")
}

func TestSession_ChildFetchFailureSkipsNodeOnly(t *testing.T) {
	h := newHarness(time.Second, time.Second)
	root := mkID(0xAA, 1)
	h.seedNode(root)
	h.remote.LinkStrict(root, mkID(0xBB, 1))
	h.remote.FailWith("strict", fmt.Errorf("flaky: %w", source.ErrNetwork))

	sess := h.session(Options{Root: root}, nil)
	res, err := sess.Run(context.Background())

	require.NoError(t, err, "per-node fetch failure must not abort the session")
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, 1, res.Visited)
	assert.True(t, h.reachable.Has(root))
}

func TestSession_UnionModeBackfillsTotalVersions(t *testing.T) {
	h := newHarness(time.Second, time.Second)
	root := mkID(0xAA, 2)
	h.seedNode(root)
	h.remote.LinkUnionOnly(root.Entity, mkID(0xBB, 1))
	h.remote.SetTotalVersions(root.Entity, 5)

	// Another version of the root entity already known to the store.
	sibling := mkID(0xAA, 1)
	h.nodes.Ensure(sibling)

	sess := h.session(Options{Root: root, Mode: ModeUnion}, nil)
	res, err := sess.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Visited)

	for _, id := range []graph.NodeID{root, sibling} {
		rec, ok := h.nodes.Get(id)
		require.True(t, ok, "missing %s", id)
		require.NotNil(t, rec.TotalVersions, "missing back-filled count on %s", id)
		assert.Equal(t, uint32(5), *rec.TotalVersions)
	}

	entry, _, ok := h.edges.Union(root.Entity)
	require.True(t, ok)
	assert.Equal(t, uint32(5), entry.TotalVersions)
}

func TestSession_IncludeUnversionedMergesSentinelChildren(t *testing.T) {
	h := newHarness(time.Second, time.Second)
	root := mkID(0xAA, 1)
	h.seedNode(root)
	h.remote.LinkStrict(root, mkID(0xCC, 1))
	// Child attached to the unversioned sentinel parent, present in both
	// listings to exercise de-duplication.
	h.remote.LinkStrict(root.Sentinel(), mkID(0xBB, 1))
	h.remote.LinkStrict(root.Sentinel(), mkID(0xCC, 1))

	sess := h.session(Options{Root: root, IncludeUnversioned: true}, nil)
	res, err := sess.Run(context.Background())
	require.NoError(t, err)

	// root + 0xBB#1 + 0xCC#1, with 0xCC#1 counted once.
	assert.Equal(t, 3, res.Visited)
	assert.True(t, h.reachable.Has(mkID(0xBB, 1)))
	assert.True(t, h.reachable.Has(mkID(0xCC, 1)))
}

func TestSession_StrictSubsetOfUnion(t *testing.T) {
	// After both listings succeed for the same parent, every strict child
	// is present in the union entry.
	h := newHarness(time.Minute, time.Minute)
	root := mkID(0xAA, 2)
	h.seedNode(root)
	h.remote.LinkStrict(root, mkID(0xBB, 1))
	h.remote.LinkUnionOnly(root.Entity, mkID(0xCC, 1)) // other-version child

	strictSess := h.session(Options{Root: root, Mode: ModeStrict}, nil)
	_, err := strictSess.Run(context.Background())
	require.NoError(t, err)

	unionSess := h.session(Options{Root: root, Mode: ModeUnion, Revision: 1}, nil)
	_, err = unionSess.Run(context.Background())
	require.NoError(t, err)

	strictEntry, _, ok := h.edges.Strict(root)
	require.True(t, ok)
	unionEntry, _, ok := h.edges.Union(root.Entity)
	require.True(t, ok)

	unionSet := make(map[graph.NodeID]bool)
	for _, id := range unionEntry.Children {
		unionSet[id] = true
	}
	for _, id := range strictEntry.Children {
		assert.True(t, unionSet[id], "strict child %s missing from union", id)
	}
}

// gatedRemote blocks strict listings until released, so tests can hold a
// revalidation in flight.
type gatedRemote struct {
	*source.FixtureRemote
	gate chan struct{}
}

func (g *gatedRemote) ListChildrenStrict(ctx context.Context, hash graph.EntityHash, version uint32, offset, limit int) (*source.StrictPage, error) {
	<-g.gate
	return g.FixtureRemote.ListChildrenStrict(ctx, hash, version, offset, limit)
}

func TestSession_StaleServedWhileRevalidatedOnce(t *testing.T) {
	h := newHarness(time.Second, time.Second)
	root := mkID(0xAA, 1)
	h.seedNode(root)
	updated := mkID(0xBB, 2)
	h.remote.LinkStrict(root, updated)

	t0 := time.Unix(1000, 0)
	now := t0.Add(time.Hour) // far past the 1s TTL
	h.edges.SetClock(func() time.Time { return now })

	stale := []graph.NodeID{mkID(0xBB, 1)}
	h.edges.PutStrict(&graph.EdgeEntryStrict{Parent: root, Children: stale, FetchedAt: t0})

	gated := &gatedRemote{FixtureRemote: h.remote, gate: make(chan struct{})}
	sess := New(Options{Root: root}, gated, h.nodes, h.edges, h.reachable, zap.NewNop(), nil)

	ctx := context.Background()
	first, err := sess.strictChildren(ctx, root)
	require.NoError(t, err)
	second, err := sess.strictChildren(ctx, root)
	require.NoError(t, err)

	// Both reads served the stale value immediately.
	assert.Equal(t, stale, first)
	assert.Equal(t, stale, second)

	close(gated.gate)
	sess.Wait()

	// Exactly one background refresh hit the remote.
	assert.Equal(t, 1, h.remote.Calls("strict/"+root.String()))

	entry, _, ok := h.edges.Strict(root)
	require.True(t, ok)
	assert.Equal(t, []graph.NodeID{updated}, entry.Children)
}

func TestSession_CancellationKeepsFlushedBatches(t *testing.T) {
	h := newHarness(time.Second, time.Second)
	root := mkID(1, 1)
	h.seedNode(root)
	prev := root
	for i := byte(2); i <= 20; i++ {
		next := mkID(i, 1)
		h.remote.LinkStrict(prev, next)
		prev = next
	}

	ctx, cancel := context.WithCancel(context.Background())
	var flushes int
	sess := h.session(Options{Root: root, BatchSize: 1}, func(p Progress) {
		if p.State == StateTraversing {
			flushes++
			if flushes == 3 {
				cancel()
			}
		}
	})

	res, err := sess.Run(ctx)
	require.NoError(t, err, "cancellation is cooperative, not an error")
	assert.Equal(t, StateCancelled, res.State)

	// Batches flushed before the cancel remain valid.
	assert.GreaterOrEqual(t, h.reachable.Len(), 1)
	assert.Less(t, h.reachable.Len(), 20, "cancelled session must not have finished the walk")
}

func TestSession_SecondLookupUsesBufferedEntry(t *testing.T) {
	// Two versioned parents sharing the sentinel: the sentinel listing is
	// fetched once and reused from the session-local buffer.
	h := newHarness(time.Minute, time.Minute)
	root := mkID(0xAA, 1)
	h.seedNode(root)
	v2 := mkID(0xAA, 2)
	h.remote.LinkStrict(root, v2)

	sess := h.session(Options{Root: root, IncludeUnversioned: true}, nil)
	_, err := sess.Run(context.Background())
	require.NoError(t, err)

	// Sentinel 0xAA#0 consulted for both 0xAA#1 and 0xAA#2, fetched once.
	assert.Equal(t, 1, h.remote.Calls("strict/"+root.Sentinel().String()))
}
