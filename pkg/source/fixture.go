package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/lineagegraph/lineage/pkg/graph"
)

// FixtureRemote is a deterministic in-memory Remote used by tests and the
// CLI demo. Edges and details are registered up front (or mutated mid-test
// to simulate upstream events), pages are sliced from the registered order,
// and failures can be injected per method. Call counts are tracked per
// method and per method+key so tests can assert exactly how many remote
// reads happened.
type FixtureRemote struct {
	mu      sync.Mutex
	details map[graph.NodeID]*Detail
	strict  map[graph.NodeID][]graph.NodeID
	union   map[graph.EntityHash][]graph.NodeID
	totals  map[graph.EntityHash]uint32
	enrich  map[uint64]*Enrichment

	calls    map[string]int
	failures map[string]error
}

// NewFixtureRemote creates an empty fixture.
func NewFixtureRemote() *FixtureRemote {
	return &FixtureRemote{
		details:  make(map[graph.NodeID]*Detail),
		strict:   make(map[graph.NodeID][]graph.NodeID),
		union:    make(map[graph.EntityHash][]graph.NodeID),
		totals:   make(map[graph.EntityHash]uint32),
		enrich:   make(map[uint64]*Enrichment),
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
}

// AddDetail registers a node detail payload.
func (f *FixtureRemote) AddDetail(d *Detail) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[d.ID] = d
}

// LinkStrict appends child to parent's strict listing and to the parent
// entity's union listing.
func (f *FixtureRemote) LinkStrict(parent, child graph.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strict[parent] = append(f.strict[parent], child)
	f.union[parent.Entity] = append(f.union[parent.Entity], child)
}

// LinkUnionOnly appends child to the union listing for hash without any
// strict entry, modeling a child attached to a different parent version.
func (f *FixtureRemote) LinkUnionOnly(hash graph.EntityHash, child graph.NodeID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.union[hash] = append(f.union[hash], child)
}

// SetTotalVersions sets the version count the union listing surfaces.
func (f *FixtureRemote) SetTotalVersions(hash graph.EntityHash, total uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.totals[hash] = total
}

// AddEnrichment registers an enrichment record.
func (f *FixtureRemote) AddEnrichment(e *Enrichment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enrich[e.TokenID] = e
}

// FailWith injects err for every subsequent call of method ("detail",
// "strict", "union", "enrich"). Pass nil to clear.
func (f *FixtureRemote) FailWith(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

// Calls returns the observed call count for a method ("strict") or a
// method+key ("strict/0x..#1").
func (f *FixtureRemote) Calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *FixtureRemote) record(method, key string) error {
	f.calls[method]++
	f.calls[method+"/"+key]++
	return f.failures[method]
}

func (f *FixtureRemote) GetNodeDetail(ctx context.Context, hash graph.EntityHash, version uint32) (*Detail, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := graph.NodeID{Entity: hash, Version: version}
	if err := f.record("detail", id.String()); err != nil {
		return nil, err
	}
	d, ok := f.details[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	copied := *d
	return &copied, nil
}

func (f *FixtureRemote) ListChildrenStrict(ctx context.Context, hash graph.EntityHash, version uint32, offset, limit int) (*StrictPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	id := graph.NodeID{Entity: hash, Version: version}
	if err := f.record("strict", id.String()); err != nil {
		return nil, err
	}
	children, hasMore, next := slicePage(f.strict[id], offset, limit)
	return &StrictPage{Children: children, HasMore: hasMore, NextOffset: next}, nil
}

func (f *FixtureRemote) ListChildrenUnion(ctx context.Context, hash graph.EntityHash, offset, limit int) (*UnionPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("union", hash.String()); err != nil {
		return nil, err
	}
	children, hasMore, next := slicePage(f.union[hash], offset, limit)
	return &UnionPage{
		Children:      children,
		TotalVersions: f.totals[hash],
		HasMore:       hasMore,
		NextOffset:    next,
	}, nil
}

func (f *FixtureRemote) GetDetailEnrichment(ctx context.Context, tokenID uint64) (*Enrichment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("enrich", fmt.Sprintf("%d", tokenID)); err != nil {
		return nil, err
	}
	e, ok := f.enrich[tokenID]
	if !ok {
		return nil, fmt.Errorf("token %d: %w", tokenID, ErrNotFound)
	}
	copied := *e
	return &copied, nil
}

func slicePage(ids []graph.NodeID, offset, limit int) ([]graph.NodeID, bool, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if offset >= len(ids) {
		return nil, false, offset
	}
	end := offset + limit
	if end > len(ids) {
		end = len(ids)
	}
	page := append([]graph.NodeID(nil), ids[offset:end]...)
	return page, end < len(ids), end
}
