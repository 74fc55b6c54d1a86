// Package source defines the Remote Graph Source collaborator: the paginated
// remote read API the build engine traverses, its failure taxonomy, and
// composable wrappers for throttling and circuit breaking.
//
// The engine tolerates partial or failing implementations: every call can
// fail independently and the caller classifies the failure with Classify.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/lineagegraph/lineage/pkg/graph"
)

// DefaultPageSize is the page size used when a caller passes 0.
const DefaultPageSize = 100

// maxPages bounds page draining against a remote that keeps reporting
// HasMore. 10k pages at the default page size is a million children.
const maxPages = 10000

// Detail is the single-node payload returned by GetNodeDetail.
type Detail struct {
	ID graph.NodeID

	ParentA  *graph.NodeID
	ParentB  *graph.NodeID
	AddedBy  string
	MintedAt time.Time
	Tag      string

	Endorsements  uint64
	TotalVersions uint32

	// TokenID is the derived-asset id, 0 if nothing was minted for this
	// node yet.
	TokenID uint64
}

// Record converts the detail payload into a NodeRecord carrying detail-tier
// freshness stamped at now.
func (d *Detail) Record(now time.Time) *graph.NodeRecord {
	endorsements := d.Endorsements
	total := d.TotalVersions
	rec := &graph.NodeRecord{
		ID:            d.ID,
		ParentA:       d.ParentA,
		ParentB:       d.ParentB,
		AddedBy:       d.AddedBy,
		MintedAt:      d.MintedAt,
		Tag:           d.Tag,
		Endorsements:  &endorsements,
		TotalVersions: &total,
	}
	if d.TokenID != 0 {
		token := d.TokenID
		rec.TokenID = &token
	}
	rec.Freshness.Basic = now
	rec.Freshness.Detail = now
	return rec
}

// StrictPage is one page of a strict children listing.
type StrictPage struct {
	Children   []graph.NodeID
	HasMore    bool
	NextOffset int
}

// UnionPage is one page of a union children listing. TotalVersions is a
// side channel: the remote surfaces the parent's version count while paging.
type UnionPage struct {
	Children      []graph.NodeID
	TotalVersions uint32
	HasMore       bool
	NextOffset    int
}

// Enrichment is the secondary detail record keyed by a derived asset id.
type Enrichment struct {
	TokenID   uint64
	Profile   map[string]string
	Narrative []string
}

// Remote is the remote graph source collaborator.
//
// All methods are blocking and honor ctx cancellation. Failures follow the
// package taxonomy: wrap ErrNotFound, ErrRateLimited or ErrNetwork where the
// cause is known; anything else classifies as unknown.
type Remote interface {
	// GetNodeDetail resolves one node. Returns ErrNotFound (wrapped) when
	// the node does not exist upstream.
	GetNodeDetail(ctx context.Context, hash graph.EntityHash, version uint32) (*Detail, error)

	// ListChildrenStrict pages children whose stored parent pointer names
	// exactly (hash, version). Version 0 addresses unversioned children.
	ListChildrenStrict(ctx context.Context, hash graph.EntityHash, version uint32, offset, limit int) (*StrictPage, error)

	// ListChildrenUnion pages children across every version of hash.
	ListChildrenUnion(ctx context.Context, hash graph.EntityHash, offset, limit int) (*UnionPage, error)

	// GetDetailEnrichment resolves the secondary detail record for a
	// derived asset id.
	GetDetailEnrichment(ctx context.Context, tokenID uint64) (*Enrichment, error)
}

// DrainStrict pages through the full strict children listing for
// (hash, version) and returns the collected ids.
func DrainStrict(ctx context.Context, r Remote, hash graph.EntityHash, version uint32, pageSize int) ([]graph.NodeID, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var out []graph.NodeID
	offset := 0
	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("strict listing for %s#%d: exceeded %d pages", hash, version, maxPages)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := r.ListChildrenStrict(ctx, hash, version, offset, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Children...)
		if !p.HasMore {
			return out, nil
		}
		offset = p.NextOffset
	}
}

// DrainUnion pages through the full union children listing for hash and
// returns the collected ids plus the last observed TotalVersions count
// (0 if the remote never surfaced one).
func DrainUnion(ctx context.Context, r Remote, hash graph.EntityHash, pageSize int) ([]graph.NodeID, uint32, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	var out []graph.NodeID
	var total uint32
	offset := 0
	for page := 0; ; page++ {
		if page >= maxPages {
			return nil, 0, fmt.Errorf("union listing for %s: exceeded %d pages", hash, maxPages)
		}
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		p, err := r.ListChildrenUnion(ctx, hash, offset, pageSize)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p.Children...)
		if p.TotalVersions > 0 {
			total = p.TotalVersions
		}
		if !p.HasMore {
			return out, total, nil
		}
		offset = p.NextOffset
	}
}

// DetailKey is the QueryCache key for a node's detail record.
func DetailKey(id graph.NodeID) string {
	return "detail/" + id.String()
}

// EnrichKey is the QueryCache key for a derived asset's enrichment record.
func EnrichKey(tokenID uint64) string {
	return fmt.Sprintf("enrich/%d", tokenID)
}
