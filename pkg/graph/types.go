// Package graph defines the data model for the lineage working set: node
// identities, progressively-enriched node records, and the two adjacency
// entry kinds (union and strict), together with the in-memory stores that
// hold them.
//
// The model mirrors a remotely-stored genealogy DAG. Every entity is
// addressed by a 32-byte content hash, and every concrete revision of an
// entity by a (hash, version) pair. Records arrive incrementally: identity
// first, relationship and statistic fields as detail calls resolve, derived
// profile data last. Stores merge on write and never let a partial write
// clear a previously-known field.
//
// Example:
//
//	nodes := graph.NewNodeStore()
//	id := graph.NodeID{Entity: hash, Version: 1}
//	nodes.Ensure(id) // placeholder, identity only
//
//	rec := &graph.NodeRecord{ID: id, Tag: "v1-final"}
//	rec.Freshness.Detail = time.Now()
//	nodes.Upsert(rec) // merges, preserves anything already known
package graph

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// HashSize is the length in bytes of an entity content hash.
const HashSize = 32

// EntityHash is the 32-byte content hash addressing one entity across all of
// its versions.
type EntityHash [HashSize]byte

// ParseEntityHash decodes a 64-character hex string (an optional "0x" prefix
// is accepted) into an EntityHash.
func ParseEntityHash(s string) (EntityHash, error) {
	var h EntityHash
	s = strings.TrimPrefix(s, "0x")
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("entity hash: want %d hex chars, got %d", HashSize*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("entity hash: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

// String returns the hash as 0x-prefixed hex.
func (h EntityHash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler (hex, no prefix).
func (h EntityHash) MarshalText() ([]byte, error) {
	dst := make([]byte, HashSize*2)
	hex.Encode(dst, h[:])
	return dst, nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *EntityHash) UnmarshalText(text []byte) error {
	parsed, err := ParseEntityHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// IsZero reports whether the hash is all zeroes.
func (h EntityHash) IsZero() bool {
	return h == EntityHash{}
}

// UnversionedSentinel is the reserved version index meaning "unversioned/any".
const UnversionedSentinel = 0

// NodeID identifies one concrete version of an entity.
//
// Version 0 is the reserved sentinel for "unversioned": it addresses
// children whose parent pointer does not name a specific version. NodeID is
// comparable and usable as a map key; ordering is lexicographic on
// (Entity, Version).
type NodeID struct {
	Entity  EntityHash `json:"entity"`
	Version uint32     `json:"version"`
}

// Sentinel returns the version-0 id for the same entity.
func (id NodeID) Sentinel() NodeID {
	return NodeID{Entity: id.Entity}
}

// IsSentinel reports whether the id carries the unversioned sentinel version.
func (id NodeID) IsSentinel() bool {
	return id.Version == UnversionedSentinel
}

// Compare orders ids lexicographically on (Entity, Version).
// Returns -1, 0, or +1.
func (id NodeID) Compare(other NodeID) int {
	if c := bytes.Compare(id.Entity[:], other.Entity[:]); c != 0 {
		return c
	}
	switch {
	case id.Version < other.Version:
		return -1
	case id.Version > other.Version:
		return 1
	default:
		return 0
	}
}

// String renders "0x<hash>#<version>".
func (id NodeID) String() string {
	return fmt.Sprintf("%s#%d", id.Entity, id.Version)
}

// SortNodeIDs sorts ids in place in (Entity, Version) order.
func SortNodeIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
}

// MergeNodeIDs combines two id slices into a sorted, de-duplicated result.
// When the same id appears in both inputs it is emitted once.
func MergeNodeIDs(a, b []NodeID) []NodeID {
	out := make([]NodeID, 0, len(a)+len(b))
	seen := make(map[NodeID]struct{}, len(a)+len(b))
	for _, ids := range [2][]NodeID{a, b} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	SortNodeIDs(out)
	return out
}

// Freshness tracks per-tier fetch timestamps for a NodeRecord.
//
// Each tier is revalidated independently: Basic marks when the identity was
// first confirmed, Detail when relationship/statistic fields were last
// fetched, Enrichment when the derived profile was last fetched. A zero
// time means "never fetched" for that tier.
type Freshness struct {
	Basic      time.Time `json:"basic,omitzero"`
	Detail     time.Time `json:"detail,omitzero"`
	Enrichment time.Time `json:"enrichment,omitzero"`
}

// merge keeps the newer timestamp per tier.
func (f *Freshness) merge(other Freshness) {
	if other.Basic.After(f.Basic) {
		f.Basic = other.Basic
	}
	if other.Detail.After(f.Detail) {
		f.Detail = other.Detail
	}
	if other.Enrichment.After(f.Enrichment) {
		f.Enrichment = other.Enrichment
	}
}

// NodeRecord is the progressively-enriched attribute record for one NodeID.
//
// Identity (the ID field) is present from creation. Relationship fields
// (parents, AddedBy, MintedAt, Tag), statistics (Endorsements,
// TotalVersions) and derived fields (TokenID, Profile, Narrative) fill in
// opportunistically as detail and enrichment calls succeed. Optional scalar
// fields use pointers so a merge can tell "unknown" apart from zero.
//
// Invariant: once a field holds a value it is only replaced by a newer
// successful fetch, never cleared by a miss.
type NodeRecord struct {
	ID NodeID `json:"id"`

	// Relationship tier.
	ParentA  *NodeID   `json:"parent_a,omitempty"`
	ParentB  *NodeID   `json:"parent_b,omitempty"`
	AddedBy  string    `json:"added_by,omitempty"`
	MintedAt time.Time `json:"minted_at,omitzero"`
	Tag      string    `json:"tag,omitempty"`

	// Statistic tier.
	Endorsements  *uint64 `json:"endorsements,omitempty"`
	TotalVersions *uint32 `json:"total_versions,omitempty"`

	// Derived/enrichment tier.
	TokenID   *uint64           `json:"token_id,omitempty"`
	Profile   map[string]string `json:"profile,omitempty"`
	Narrative []string          `json:"narrative,omitempty"`

	Freshness Freshness `json:"freshness"`
}

// Clone returns a deep copy safe to hand to consumers.
func (r *NodeRecord) Clone() *NodeRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.ParentA = cloneID(r.ParentA)
	out.ParentB = cloneID(r.ParentB)
	out.Endorsements = cloneVal(r.Endorsements)
	out.TotalVersions = cloneVal(r.TotalVersions)
	out.TokenID = cloneVal(r.TokenID)
	if r.Profile != nil {
		out.Profile = make(map[string]string, len(r.Profile))
		for k, v := range r.Profile {
			out.Profile[k] = v
		}
	}
	if r.Narrative != nil {
		out.Narrative = append([]string(nil), r.Narrative...)
	}
	return &out
}

// Merge folds src into r. Non-zero scalar fields and non-nil optionals
// overwrite; absent fields in src leave r untouched. Freshness timestamps
// always keep the newer value per tier.
func (r *NodeRecord) Merge(src *NodeRecord) {
	if src == nil {
		return
	}
	if src.ParentA != nil {
		r.ParentA = cloneID(src.ParentA)
	}
	if src.ParentB != nil {
		r.ParentB = cloneID(src.ParentB)
	}
	if src.AddedBy != "" {
		r.AddedBy = src.AddedBy
	}
	if !src.MintedAt.IsZero() {
		r.MintedAt = src.MintedAt
	}
	if src.Tag != "" {
		r.Tag = src.Tag
	}
	if src.Endorsements != nil {
		r.Endorsements = cloneVal(src.Endorsements)
	}
	if src.TotalVersions != nil {
		r.TotalVersions = cloneVal(src.TotalVersions)
	}
	if src.TokenID != nil {
		r.TokenID = cloneVal(src.TokenID)
	}
	if len(src.Profile) > 0 {
		if r.Profile == nil {
			r.Profile = make(map[string]string, len(src.Profile))
		}
		for k, v := range src.Profile {
			r.Profile[k] = v
		}
	}
	if len(src.Narrative) > 0 {
		r.Narrative = append([]string(nil), src.Narrative...)
	}
	r.Freshness.merge(src.Freshness)
}

func cloneID(id *NodeID) *NodeID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func cloneVal[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// EdgeEntryUnion holds the children of a parent entity aggregated across
// every version of that parent. Keyed by the parent's EntityHash alone.
//
// TotalVersions is a side channel: the paginated union listing surfaces the
// parent's version count, which the caller back-fills onto node records
// sharing the hash.
type EdgeEntryUnion struct {
	Parent        EntityHash `json:"parent"`
	Children      []NodeID   `json:"children"`
	FetchedAt     time.Time  `json:"fetched_at"`
	TotalVersions uint32     `json:"total_versions,omitempty"`
}

// Clone returns a copy with its own children slice.
func (e *EdgeEntryUnion) Clone() *EdgeEntryUnion {
	if e == nil {
		return nil
	}
	out := *e
	out.Children = append([]NodeID(nil), e.Children...)
	return &out
}

// EdgeEntryStrict holds only the children whose stored parent pointer names
// this exact parent version. Keyed by the full parent NodeID; the sentinel
// version 0 keys the "unversioned parent" entry.
type EdgeEntryStrict struct {
	Parent     NodeID    `json:"parent"`
	Children   []NodeID  `json:"children"`
	FetchedAt  time.Time `json:"fetched_at"`
	TotalCount int       `json:"total_count,omitempty"`
}

// Clone returns a copy with its own children slice.
func (e *EdgeEntryStrict) Clone() *EdgeEntryStrict {
	if e == nil {
		return nil
	}
	out := *e
	out.Children = append([]NodeID(nil), e.Children...)
	return &out
}
