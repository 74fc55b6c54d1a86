package graph

import (
	"sync"
	"time"
)

// NodeStore maps NodeIDs to progressively-enriched NodeRecords.
//
// Writes merge: an upsert for an existing key folds new fields into the
// stored record instead of replacing it, so a partial write never clears a
// previously-known field. Batch writes are atomic from the reader's point of
// view. A secondary index entityHash -> ids makes cross-version back-fill
// (e.g. the union listing's TotalVersions side channel) an
// O(records-for-hash) operation instead of a full scan.
//
// NodeStore is safe for concurrent use. Readers receive deep copies.
type NodeStore struct {
	mu       sync.RWMutex
	records  map[NodeID]*NodeRecord
	byEntity map[EntityHash]map[NodeID]struct{}
}

// NewNodeStore creates an empty NodeStore.
func NewNodeStore() *NodeStore {
	return &NodeStore{
		records:  make(map[NodeID]*NodeRecord),
		byEntity: make(map[EntityHash]map[NodeID]struct{}),
	}
}

// Get returns a copy of the record for id, or (nil, false).
func (s *NodeStore) Get(id NodeID) (*NodeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Ensure guarantees a placeholder record exists for id and returns whether
// one was created. Placeholders carry identity only.
func (s *NodeStore) Ensure(id NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(id)
}

func (s *NodeStore) ensureLocked(id NodeID) bool {
	if _, ok := s.records[id]; ok {
		return false
	}
	s.records[id] = &NodeRecord{ID: id}
	s.indexLocked(id)
	return true
}

// Upsert merges rec into the store, creating the record if absent.
func (s *NodeStore) Upsert(rec *NodeRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(rec)
}

// UpsertBatch applies all records under one lock acquisition, so readers
// observe either none or all of the batch.
func (s *NodeStore) UpsertBatch(recs []*NodeRecord) {
	if len(recs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.upsertLocked(rec)
	}
}

func (s *NodeStore) upsertLocked(rec *NodeRecord) {
	if rec == nil {
		return
	}
	existing, ok := s.records[rec.ID]
	if !ok {
		s.records[rec.ID] = rec.Clone()
		s.indexLocked(rec.ID)
		return
	}
	existing.Merge(rec)
}

func (s *NodeStore) indexLocked(id NodeID) {
	set, ok := s.byEntity[id.Entity]
	if !ok {
		set = make(map[NodeID]struct{})
		s.byEntity[id.Entity] = set
	}
	set[id] = struct{}{}
}

// IDsForEntity returns every stored NodeID sharing the given hash, sorted.
func (s *NodeStore) IDsForEntity(hash EntityHash) []NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.byEntity[hash]
	ids := make([]NodeID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	SortNodeIDs(ids)
	return ids
}

// BackfillTotalVersions writes total onto every record sharing hash. Used
// when a union children listing opportunistically surfaces the parent's
// version count. Returns the number of records touched.
func (s *NodeStore) BackfillTotalVersions(hash EntityHash, total uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id := range s.byEntity[hash] {
		if rec, ok := s.records[id]; ok {
			t := total
			rec.TotalVersions = &t
			n++
		}
	}
	return n
}

// ClearDetailFreshness zeroes the detail-tier timestamp for id so the next
// read treats the relationship/statistic fields as needing refresh. Field
// values themselves are kept.
func (s *NodeStore) ClearDetailFreshness(id NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[id]; ok {
		rec.Freshness.Detail = time.Time{}
	}
}

// Len returns the number of stored records.
func (s *NodeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Snapshot returns deep copies of every record, for persistence or
// read-only consumption.
func (s *NodeStore) Snapshot() []*NodeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*NodeRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	return out
}

// Clear drops every record and index entry.
func (s *NodeStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[NodeID]*NodeRecord)
	s.byEntity = make(map[EntityHash]map[NodeID]struct{})
}
