package graph

import (
	"sync"
	"sync/atomic"
	"time"
)

// EdgeStore holds the two adjacency caches over the node universe:
//
//   - union entries, keyed by parent EntityHash — children across every
//     version of the parent
//   - strict entries, keyed by exact parent NodeID — children whose stored
//     parent pointer names that version (version 0 keys the unversioned
//     entry)
//
// The two sides are independently timestamped and independently revalidated;
// a stale union entry says nothing about the strict entry for the same
// parent. Reads report freshness against the side's TTL but still return
// stale entries, so callers can serve stale-while-revalidate. The store
// tracks which keys currently have a revalidation in flight so the same key
// is never revalidated twice concurrently.
//
// EdgeStore is safe for concurrent use. Readers receive copies.
type EdgeStore struct {
	mu     sync.RWMutex
	union  map[EntityHash]*EdgeEntryUnion
	strict map[NodeID]*EdgeEntryStrict

	unionTTL  time.Duration
	strictTTL time.Duration
	now       func() time.Time

	revalUnion  map[EntityHash]struct{}
	revalStrict map[NodeID]struct{}

	hits        uint64
	misses      uint64
	staleServes uint64
}

// NewEdgeStore creates an EdgeStore with the given per-side TTLs.
// A zero TTL means entries on that side never expire.
func NewEdgeStore(unionTTL, strictTTL time.Duration) *EdgeStore {
	return &EdgeStore{
		union:       make(map[EntityHash]*EdgeEntryUnion),
		strict:      make(map[NodeID]*EdgeEntryStrict),
		unionTTL:    unionTTL,
		strictTTL:   strictTTL,
		now:         time.Now,
		revalUnion:  make(map[EntityHash]struct{}),
		revalStrict: make(map[NodeID]struct{}),
	}
}

// SetClock overrides the time source. Tests only.
func (s *EdgeStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *EdgeStore) freshAt(fetchedAt time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	return !s.now().After(fetchedAt.Add(ttl))
}

// Union returns the union entry for hash, whether it is still fresh, and
// whether it exists at all.
func (s *EdgeStore) Union(hash EntityHash) (*EdgeEntryUnion, bool, bool) {
	s.mu.RLock()
	entry, ok := s.union[hash]
	if !ok {
		s.mu.RUnlock()
		atomic.AddUint64(&s.misses, 1)
		return nil, false, false
	}
	fresh := s.freshAt(entry.FetchedAt, s.unionTTL)
	out := entry.Clone()
	s.mu.RUnlock()

	atomic.AddUint64(&s.hits, 1)
	if !fresh {
		atomic.AddUint64(&s.staleServes, 1)
	}
	return out, fresh, true
}

// Strict returns the strict entry for id, whether it is still fresh, and
// whether it exists at all.
func (s *EdgeStore) Strict(id NodeID) (*EdgeEntryStrict, bool, bool) {
	s.mu.RLock()
	entry, ok := s.strict[id]
	if !ok {
		s.mu.RUnlock()
		atomic.AddUint64(&s.misses, 1)
		return nil, false, false
	}
	fresh := s.freshAt(entry.FetchedAt, s.strictTTL)
	out := entry.Clone()
	s.mu.RUnlock()

	atomic.AddUint64(&s.hits, 1)
	if !fresh {
		atomic.AddUint64(&s.staleServes, 1)
	}
	return out, fresh, true
}

// PutUnion stores a union entry, replacing any previous entry for the hash.
func (s *EdgeStore) PutUnion(entry *EdgeEntryUnion) {
	if entry == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.union[entry.Parent] = entry.Clone()
}

// PutStrict stores a strict entry, replacing any previous entry for the id.
func (s *EdgeStore) PutStrict(entry *EdgeEntryStrict) {
	if entry == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strict[entry.Parent] = entry.Clone()
}

// PutBatch applies union and strict entries under one lock acquisition.
func (s *EdgeStore) PutBatch(unions []*EdgeEntryUnion, stricts []*EdgeEntryStrict) {
	if len(unions) == 0 && len(stricts) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range unions {
		if e != nil {
			s.union[e.Parent] = e.Clone()
		}
	}
	for _, e := range stricts {
		if e != nil {
			s.strict[e.Parent] = e.Clone()
		}
	}
}

// DropUnion deletes the union entry for hash. Reports whether one existed.
func (s *EdgeStore) DropUnion(hash EntityHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.union[hash]
	delete(s.union, hash)
	return ok
}

// DropStrict deletes the strict entry for id. Reports whether one existed.
func (s *EdgeStore) DropStrict(id NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.strict[id]
	delete(s.strict, id)
	return ok
}

// TryBeginRevalidateUnion claims the revalidation slot for hash. Returns
// false if a revalidation is already in flight for that key.
func (s *EdgeStore) TryBeginRevalidateUnion(hash EntityHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.revalUnion[hash]; busy {
		return false
	}
	s.revalUnion[hash] = struct{}{}
	return true
}

// EndRevalidateUnion releases the revalidation slot for hash.
func (s *EdgeStore) EndRevalidateUnion(hash EntityHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.revalUnion, hash)
}

// TryBeginRevalidateStrict claims the revalidation slot for id. Returns
// false if a revalidation is already in flight for that key.
func (s *EdgeStore) TryBeginRevalidateStrict(id NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.revalStrict[id]; busy {
		return false
	}
	s.revalStrict[id] = struct{}{}
	return true
}

// EndRevalidateStrict releases the revalidation slot for id.
func (s *EdgeStore) EndRevalidateStrict(id NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.revalStrict, id)
}

// SnapshotUnion returns copies of every union entry.
func (s *EdgeStore) SnapshotUnion() []*EdgeEntryUnion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*EdgeEntryUnion, 0, len(s.union))
	for _, e := range s.union {
		out = append(out, e.Clone())
	}
	return out
}

// SnapshotStrict returns copies of every strict entry.
func (s *EdgeStore) SnapshotStrict() []*EdgeEntryStrict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*EdgeEntryStrict, 0, len(s.strict))
	for _, e := range s.strict {
		out = append(out, e.Clone())
	}
	return out
}

// Len returns (union entries, strict entries).
func (s *EdgeStore) Len() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.union), len(s.strict)
}

// Clear drops all entries on both sides.
func (s *EdgeStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.union = make(map[EntityHash]*EdgeEntryUnion)
	s.strict = make(map[NodeID]*EdgeEntryStrict)
}

// EdgeStats holds cache observability counters.
type EdgeStats struct {
	UnionEntries  int
	StrictEntries int
	Hits          uint64
	Misses        uint64
	StaleServes   uint64
}

// Stats returns current counters.
func (s *EdgeStore) Stats() EdgeStats {
	u, st := s.Len()
	return EdgeStats{
		UnionEntries:  u,
		StrictEntries: st,
		Hits:          atomic.LoadUint64(&s.hits),
		Misses:        atomic.LoadUint64(&s.misses),
		StaleServes:   atomic.LoadUint64(&s.staleServes),
	}
}
