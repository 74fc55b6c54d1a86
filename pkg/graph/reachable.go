package graph

import "sync"

// ReachableSet is the set of NodeIDs visited by the most recent traversal
// from a given root. It grows monotonically during a session and is replaced
// wholesale only when the root or traversal parameters change.
//
// Safe for concurrent use.
type ReachableSet struct {
	mu  sync.RWMutex
	ids map[NodeID]struct{}
}

// NewReachableSet creates an empty set.
func NewReachableSet() *ReachableSet {
	return &ReachableSet{ids: make(map[NodeID]struct{})}
}

// Add inserts id. Reports whether it was newly added.
func (r *ReachableSet) Add(id NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

// AddBatch inserts all ids under one lock acquisition.
func (r *ReachableSet) AddBatch(ids []NodeID) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.ids[id] = struct{}{}
	}
}

// Has reports membership.
func (r *ReachableSet) Has(id NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok
}

// Len returns the set size.
func (r *ReachableSet) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// IDs returns the members in sorted order.
func (r *ReachableSet) IDs() []NodeID {
	r.mu.RLock()
	out := make([]NodeID, 0, len(r.ids))
	for id := range r.ids {
		out = append(out, id)
	}
	r.mu.RUnlock()
	SortNodeIDs(out)
	return out
}

// Reset drops all members.
func (r *ReachableSet) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = make(map[NodeID]struct{})
}
