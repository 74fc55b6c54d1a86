package graph

import (
	"testing"
	"time"
)

func TestNodeStore_EnsurePlaceholder(t *testing.T) {
	s := NewNodeStore()
	id := mkID(0xAA, 1)

	if !s.Ensure(id) {
		t.Error("first Ensure should create")
	}
	if s.Ensure(id) {
		t.Error("second Ensure should be a no-op")
	}

	rec, ok := s.Get(id)
	if !ok {
		t.Fatal("placeholder not stored")
	}
	if rec.ID != id {
		t.Errorf("placeholder ID = %s, want %s", rec.ID, id)
	}
	if !rec.Freshness.Detail.IsZero() {
		t.Error("placeholder should not claim detail freshness")
	}
}

func TestNodeStore_UpsertMerges(t *testing.T) {
	s := NewNodeStore()
	id := mkID(0xAA, 1)

	count := uint64(5)
	s.Upsert(&NodeRecord{ID: id, Endorsements: &count})

	// Identity-only write must not clear the count.
	s.Upsert(&NodeRecord{ID: id, Tag: "v1"})

	rec, _ := s.Get(id)
	if rec.Endorsements == nil || *rec.Endorsements != 5 {
		t.Error("upsert cleared Endorsements")
	}
	if rec.Tag != "v1" {
		t.Error("upsert did not add Tag")
	}
}

func TestNodeStore_GetReturnsCopy(t *testing.T) {
	s := NewNodeStore()
	id := mkID(0xAA, 1)
	s.Upsert(&NodeRecord{ID: id, Tag: "orig"})

	rec, _ := s.Get(id)
	rec.Tag = "mutated"

	again, _ := s.Get(id)
	if again.Tag != "orig" {
		t.Error("Get exposed internal record to mutation")
	}
}

func TestNodeStore_UpsertBatch(t *testing.T) {
	s := NewNodeStore()
	recs := []*NodeRecord{
		{ID: mkID(0x01, 1)},
		{ID: mkID(0x02, 1)},
		{ID: mkID(0x03, 1)},
	}
	s.UpsertBatch(recs)

	if s.Len() != 3 {
		t.Errorf("Len = %d, want 3", s.Len())
	}
}

func TestNodeStore_BackfillTotalVersions(t *testing.T) {
	s := NewNodeStore()
	hash := mkHash(0xAA)
	s.Ensure(NodeID{Entity: hash, Version: 1})
	s.Ensure(NodeID{Entity: hash, Version: 2})
	s.Ensure(mkID(0xBB, 1)) // unrelated entity

	touched := s.BackfillTotalVersions(hash, 7)
	if touched != 2 {
		t.Errorf("touched = %d, want 2", touched)
	}

	for _, v := range []uint32{1, 2} {
		rec, _ := s.Get(NodeID{Entity: hash, Version: v})
		if rec.TotalVersions == nil || *rec.TotalVersions != 7 {
			t.Errorf("version %d missing back-filled count", v)
		}
	}

	other, _ := s.Get(mkID(0xBB, 1))
	if other.TotalVersions != nil {
		t.Error("back-fill leaked onto unrelated entity")
	}
}

func TestNodeStore_ClearDetailFreshness(t *testing.T) {
	s := NewNodeStore()
	id := mkID(0xAA, 1)
	count := uint64(3)
	rec := &NodeRecord{ID: id, Endorsements: &count}
	rec.Freshness.Detail = time.Now()
	s.Upsert(rec)

	s.ClearDetailFreshness(id)

	got, _ := s.Get(id)
	if !got.Freshness.Detail.IsZero() {
		t.Error("detail freshness not cleared")
	}
	if got.Endorsements == nil || *got.Endorsements != 3 {
		t.Error("clearing freshness must keep field values")
	}
}

func TestNodeStore_IDsForEntity(t *testing.T) {
	s := NewNodeStore()
	hash := mkHash(0xAA)
	s.Ensure(NodeID{Entity: hash, Version: 2})
	s.Ensure(NodeID{Entity: hash, Version: 1})

	ids := s.IDsForEntity(hash)
	if len(ids) != 2 {
		t.Fatalf("len = %d, want 2", len(ids))
	}
	if ids[0].Version != 1 || ids[1].Version != 2 {
		t.Error("ids not sorted by version")
	}
}
