package graph

import (
	"strings"
	"testing"
	"time"
)

func mkHash(b byte) EntityHash {
	var h EntityHash
	h[0] = b
	return h
}

func mkID(b byte, version uint32) NodeID {
	return NodeID{Entity: mkHash(b), Version: version}
}

// =============================================================================
// EntityHash Tests
// =============================================================================

func TestParseEntityHash(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		h := mkHash(0xAA)
		parsed, err := ParseEntityHash(h.String())
		if err != nil {
			t.Fatalf("ParseEntityHash: %v", err)
		}
		if parsed != h {
			t.Errorf("round trip mismatch: %s != %s", parsed, h)
		}
	})

	t.Run("accepts bare hex", func(t *testing.T) {
		h := mkHash(0xBB)
		bare := strings.TrimPrefix(h.String(), "0x")
		parsed, err := ParseEntityHash(bare)
		if err != nil {
			t.Fatalf("ParseEntityHash: %v", err)
		}
		if parsed != h {
			t.Error("bare hex mismatch")
		}
	})

	t.Run("rejects short input", func(t *testing.T) {
		if _, err := ParseEntityHash("0xAB"); err == nil {
			t.Error("expected error for short input")
		}
	})

	t.Run("rejects non-hex", func(t *testing.T) {
		if _, err := ParseEntityHash(strings.Repeat("zz", 32)); err == nil {
			t.Error("expected error for non-hex input")
		}
	})
}

// =============================================================================
// NodeID Tests
// =============================================================================

func TestNodeID_Compare(t *testing.T) {
	a1 := mkID(0x01, 1)
	a2 := mkID(0x01, 2)
	b1 := mkID(0x02, 1)

	if a1.Compare(a2) >= 0 {
		t.Error("lower version should sort first")
	}
	if a2.Compare(b1) >= 0 {
		t.Error("lower hash should sort first regardless of version")
	}
	if a1.Compare(a1) != 0 {
		t.Error("id should compare equal to itself")
	}
}

func TestNodeID_Sentinel(t *testing.T) {
	id := mkID(0xAA, 3)
	s := id.Sentinel()
	if !s.IsSentinel() {
		t.Error("sentinel should report IsSentinel")
	}
	if s.Entity != id.Entity {
		t.Error("sentinel must keep the entity hash")
	}
	if id.IsSentinel() {
		t.Error("versioned id should not report IsSentinel")
	}
}

func TestMergeNodeIDs(t *testing.T) {
	a := []NodeID{mkID(0x03, 1), mkID(0x01, 2)}
	b := []NodeID{mkID(0x01, 2), mkID(0x01, 1), mkID(0x02, 1)}

	merged := MergeNodeIDs(a, b)
	want := []NodeID{mkID(0x01, 1), mkID(0x01, 2), mkID(0x02, 1), mkID(0x03, 1)}

	if len(merged) != len(want) {
		t.Fatalf("merged length = %d, want %d", len(merged), len(want))
	}
	for i := range want {
		if merged[i] != want[i] {
			t.Errorf("merged[%d] = %s, want %s", i, merged[i], want[i])
		}
	}
}

// =============================================================================
// NodeRecord Merge Tests
// =============================================================================

func TestNodeRecord_Merge(t *testing.T) {
	t.Run("partial write never clears", func(t *testing.T) {
		count := uint64(5)
		rec := &NodeRecord{ID: mkID(0xAA, 1), Endorsements: &count, Tag: "genesis"}

		rec.Merge(&NodeRecord{ID: mkID(0xAA, 1)})

		if rec.Endorsements == nil || *rec.Endorsements != 5 {
			t.Error("merge of identity-only record cleared Endorsements")
		}
		if rec.Tag != "genesis" {
			t.Error("merge of identity-only record cleared Tag")
		}
	})

	t.Run("newer fetch overwrites", func(t *testing.T) {
		old := uint64(5)
		rec := &NodeRecord{ID: mkID(0xAA, 1), Endorsements: &old}

		fresh := uint64(7)
		rec.Merge(&NodeRecord{ID: mkID(0xAA, 1), Endorsements: &fresh})

		if *rec.Endorsements != 7 {
			t.Errorf("Endorsements = %d, want 7", *rec.Endorsements)
		}
	})

	t.Run("freshness keeps newer per tier", func(t *testing.T) {
		t0 := time.Unix(100, 0)
		t1 := time.Unix(200, 0)
		rec := &NodeRecord{ID: mkID(0xAA, 1)}
		rec.Freshness.Detail = t1
		rec.Freshness.Basic = t0

		src := &NodeRecord{ID: mkID(0xAA, 1)}
		src.Freshness.Detail = t0 // older, must not win
		src.Freshness.Basic = t1  // newer, must win
		rec.Merge(src)

		if !rec.Freshness.Detail.Equal(t1) {
			t.Error("older detail timestamp overwrote newer one")
		}
		if !rec.Freshness.Basic.Equal(t1) {
			t.Error("newer basic timestamp did not win")
		}
	})

	t.Run("merged pointers are copies", func(t *testing.T) {
		token := uint64(42)
		src := &NodeRecord{ID: mkID(0xAA, 1), TokenID: &token}
		rec := &NodeRecord{ID: mkID(0xAA, 1)}
		rec.Merge(src)

		token = 99
		if *rec.TokenID != 42 {
			t.Error("merge aliased the source pointer")
		}
	})
}

func TestNodeRecord_Clone(t *testing.T) {
	parent := mkID(0xBB, 1)
	rec := &NodeRecord{
		ID:        mkID(0xAA, 1),
		ParentA:   &parent,
		Profile:   map[string]string{"name": "alpha"},
		Narrative: []string{"chunk-1"},
	}

	clone := rec.Clone()
	clone.Profile["name"] = "beta"
	clone.Narrative[0] = "changed"
	clone.ParentA.Version = 9

	if rec.Profile["name"] != "alpha" {
		t.Error("clone shares Profile map")
	}
	if rec.Narrative[0] != "chunk-1" {
		t.Error("clone shares Narrative slice")
	}
	if rec.ParentA.Version != 1 {
		t.Error("clone shares ParentA pointer")
	}
}
