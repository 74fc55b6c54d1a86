package source

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lineagegraph/lineage/pkg/graph"
)

func mkHash(b byte) graph.EntityHash {
	var h graph.EntityHash
	h[0] = b
	return h
}

func mkID(b byte, version uint32) graph.NodeID {
	return graph.NodeID{Entity: mkHash(b), Version: version}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"nil", nil, FailureUnknown},
		{"wrapped not found", fmt.Errorf("node x: %w", ErrNotFound), FailureNotFound},
		{"wrapped rate limited", fmt.Errorf("throttle: %w", ErrRateLimited), FailureRateLimited},
		{"wrapped network", fmt.Errorf("dial: %w", ErrNetwork), FailureNetwork},
		{"deadline", context.DeadlineExceeded, FailureNetwork},
		{"opaque", errors.New("weird"), FailureUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestDrainStrict_Pagination(t *testing.T) {
	f := NewFixtureRemote()
	parent := mkID(0xAA, 1)
	var want []graph.NodeID
	for i := byte(1); i <= 7; i++ {
		child := mkID(i, 1)
		f.LinkStrict(parent, child)
		want = append(want, child)
	}

	ids, err := DrainStrict(context.Background(), f, parent.Entity, parent.Version, 3)
	require.NoError(t, err)
	assert.Equal(t, want, ids)
	// 7 children at page size 3 → 3 pages.
	assert.Equal(t, 3, f.Calls("strict/"+parent.String()))
}

func TestDrainUnion_SurfacesTotalVersions(t *testing.T) {
	f := NewFixtureRemote()
	hash := mkHash(0xAA)
	f.LinkUnionOnly(hash, mkID(0xBB, 1))
	f.LinkUnionOnly(hash, mkID(0xCC, 2))
	f.SetTotalVersions(hash, 4)

	ids, total, err := DrainUnion(context.Background(), f, hash, 10)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	assert.Equal(t, uint32(4), total)
}

func TestDrain_PropagatesFailure(t *testing.T) {
	f := NewFixtureRemote()
	parent := mkID(0xAA, 1)
	f.LinkStrict(parent, mkID(0xBB, 1))
	f.FailWith("strict", fmt.Errorf("upstream: %w", ErrRateLimited))

	_, err := DrainStrict(context.Background(), f, parent.Entity, parent.Version, 10)
	assert.Equal(t, FailureRateLimited, Classify(err))
}

func TestFixtureRemote_NotFound(t *testing.T) {
	f := NewFixtureRemote()
	_, err := f.GetNodeDetail(context.Background(), mkHash(0x01), 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.GetDetailEnrichment(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDetail_Record(t *testing.T) {
	parent := mkID(0xBB, 1)
	now := time.Unix(5000, 0)
	d := &Detail{
		ID:            mkID(0xAA, 1),
		ParentA:       &parent,
		Endorsements:  3,
		TotalVersions: 2,
		TokenID:       7,
	}

	rec := d.Record(now)
	require.NotNil(t, rec.Endorsements)
	assert.Equal(t, uint64(3), *rec.Endorsements)
	require.NotNil(t, rec.TokenID)
	assert.Equal(t, uint64(7), *rec.TokenID)
	assert.True(t, rec.Freshness.Detail.Equal(now))

	// Unminted node carries no token id at all.
	rec = (&Detail{ID: mkID(0xAA, 2)}).Record(now)
	assert.Nil(t, rec.TokenID)
}

func TestWithBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	f := NewFixtureRemote()
	f.FailWith("detail", fmt.Errorf("down: %w", ErrNetwork))
	r := WithBreaker(f, BreakerConfig{MaxFailures: 2, OpenFor: time.Hour})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.GetNodeDetail(ctx, mkHash(0x01), 1)
		assert.Equal(t, FailureNetwork, Classify(err))
	}

	// Breaker is open now: calls fail fast without reaching the fixture.
	before := f.Calls("detail")
	_, err := r.GetNodeDetail(ctx, mkHash(0x01), 1)
	assert.Equal(t, FailureRateLimited, Classify(err))
	assert.Equal(t, before, f.Calls("detail"))
}

func TestWithBreaker_NotFoundIsNotAFailure(t *testing.T) {
	f := NewFixtureRemote()
	r := WithBreaker(f, BreakerConfig{MaxFailures: 2, OpenFor: time.Hour})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := r.GetNodeDetail(ctx, mkHash(0x01), 1)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	// Still closed: misses kept flowing through.
	assert.Equal(t, 10, f.Calls("detail"))
}

func TestWithRateLimit_PassesThrough(t *testing.T) {
	f := NewFixtureRemote()
	parent := mkID(0xAA, 1)
	f.LinkStrict(parent, mkID(0xBB, 1))
	r := WithRateLimit(f, 1000, 10)

	page, err := r.ListChildrenStrict(context.Background(), parent.Entity, parent.Version, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page.Children, 1)
}
