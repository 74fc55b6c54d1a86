package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lineagegraph/lineage/pkg/blob"
	"github.com/lineagegraph/lineage/pkg/graph"
)

// Snapshot blob names under the scope prefix.
const (
	snapNodes     = "nodes"
	snapEdges     = "edges"
	snapReachable = "reachable"
)

var snapshotNames = []string{snapNodes, snapEdges, snapReachable}

// edgeSnapshot bundles both adjacency sides into one blob so they restore
// together.
type edgeSnapshot struct {
	Union  []*graph.EdgeEntryUnion  `json:"union"`
	Strict []*graph.EdgeEntryStrict `json:"strict"`
}

// persist writes the working set as three JSON blobs under the scope
// prefix. Entries keep their original FetchedAt, so TTL accounting survives
// a restart: an entry that was stale before shutdown is stale after.
func (e *Engine) persist(ctx context.Context) error {
	nodes := e.nodes.Snapshot()
	edges := edgeSnapshot{
		Union:  e.edges.SnapshotUnion(),
		Strict: e.edges.SnapshotStrict(),
	}
	reach := e.reachable.IDs()

	if err := e.writeBlob(ctx, snapNodes, nodes); err != nil {
		return err
	}
	if err := e.writeBlob(ctx, snapEdges, edges); err != nil {
		return err
	}
	if err := e.writeBlob(ctx, snapReachable, reach); err != nil {
		return err
	}
	e.log.Debug("persisted working set",
		zap.Int("nodes", len(nodes)),
		zap.Int("union_edges", len(edges.Union)),
		zap.Int("strict_edges", len(edges.Strict)),
		zap.Int("reachable", len(reach)))
	return nil
}

// hydrate restores the working set from the scope's snapshots. A missing
// blob is a first run for this scope, not an error.
func (e *Engine) hydrate(ctx context.Context) error {
	var nodes []*graph.NodeRecord
	if err := e.readBlob(ctx, snapNodes, &nodes); err != nil {
		return err
	}
	var edges edgeSnapshot
	if err := e.readBlob(ctx, snapEdges, &edges); err != nil {
		return err
	}
	var reach []graph.NodeID
	if err := e.readBlob(ctx, snapReachable, &reach); err != nil {
		return err
	}

	if len(nodes) > 0 {
		e.nodes.UpsertBatch(nodes)
	}
	if len(edges.Union) > 0 || len(edges.Strict) > 0 {
		e.edges.PutBatch(edges.Union, edges.Strict)
	}
	if len(reach) > 0 {
		e.reachable.AddBatch(reach)
	}
	e.log.Info("hydrated working set",
		zap.String("scope", e.scope.Prefix()),
		zap.Int("nodes", len(nodes)),
		zap.Int("union_edges", len(edges.Union)),
		zap.Int("strict_edges", len(edges.Strict)),
		zap.Int("reachable", len(reach)))
	return nil
}

func (e *Engine) writeBlob(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s snapshot: %w", name, err)
	}
	if err := e.store.Write(ctx, e.scope.Key(name), data); err != nil {
		return fmt.Errorf("write %s snapshot: %w", name, err)
	}
	return nil
}

func (e *Engine) readBlob(ctx context.Context, name string, v any) error {
	data, err := e.store.Read(ctx, e.scope.Key(name))
	if errors.Is(err, blob.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s snapshot: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s snapshot: %w", name, err)
	}
	return nil
}
