package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/kgraph/pkg/catalog"
	"github.com/orneryd/kgraph/pkg/embedding"
	"github.com/orneryd/kgraph/pkg/fetcher"
	"github.com/orneryd/kgraph/pkg/graph"
	"github.com/orneryd/kgraph/pkg/identity"
	"github.com/orneryd/kgraph/pkg/lake"
	"github.com/orneryd/kgraph/pkg/query"
	"github.com/orneryd/kgraph/pkg/schema"
)

func functionBatch(sha1, path, name string) lake.Batch {
	return lake.Batch{
		EntityType:  "function",
		Category:    schema.CategoryNode,
		TablePath:   "silver/entities/function",
		PrimaryKeys: []string{"sha1", "path", "name"},
		Fields: []schema.Field{
			{Name: "sha1", Type: schema.FieldString, PrimaryKey: true},
			{Name: "path", Type: schema.FieldString, PrimaryKey: true},
			{Name: "name", Type: schema.FieldString, PrimaryKey: true},
		},
		Rows: []lake.Row{{"sha1": sha1, "path": path, "name": name}},
	}
}

func versionBatch(sha1, label string) lake.Batch {
	return lake.Batch{
		EntityType:  "version",
		Category:    schema.CategoryNode,
		TablePath:   "silver/entities/version",
		PrimaryKeys: []string{"sha1"},
		Fields: []schema.Field{
			{Name: "sha1", Type: schema.FieldString, PrimaryKey: true},
			{Name: "label", Type: schema.FieldString},
		},
		Rows: []lake.Row{{"sha1": sha1, "label": label}},
	}
}

func commitBatch(sha1, message string) lake.Batch {
	return lake.Batch{
		EntityType:  "commit",
		Category:    schema.CategoryNode,
		TablePath:   "silver/entities/commit",
		PrimaryKeys: []string{"sha1"},
		Fields: []schema.Field{
			{Name: "sha1", Type: schema.FieldString, PrimaryKey: true},
			{Name: "message", Type: schema.FieldString},
		},
		Rows: []lake.Row{{"sha1": sha1, "message": message}},
	}
}

func edgeBatch(edgeType string, from, to uuid.UUID) lake.Batch {
	return lake.Batch{
		EntityType: edgeType,
		Category:   schema.CategoryEdge,
		TablePath:  "silver/edges/" + edgeType,
		Fields: []schema.Field{
			{Name: "id", Type: schema.FieldUUID, PrimaryKey: true},
			{Name: "from_node_id", Type: schema.FieldUUID},
			{Name: "to_node_id", Type: schema.FieldUUID},
		},
		Rows: []lake.Row{{"from_node_id": from.String(), "to_node_id": to.String()}},
	}
}

// TestSync_S3_EdgeDerivationViaRealSync pins scenario S3: two function
// nodes and a calls edge, ingested through ProcessGraphData rather than
// inserted directly into the graph engine, must be traversable in both
// directions.
func TestSync_S3_EdgeDerivationViaRealSync(t *testing.T) {
	h := newHarness(t)

	a := functionBatch("sha1", "src/a.rs", "f")
	b := functionBatch("sha1", "src/b.rs", "g")
	require.NoError(t, h.sync.ProcessGraphData(fetcher.GraphData{Entities: []lake.Batch{a, b}}))

	idA, err := identity.StableNodeID("function", []identity.KeyValue{
		{Key: "sha1", Value: "sha1"}, {Key: "path", Value: "src/a.rs"}, {Key: "name", Value: "f"},
	})
	require.NoError(t, err)
	idB, err := identity.StableNodeID("function", []identity.KeyValue{
		{Key: "sha1", Value: "sha1"}, {Key: "path", Value: "src/b.rs"}, {Key: "name", Value: "g"},
	})
	require.NoError(t, err)

	require.NoError(t, h.sync.ProcessGraphData(fetcher.GraphData{Entities: []lake.Batch{edgeBatch("calls", idA, idB)}}))

	q := query.New(h.eng, h.lake, h.reg, query.Options{})

	out, err := q.Neighbors(idA, []string{"calls"}, graph.Out, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, idB, out[0].NeighborID)

	in, err := q.Neighbors(idB, []string{"calls"}, graph.In, 10)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, idA, in[0].NeighborID)
}

// TestSync_S3_VectorEdgeRuleDerivesParentEdge exercises
// applyVectorEdgeRules, the one code path S3's literal scenario text
// doesn't reach: a vector-category batch whose schema declares a
// vector_edge_rules entry must get its vector->parent edge written
// automatically, with no edge batch supplied by the caller.
func TestSync_S3_VectorEdgeRuleDerivesParentEdge(t *testing.T) {
	dir := t.TempDir()
	schemaYAML := `
nodes:
  - entity_type: project
    table_name: project
    fields:
      - {name: url, type: string, primary_key: true}
      - {name: name, type: string}
vectors:
  - entity_type: doc_chunk
    table_name: doc_chunk
    fields:
      - {name: chunk_id, type: string, primary_key: true}
      - {name: project_url, type: string}
      - {name: text, type: string}
      - {name: embedding, type: array}
    vector_edge_rules:
      - edge_type: chunk_of
        source_kind: primary_key
        source_entity: project
        source_mappings:
          - {vector_column: project_url, primary_key: url}
        source_node_type_kind: literal
        source_node_type_value: project
        target_node_type: project
edges: []
`
	schemaPath := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(schemaPath, []byte(schemaYAML), 0o644))
	reg, err := schema.Load(schemaPath)
	require.NoError(t, err)

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	defer cat.Close()
	lk, err := lake.Open(filepath.Join(dir, "lake"), lake.Options{})
	require.NoError(t, err)
	eng, err := graph.Open(graph.Options{InMemory: true})
	require.NoError(t, err)
	defer eng.Close()

	s := New(cat, lk, eng, reg, Options{Embedder: embedding.NullProvider{}})

	proj := lake.Batch{
		EntityType: "project", Category: schema.CategoryNode, TablePath: "silver/entities/project",
		PrimaryKeys: []string{"url"},
		Fields: []schema.Field{
			{Name: "url", Type: schema.FieldString, PrimaryKey: true},
			{Name: "name", Type: schema.FieldString},
		},
		Rows: []lake.Row{{"url": "https://x", "name": "kgraph"}},
	}
	chunk := lake.Batch{
		EntityType: "doc_chunk", Category: schema.CategoryVector, TablePath: "silver/entities/doc_chunk",
		PrimaryKeys: []string{"chunk_id"},
		Fields: []schema.Field{
			{Name: "chunk_id", Type: schema.FieldString, PrimaryKey: true},
			{Name: "project_url", Type: schema.FieldString},
			{Name: "text", Type: schema.FieldString},
			{Name: "embedding", Type: schema.FieldArray},
		},
		Rows: []lake.Row{{"chunk_id": "c1", "project_url": "https://x", "text": "hello world", "embedding": "[1,0,0]"}},
	}

	require.NoError(t, s.ProcessGraphData(fetcher.GraphData{Entities: []lake.Batch{proj, chunk}}))

	projID, err := identity.StableNodeID("project", []identity.KeyValue{{Key: "url", Value: "https://x"}})
	require.NoError(t, err)
	chunkID, err := identity.StableNodeID("doc_chunk", []identity.KeyValue{{Key: "chunk_id", Value: "c1"}})
	require.NoError(t, err)

	q := query.New(eng, lk, reg, query.Options{})
	out, err := q.Neighbors(chunkID, []string{"chunk_of"}, graph.Out, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, projID, out[0].NeighborID)
}

// TestSync_S4_ColdFallbackAfterEviction pins scenario S4 from within
// pkg/sync: after a node written by a real sync leaves the hot graph
// engine, query.GetNodeByID must reconstitute it from the lake.
func TestSync_S4_ColdFallbackAfterEviction(t *testing.T) {
	h := newHarness(t)

	batch := functionBatch("sha1", "src/b.rs", "g")
	require.NoError(t, h.sync.ProcessGraphData(fetcher.GraphData{Entities: []lake.Batch{batch}}))

	id, err := identity.StableNodeID("function", []identity.KeyValue{
		{Key: "sha1", Value: "sha1"}, {Key: "path", Value: "src/b.rs"}, {Key: "name", Value: "g"},
	})
	require.NoError(t, err)

	tx, err := h.eng.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.DeleteNode(id))
	require.NoError(t, tx.Commit())

	q := query.New(h.eng, h.lake, h.reg, query.Options{})
	rec, err := q.GetNodeByID(id, "function")
	require.NoError(t, err)
	require.NotNil(t, rec, "GetNodeByID must reconstitute the node from the lake once it leaves the hot engine")
	assert.Equal(t, "g", rec.Properties["name"])
}

// TestSync_S5_ShortestPathAcrossMixedLabelsViaSync pins scenario S5,
// ingesting the project->version->commit chain through two real sync
// batches rather than direct graph-engine inserts.
func TestSync_S5_ShortestPathAcrossMixedLabelsViaSync(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.sync.ProcessGraphData(fetcher.GraphData{Entities: []lake.Batch{
		projectBatch("https://x", "kgraph"),
		versionBatch("v1", "1.0.0"),
		commitBatch("c1", "initial commit"),
	}}))

	projID, err := identity.StableNodeID("project", []identity.KeyValue{{Key: "url", Value: "https://x"}})
	require.NoError(t, err)
	verID, err := identity.StableNodeID("version", []identity.KeyValue{{Key: "sha1", Value: "v1"}})
	require.NoError(t, err)
	commitID, err := identity.StableNodeID("commit", []identity.KeyValue{{Key: "sha1", Value: "c1"}})
	require.NoError(t, err)

	require.NoError(t, h.sync.ProcessGraphData(fetcher.GraphData{Entities: []lake.Batch{
		edgeBatch("has_version", projID, verID),
		edgeBatch("is_commit", verID, commitID),
	}}))

	q := query.New(h.eng, h.lake, h.reg, query.Options{})

	path, err := q.ShortestPath(projID, commitID, "")
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Equal(t, 2, path.Length)
	assert.Equal(t, []uuid.UUID{projID, verID, commitID}, path.Nodes)

	none, err := q.ShortestPath(projID, commitID, "unrelated_label")
	require.NoError(t, err)
	assert.Nil(t, none)
}

// TestSync_S6_ReadinessAnchorTransition pins scenario S6 end to end: a
// freshly-registered target is not fresh, becomes fresh once sync()
// stores the fetcher's anchor, and falls stale again once the fetcher's
// probe starts reporting a different remote anchor.
func TestSync_S6_ReadinessAnchorTransition(t *testing.T) {
	h := newHarness(t)
	anchorA := "A"
	f := &fakeFetcher{
		name:  "mock",
		probe: fetcher.ProbeReport{RemoteAnchor: &anchorA},
		response: fetcher.FetchResponse{
			Kind:      fetcher.ResponseGraphData,
			GraphData: &fetcher.GraphData{Entities: []lake.Batch{projectBatch("https://x", "kgraph")}},
		},
	}
	h.sync.RegisterFetcher(f)

	target := EntityIdentifier{URI: "https://x", EntityType: "project", FetcherName: "mock", AnchorKey: "commit_sha"}
	syncCtx := SyncContext{TargetEntities: []EntityIdentifier{target}}

	reports, err := h.sync.CheckReadiness(context.Background(), []EntityIdentifier{target})
	require.NoError(t, err)
	assert.False(t, reports["https://x"].IsFresh, "never-synced target must not be fresh")

	require.NoError(t, h.sync.Sync(context.Background(), "mock", nil, syncCtx, SyncBudget{}))

	reports, err = h.sync.CheckReadiness(context.Background(), []EntityIdentifier{target})
	require.NoError(t, err)
	assert.True(t, reports["https://x"].IsFresh, "anchor stored by sync() must match the probe's anchor")

	anchorB := "B"
	f.probe.RemoteAnchor = &anchorB

	reports, err = h.sync.CheckReadiness(context.Background(), []EntityIdentifier{target})
	require.NoError(t, err)
	assert.False(t, reports["https://x"].IsFresh, "a changed remote anchor must make the target stale again")
}
