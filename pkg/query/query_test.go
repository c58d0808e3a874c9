package query

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/kgraph/pkg/graph"
	"github.com/orneryd/kgraph/pkg/lake"
	"github.com/orneryd/kgraph/pkg/schema"
)

func TestEngine_GetNodeByID_HotPath(t *testing.T) {
	eng, err := graph.Open(graph.Options{InMemory: true})
	require.NoError(t, err)
	defer eng.Close()

	lk, err := lake.Open(t.TempDir(), lake.Options{})
	require.NoError(t, err)
	reg := schema.LoadDefault()

	id := uuid.New()
	tx, err := eng.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.InsertNode(id, "project", map[string]any{"name": "kgraph"}))
	require.NoError(t, tx.Commit())

	q := New(eng, lk, reg, Options{})
	rec, err := q.GetNodeByID(id, "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "project", rec.Label)
	assert.Equal(t, "kgraph", rec.Properties["name"])
}

func TestEngine_GetNodeByID_NotFound(t *testing.T) {
	eng, err := graph.Open(graph.Options{InMemory: true})
	require.NoError(t, err)
	defer eng.Close()
	lk, err := lake.Open(t.TempDir(), lake.Options{})
	require.NoError(t, err)

	q := New(eng, lk, schema.LoadDefault(), Options{})
	rec, err := q.GetNodeByID(uuid.New(), "")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestEngine_NeighborsAndSubgraphBFS(t *testing.T) {
	eng, err := graph.Open(graph.Options{InMemory: true})
	require.NoError(t, err)
	defer eng.Close()
	lk, err := lake.Open(t.TempDir(), lake.Options{})
	require.NoError(t, err)
	q := New(eng, lk, schema.LoadDefault(), Options{})

	proj, ver, commit := uuid.New(), uuid.New(), uuid.New()
	tx, err := eng.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.InsertNode(proj, "project", nil))
	require.NoError(t, tx.InsertNode(ver, "version", nil))
	require.NoError(t, tx.InsertNode(commit, "commit", nil))
	require.NoError(t, tx.InsertEdge(uuid.New(), "has_version", proj, ver, nil))
	require.NoError(t, tx.InsertEdge(uuid.New(), "is_commit", ver, commit, nil))
	require.NoError(t, tx.Commit())

	neighbors, err := q.Neighbors(proj, nil, graph.Out, 0)
	require.NoError(t, err)
	require.Len(t, neighbors, 1)
	assert.Equal(t, ver, neighbors[0].NeighborID)

	sg, err := q.SubgraphBFS(proj, []string{"has_version", "is_commit"}, 0, 0, 0)
	require.NoError(t, err)
	assert.Len(t, sg.Nodes, 3)
	assert.Len(t, sg.Edges, 2)
}

func TestEngine_ShortestPath(t *testing.T) {
	eng, err := graph.Open(graph.Options{InMemory: true})
	require.NoError(t, err)
	defer eng.Close()
	lk, err := lake.Open(t.TempDir(), lake.Options{})
	require.NoError(t, err)
	q := New(eng, lk, schema.LoadDefault(), Options{})

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	tx, err := eng.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.InsertNode(a, "project", nil))
	require.NoError(t, tx.InsertNode(b, "version", nil))
	require.NoError(t, tx.InsertNode(c, "commit", nil))
	require.NoError(t, tx.InsertEdge(uuid.New(), "has_version", a, b, nil))
	require.NoError(t, tx.InsertEdge(uuid.New(), "is_commit", b, c, nil))
	require.NoError(t, tx.Commit())

	path, err := q.ShortestPath(a, c, "")
	require.NoError(t, err)
	require.NotNil(t, path)
	assert.Equal(t, 2, path.Length)
	assert.Equal(t, []uuid.UUID{a, b, c}, path.Nodes)
}

func TestEngine_ShortestPath_SameNode(t *testing.T) {
	eng, err := graph.Open(graph.Options{InMemory: true})
	require.NoError(t, err)
	defer eng.Close()
	lk, err := lake.Open(t.TempDir(), lake.Options{})
	require.NoError(t, err)
	q := New(eng, lk, schema.LoadDefault(), Options{})

	a := uuid.New()
	path, err := q.ShortestPath(a, a, "")
	require.NoError(t, err)
	assert.Equal(t, 0, path.Length)
}

func TestEngine_ShortestPath_Unreachable(t *testing.T) {
	eng, err := graph.Open(graph.Options{InMemory: true})
	require.NoError(t, err)
	defer eng.Close()
	lk, err := lake.Open(t.TempDir(), lake.Options{})
	require.NoError(t, err)
	q := New(eng, lk, schema.LoadDefault(), Options{})

	a, b := uuid.New(), uuid.New()
	tx, err := eng.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.InsertNode(a, "project", nil))
	require.NoError(t, tx.InsertNode(b, "project", nil))
	require.NoError(t, tx.Commit())

	path, err := q.ShortestPath(a, b, "")
	require.NoError(t, err)
	assert.Nil(t, path)
}

func TestEngine_SearchTextAndVectorAndHybrid(t *testing.T) {
	eng, err := graph.Open(graph.Options{InMemory: true})
	require.NoError(t, err)
	defer eng.Close()
	lk, err := lake.Open(t.TempDir(), lake.Options{})
	require.NoError(t, err)
	q := New(eng, lk, schema.LoadDefault(), Options{})

	id := uuid.New()
	tx, err := eng.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.InsertNode(id, "doc", map[string]any{
		"text":      "graph database storage engine",
		"embedding": []float32{1, 0, 0},
	}))
	require.NoError(t, tx.Commit())

	textHits, err := q.SearchTextBM25("doc", "storage engine", 5)
	require.NoError(t, err)
	require.NotEmpty(t, textHits)

	vecHits, err := q.SearchVectors("doc", []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, vecHits)
	assert.InDelta(t, 1.0, vecHits[0].Similarity, 0.01)

	hybrid, err := q.SearchHybrid("doc", "storage engine", []float32{1, 0, 0}, 0.5, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hybrid)
	assert.Equal(t, id.String(), hybrid[0].ID)
}

func TestEngine_SearchTextBM25_RejectsEmptyQuery(t *testing.T) {
	eng, err := graph.Open(graph.Options{InMemory: true})
	require.NoError(t, err)
	defer eng.Close()
	lk, err := lake.Open(t.TempDir(), lake.Options{})
	require.NoError(t, err)
	q := New(eng, lk, schema.LoadDefault(), Options{})

	_, err = q.SearchTextBM25("doc", "   ", 5)
	assert.Error(t, err)
}

func TestEngine_TableScanAndSQL(t *testing.T) {
	eng, err := graph.Open(graph.Options{InMemory: true})
	require.NoError(t, err)
	defer eng.Close()
	lk, err := lake.Open(t.TempDir(), lake.Options{})
	require.NoError(t, err)
	q := New(eng, lk, schema.LoadDefault(), Options{})

	fields := []schema.Field{
		{Name: "url", Type: schema.FieldString, PrimaryKey: true},
		{Name: "stars", Type: schema.FieldInt},
	}
	require.NoError(t, lk.WriteBatches("silver/entities/project", []lake.Row{
		{"url": "https://x", "stars": int64(10)},
		{"url": "https://y", "stars": int64(20)},
	}, fields, []string{"url"}))

	rows, err := q.TableScan("silver/entities/project", map[string]any{"url": "https://x"}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	sqlRows, err := q.TableSQL("silver/entities/project", "SELECT * FROM {{table}} WHERE stars > '15'")
	require.NoError(t, err)
	require.Len(t, sqlRows, 1)
}
