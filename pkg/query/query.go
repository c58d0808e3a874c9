// Package query implements the unified read API over the hot graph
// engine and the cold lake: by-id/by-keys lookups with transparent
// cold-path fallback, neighbor and path traversal, BM25/HNSW/hybrid
// search, index-table prefix search, and raw table scan/SQL.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/kgraph/pkg/graph"
	"github.com/orneryd/kgraph/pkg/identity"
	"github.com/orneryd/kgraph/pkg/kgerrors"
	"github.com/orneryd/kgraph/pkg/lake"
	"github.com/orneryd/kgraph/pkg/schema"
)

// Record is a normalized node view returned by the by-id/by-keys
// lookups, independent of whether it was served hot or cold.
type Record struct {
	ID         string
	Label      string
	Properties map[string]any
}

// Options configures a query Engine.
type Options struct {
	Logger *zap.Logger
}

// Engine answers read queries against the graph engine (hot) and the
// lake (cold), falling back to the lake's index + entity tables when
// the graph engine has no node for a requested id.
type Engine struct {
	graph  *graph.Engine
	lake   *lake.Lake
	schema *schema.Registry
	logger *zap.Logger
}

// New assembles a query Engine over already-open stores.
func New(g *graph.Engine, lk *lake.Lake, reg *schema.Registry, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{graph: g, lake: lk, schema: reg, logger: logger}
}

// GetNodeByID resolves a node by its stable UUID, preferring the hot
// graph engine and falling back to the lake's index and entity tables
// when entityType narrows the search (or scanning every index table
// when it doesn't).
func (e *Engine) GetNodeByID(id uuid.UUID, entityType string) (*Record, error) {
	node, err := e.graph.GetNode(id)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Graph, "query.GetNodeByID", err)
	}
	if node != nil {
		return &Record{ID: node.ID.String(), Label: node.Label, Properties: node.Properties}, nil
	}
	return e.coldGetNodeByID(id, entityType)
}

func (e *Engine) coldGetNodeByID(id uuid.UUID, entityType string) (*Record, error) {
	candidates := []string{entityType}
	if entityType == "" {
		for _, m := range e.schema.ListEntities() {
			candidates = append(candidates, m.EntityType)
		}
	}

	for _, t := range candidates {
		if t == "" {
			continue
		}
		meta, ok := e.schema.LookupEntity(t)
		if !ok {
			continue
		}

		indexRows, err := e.lake.Scan(fmt.Sprintf("silver/index/%s", t), map[string]any{"id": id.String()}, 1)
		if err != nil {
			return nil, kgerrors.Wrap(kgerrors.Lake, "query.coldGetNodeByID", err)
		}
		if len(indexRows) == 0 {
			continue
		}

		pkFilter := make(map[string]any, len(meta.PrimaryKeys()))
		for _, pk := range meta.PrimaryKeys() {
			pkFilter[pk] = indexRows[0][pk]
		}
		entityRows, err := e.lake.Scan(fmt.Sprintf("silver/entities/%s", t), pkFilter, 1)
		if err != nil {
			return nil, kgerrors.Wrap(kgerrors.Lake, "query.coldGetNodeByID", err)
		}
		if len(entityRows) == 0 {
			continue
		}

		props := make(map[string]any, len(entityRows[0]))
		for _, f := range meta.Fields {
			if v, ok := entityRows[0][f.Name]; ok && v != nil {
				if f.Type == schema.FieldInt || f.Type == schema.FieldUint {
					if n, ok := lake.ParseIntLike(v); ok {
						v = n
					}
				}
				props[f.Name] = v
			}
		}
		return &Record{ID: id.String(), Label: t, Properties: props}, nil
	}
	return nil, nil
}

// GetNodeByKeys computes the UUID for a primary-key tuple and delegates
// to GetNodeByID.
func (e *Engine) GetNodeByKeys(entityType string, keys []identity.KeyValue) (*Record, error) {
	id, err := identity.StableNodeID(entityType, keys)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.InvalidArg, "query.GetNodeByKeys", err)
	}
	return e.GetNodeByID(id, entityType)
}

// Orientation records which side of a neighbor lookup an edge was found on.
type Orientation int

const (
	OrientationOut Orientation = iota
	OrientationIn
)

// NeighborRecord is one result of Neighbors.
type NeighborRecord struct {
	Orientation       Orientation
	EdgeLabel         string
	EdgeProperties    map[string]any
	NeighborID        uuid.UUID
	NeighborLabel     string
	NeighborProperties map[string]any
}

// Neighbors returns the immediate neighbors of id, using the hot edge
// indexes and falling back to a lake edge-table scan when the node is
// not present in the graph engine.
func (e *Engine) Neighbors(id uuid.UUID, edgeLabels []string, direction graph.Direction, limit int) ([]NeighborRecord, error) {
	node, err := e.graph.GetNode(id)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Graph, "query.Neighbors", err)
	}
	if node == nil {
		cold, err := e.GetNodeByID(id, "")
		if err != nil {
			return nil, err
		}
		if cold == nil {
			return nil, kgerrors.New(kgerrors.NotFound, "query.Neighbors", "node not found: "+id.String())
		}
		return e.coldNeighbors(id, edgeLabels, direction, limit)
	}
	return e.hotNeighbors(id, edgeLabels, direction, limit)
}

func (e *Engine) hotNeighbors(id uuid.UUID, edgeLabels []string, direction graph.Direction, limit int) ([]NeighborRecord, error) {
	var out []NeighborRecord

	add := func(edges []*graph.Edge, orientation Orientation) error {
		for _, edge := range edges {
			if len(edgeLabels) > 0 && !containsFold(edgeLabels, edge.Label) {
				continue
			}
			neighborID := edge.To
			if orientation == OrientationIn {
				neighborID = edge.From
			}
			neighbor, err := e.graph.GetNode(neighborID)
			if err != nil {
				return kgerrors.Wrap(kgerrors.Graph, "query.hotNeighbors", err)
			}
			rec := NeighborRecord{Orientation: orientation, EdgeLabel: edge.Label, EdgeProperties: edge.Properties, NeighborID: neighborID}
			if neighbor != nil {
				rec.NeighborLabel = neighbor.Label
				rec.NeighborProperties = neighbor.Properties
			}
			out = append(out, rec)
		}
		return nil
	}

	if direction == graph.Out || direction == graph.Both {
		edges, err := e.graph.OutEdges(id, "")
		if err != nil {
			return nil, kgerrors.Wrap(kgerrors.Graph, "query.hotNeighbors", err)
		}
		if err := add(edges, OrientationOut); err != nil {
			return nil, err
		}
	}
	if direction == graph.In || direction == graph.Both {
		edges, err := e.graph.InEdges(id, "")
		if err != nil {
			return nil, kgerrors.Wrap(kgerrors.Graph, "query.hotNeighbors", err)
		}
		if err := add(edges, OrientationIn); err != nil {
			return nil, err
		}
	}

	sortNeighbors(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// coldNeighbors requires explicit edge labels: unlike the hot path's
// adjacency indexes, the lake has no reverse index from node id to the
// edge tables that might reference it.
func (e *Engine) coldNeighbors(id uuid.UUID, edgeLabels []string, direction graph.Direction, limit int) ([]NeighborRecord, error) {
	if len(edgeLabels) == 0 {
		return nil, kgerrors.New(kgerrors.InvalidArg, "query.coldNeighbors",
			"edge labels are required for a cold-path neighbor lookup")
	}

	var out []NeighborRecord
	scan := func(label string, column string, orientation Orientation) error {
		rows, err := e.lake.Scan(fmt.Sprintf("silver/edges/%s", label), map[string]any{column: id.String()}, 0)
		if err != nil {
			return kgerrors.Wrap(kgerrors.Lake, "query.coldNeighbors", err)
		}
		for _, r := range rows {
			otherCol := "to_node_id"
			if orientation == OrientationIn {
				otherCol = "from_node_id"
			}
			neighborID, err := uuid.Parse(fmt.Sprintf("%v", r[otherCol]))
			if err != nil {
				continue
			}
			out = append(out, NeighborRecord{Orientation: orientation, EdgeLabel: label, NeighborID: neighborID})
		}
		return nil
	}

	for _, label := range edgeLabels {
		if direction == graph.Out || direction == graph.Both {
			if err := scan(label, "from_node_id", OrientationOut); err != nil {
				return nil, err
			}
		}
		if direction == graph.In || direction == graph.Both {
			if err := scan(label, "to_node_id", OrientationIn); err != nil {
				return nil, err
			}
		}
	}

	sortNeighbors(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNeighbors(recs []NeighborRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].EdgeLabel != recs[j].EdgeLabel {
			return recs[i].EdgeLabel < recs[j].EdgeLabel
		}
		return recs[i].NeighborID.String() < recs[j].NeighborID.String()
	})
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// Subgraph is the result of a breadth-first traversal.
type Subgraph struct {
	Nodes []uuid.UUID
	Edges []NeighborRecord
}

// SubgraphBFS performs a breadth-first traversal from start, honoring
// depth/node/edge caps (0 = unlimited) and visiting each frontier in
// increasing (edge_label, neighbor_id) order for determinism.
func (e *Engine) SubgraphBFS(start uuid.UUID, edgeLabels []string, depthLimit, nodeLimit, edgeLimit int) (*Subgraph, error) {
	visited := map[uuid.UUID]bool{start: true}
	queue := []uuid.UUID{start}
	depths := map[uuid.UUID]int{start: 0}

	sg := &Subgraph{Nodes: []uuid.UUID{start}}
	seenEdges := make(map[string]bool)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		depth := depths[current]
		if depthLimit > 0 && depth >= depthLimit {
			continue
		}

		neighbors, err := e.Neighbors(current, edgeLabels, graph.Both, 0)
		if err != nil {
			if kgerrors.Is(err, kgerrors.NotFound) {
				continue
			}
			return nil, err
		}

		for _, n := range neighbors {
			// An edge is seen from both endpoints; record it only once.
			from, to := current, n.NeighborID
			if n.Orientation == OrientationIn {
				from, to = n.NeighborID, current
			}
			edgeKey := n.EdgeLabel + "|" + from.String() + "|" + to.String()
			if seenEdges[edgeKey] {
				continue
			}
			if edgeLimit > 0 && len(sg.Edges) >= edgeLimit {
				return sg, nil
			}
			seenEdges[edgeKey] = true
			sg.Edges = append(sg.Edges, n)

			if visited[n.NeighborID] {
				continue
			}
			if nodeLimit > 0 && len(sg.Nodes) >= nodeLimit {
				continue
			}
			visited[n.NeighborID] = true
			depths[n.NeighborID] = depth + 1
			sg.Nodes = append(sg.Nodes, n.NeighborID)
			queue = append(queue, n.NeighborID)
		}
	}
	return sg, nil
}

// Path is the result of ShortestPath.
type Path struct {
	Length int
	Nodes  []uuid.UUID
	Edges  []NeighborRecord
}

// ShortestPath finds an unweighted shortest path via breadth-first
// search, optionally constrained to a single edge label.
func (e *Engine) ShortestPath(from, to uuid.UUID, edgeLabel string) (*Path, error) {
	if from == to {
		return &Path{Length: 0, Nodes: []uuid.UUID{from}}, nil
	}

	var labels []string
	if edgeLabel != "" {
		labels = []string{edgeLabel}
	}

	type frame struct {
		id   uuid.UUID
		via  *NeighborRecord
		prev uuid.UUID
	}
	visited := map[uuid.UUID]frame{from: {id: from}}
	queue := []uuid.UUID{from}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		neighbors, err := e.Neighbors(current, labels, graph.Out, 0)
		if err != nil {
			if kgerrors.Is(err, kgerrors.NotFound) {
				continue
			}
			return nil, err
		}

		for _, n := range neighbors {
			if _, seen := visited[n.NeighborID]; seen {
				continue
			}
			nCopy := n
			visited[n.NeighborID] = frame{id: n.NeighborID, via: &nCopy, prev: current}
			if n.NeighborID == to {
				nodes := []uuid.UUID{to}
				edges := []NeighborRecord{nCopy}
				cursor := current
				for cursor != from {
					f := visited[cursor]
					nodes = append([]uuid.UUID{cursor}, nodes...)
					edges = append([]NeighborRecord{*f.via}, edges...)
					cursor = f.prev
				}
				nodes = append([]uuid.UUID{from}, nodes...)
				return &Path{Length: len(edges), Nodes: nodes, Edges: edges}, nil
			}
			queue = append(queue, n.NeighborID)
		}
	}
	return nil, nil
}

// SearchTextBM25 ranks a label's indexed documents against query.
func (e *Engine) SearchTextBM25(label, query string, k int) ([]graph.TextHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, kgerrors.New(kgerrors.InvalidArg, "query.SearchTextBM25", "query must not be empty")
	}
	return e.graph.SearchText(label, query, k), nil
}

// VectorHit is one ranked result of SearchVectors, with similarity
// derived from distance per the cosine convention.
type VectorHit struct {
	ID         string
	Distance   float64
	Similarity float64
}

// SearchVectors ranks a label's indexed vectors against queryVector.
func (e *Engine) SearchVectors(label string, queryVector []float32, k int) ([]VectorHit, error) {
	hits, err := e.graph.SearchVector(label, queryVector, k)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Graph, "query.SearchVectors", err)
	}
	out := make([]VectorHit, len(hits))
	for i, h := range hits {
		similarity := 1 - h.Distance/2
		if similarity < 0 {
			similarity = 0
		}
		out[i] = VectorHit{ID: h.ID, Distance: h.Distance, Similarity: similarity}
	}
	return out, nil
}

// HybridHit is one ranked result of SearchHybrid.
type HybridHit struct {
	ID         string
	Score      float64
	FromText   bool
	FromVector bool
}

// SearchHybrid fuses BM25 and vector search results by reciprocal rank,
// weighting the vector ranking by vectorWeight ∈ [0,1].
func (e *Engine) SearchHybrid(label, query string, queryVector []float32, vectorWeight float64, k int) ([]HybridHit, error) {
	if vectorWeight < 0 || vectorWeight > 1 {
		return nil, kgerrors.New(kgerrors.InvalidArg, "query.SearchHybrid", "vectorWeight must be within [0,1]")
	}

	textHits, err := e.SearchTextBM25(label, query, k*4)
	if err != nil {
		return nil, err
	}
	var vectorHits []VectorHit
	if len(queryVector) > 0 {
		vectorHits, err = e.SearchVectors(label, queryVector, k*4)
		if err != nil {
			return nil, err
		}
	}
	return fuseRRF(textHits, vectorHits, vectorWeight, k), nil
}

// fuseRRF combines two ranked lists by reciprocal rank fusion.
func fuseRRF(textHits []graph.TextHit, vectorHits []VectorHit, vectorWeight float64, k int) []HybridHit {
	const rrfK = 60.0
	scores := make(map[string]float64)
	seenText := make(map[string]bool)
	seenVector := make(map[string]bool)

	textWeight := 1 - vectorWeight
	for rank, h := range textHits {
		scores[h.ID] += textWeight * (1.0 / (rrfK + float64(rank+1)))
		seenText[h.ID] = true
	}
	for rank, h := range vectorHits {
		scores[h.ID] += vectorWeight * (1.0 / (rrfK + float64(rank+1)))
		seenVector[h.ID] = true
	}

	out := make([]HybridHit, 0, len(scores))
	for id, score := range scores {
		out = append(out, HybridHit{ID: id, Score: score, FromText: seenText[id], FromVector: seenVector[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

// SearchIndexNodes matches query as a prefix or substring against the
// primary-key columns of an entity type's index table; a UUID-prefix
// match of at least 8 characters also qualifies.
func (e *Engine) SearchIndexNodes(entityType, query string, k int) ([]Record, error) {
	if strings.TrimSpace(query) == "" {
		return nil, kgerrors.New(kgerrors.InvalidArg, "query.SearchIndexNodes", "query must not be empty")
	}
	meta, ok := e.schema.LookupEntity(entityType)
	if !ok {
		return nil, kgerrors.New(kgerrors.InvalidArg, "query.SearchIndexNodes", "unknown entity type: "+entityType)
	}

	rows, err := e.lake.Scan(fmt.Sprintf("silver/index/%s", entityType), nil, 0)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Lake, "query.SearchIndexNodes", err)
	}

	lowered := strings.ToLower(query)
	var out []Record
	for _, r := range rows {
		id := fmt.Sprintf("%v", r["id"])
		matched := len(lowered) >= 8 && strings.HasPrefix(strings.ToLower(id), lowered)
		if !matched {
			for _, pk := range meta.PrimaryKeys() {
				if strings.Contains(strings.ToLower(fmt.Sprintf("%v", r[pk])), lowered) {
					matched = true
					break
				}
			}
		}
		if !matched {
			continue
		}
		props := make(map[string]any, len(meta.PrimaryKeys()))
		for _, pk := range meta.PrimaryKeys() {
			props[pk] = r[pk]
		}
		out = append(out, Record{ID: id, Label: entityType, Properties: props})
		if k > 0 && len(out) >= k {
			break
		}
	}
	return out, nil
}

// TableScan delegates to the lake's equality-filtered scan.
func (e *Engine) TableScan(tablePath string, filters map[string]any, limit int) ([]lake.Row, error) {
	rows, err := e.lake.Scan(tablePath, filters, limit)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Lake, "query.TableScan", err)
	}
	return rows, nil
}

// TableSQL delegates to the lake's SQL-over-snapshot operation.
func (e *Engine) TableSQL(tablePath, query string) ([]lake.Row, error) {
	rows, err := e.lake.SQL(tablePath, query)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Lake, "query.TableSQL", err)
	}
	return rows, nil
}
