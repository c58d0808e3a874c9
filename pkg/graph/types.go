// Package graph implements the embedded, transactional property-graph
// engine: Badger-backed node/edge storage with label and adjacency
// indexes, a per-label BM25 text index, and a per-label HNSW vector
// index.
package graph

import (
	"time"

	"github.com/google/uuid"
)

// Node is a labeled vertex with dynamic properties.
type Node struct {
	ID         uuid.UUID
	Label      string
	Properties map[string]any
	UpdatedAt  time.Time
}

// Edge is a directed labeled relation between two nodes.
type Edge struct {
	ID         uuid.UUID
	Label      string
	From       uuid.UUID
	To         uuid.UUID
	Properties map[string]any
	CreatedAt  time.Time
}

// Stats summarizes the engine's current content.
type Stats struct {
	Nodes   int
	Edges   int
	Vectors int
}

// Direction selects which adjacency index a neighbor lookup traverses.
type Direction int

const (
	Out Direction = iota
	In
	Both
)
