// Package fetcher declares the contract external data sources implement
// and the in-memory registry the synchronizer resolves fetchers through.
//
// A Fetcher is a plain Go interface rather than the type-erased trait
// object the original design used — Go interfaces already erase the
// concrete type, so no AnyFetchable-style wrapper is needed. Typed
// batches are rendered as lake.Batch directly: a single dynamic row
// representation backed by schema metadata, per the design notes on
// avoiding per-entity generic code.
package fetcher

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/orneryd/kgraph/pkg/embedding"
	"github.com/orneryd/kgraph/pkg/kgerrors"
	"github.com/orneryd/kgraph/pkg/lake"
)

// ProducesKind distinguishes the three shapes a capability can declare
// it produces.
type ProducesKind string

const (
	ProducesNode  ProducesKind = "node"
	ProducesEdge  ProducesKind = "edge"
	ProducesPanel ProducesKind = "panel"
)

// Produces describes one entity/edge/panel shape a fetcher's capability
// can emit.
type Produces struct {
	Kind        ProducesKind
	Name        string
	TablePath   string
	PrimaryKeys []string
}

// Capability is the declarative descriptor a fetcher publishes so
// callers can validate params and discover what it emits before
// invoking it.
type Capability struct {
	Name              string
	Description       string
	ParamSchema       json.RawMessage // JSON Schema for params
	Produces          []Produces
	DefaultTTLSeconds *int64
	Examples          []json.RawMessage
}

// ProbeReport is the result of a cheap freshness check, returned
// verbatim to the caller of check_readiness for inspection.
type ProbeReport struct {
	Fresh            *bool
	RemoteAnchor     *string
	LocalAnchor      *string
	AnchorKey        *string
	EstimatedMissing *int64
	RateLimitLeft    *int64
	Reason           *string
}

// GraphData is the bundle a single fetch call produces when it is
// updating the graph: any mix of node, edge, or vector batches, each
// self-describing its own entity type, category, primary keys, and
// target table path via lake.Batch.
type GraphData struct {
	Entities []lake.Batch
}

// PanelData is a free-form analytical table that is written to the lake
// but never indexed into the graph engine.
type PanelData struct {
	TableName string
	Batch     lake.Batch
}

// ResponseKind distinguishes the two shapes a FetchResponse can take.
type ResponseKind int

const (
	ResponseGraphData ResponseKind = iota
	ResponsePanelData
)

// FetchResponse is the sum type a Fetcher.Fetch call returns: exactly
// one of GraphData or PanelData is populated, per Kind.
type FetchResponse struct {
	Kind      ResponseKind
	GraphData *GraphData
	PanelData *PanelData
}

// Fetcher is an out-of-core adapter the synchronizer calls to pull data
// from an external source.
type Fetcher interface {
	Name() string
	Capability() Capability
	Probe(ctx context.Context, params json.RawMessage) (ProbeReport, error)
	Fetch(ctx context.Context, params json.RawMessage, embedder embedding.Provider) (FetchResponse, error)
}

// Registry holds every registered fetcher by name. Registration is rare
// and guarded by a write lock; lookups take a read lock, which in
// practice never contends once startup registration has completed.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRegistry returns an empty fetcher registry.
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[string]Fetcher)}
}

// Register adds a fetcher under its own Name(). Re-registering the same
// name replaces the prior fetcher.
func (r *Registry) Register(f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[f.Name()] = f
}

// Lookup resolves a fetcher by name.
func (r *Registry) Lookup(name string) (Fetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fetchers[name]
	if !ok {
		return nil, kgerrors.New(kgerrors.NotFound, "fetcher.Registry.Lookup", "unknown fetcher: "+name)
	}
	return f, nil
}

// ListCapabilities returns the capability descriptor of every
// registered fetcher.
func (r *Registry) ListCapabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.fetchers))
	for _, f := range r.fetchers {
		out = append(out, f.Capability())
	}
	return out
}
