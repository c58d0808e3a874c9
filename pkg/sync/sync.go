// Package sync implements the synchronizer: a fetcher registry and
// execution loop that probes freshness, runs a fetch,
// writes the resulting update package across the lake and graph
// engine, and advances catalog offsets. See ProcessGraphData for the
// write routine that keeps the two stores converging.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/kgraph/pkg/catalog"
	"github.com/orneryd/kgraph/pkg/embedding"
	"github.com/orneryd/kgraph/pkg/fetcher"
	"github.com/orneryd/kgraph/pkg/graph"
	"github.com/orneryd/kgraph/pkg/identity"
	"github.com/orneryd/kgraph/pkg/kgerrors"
	"github.com/orneryd/kgraph/pkg/lake"
	"github.com/orneryd/kgraph/pkg/schema"
)

// EntityIdentifier names one entity a caller wants freshness or sync
// coverage for.
type EntityIdentifier struct {
	URI         string
	EntityType  string
	FetcherName string
	Params      json.RawMessage
	AnchorKey   string
}

// ReadinessReport is check_readiness's per-entity result.
type ReadinessReport struct {
	IsFresh             bool
	FreshnessGapSeconds *int64
	CoverageMetrics     map[string]any
	ProbeReport         *fetcher.ProbeReport
}

// SyncContext carries the set of entities a sync call is expected to
// leave fresh, plus an optional diagnostic hint about what triggered it.
type SyncContext struct {
	TriggeringQuery *string
	TargetEntities  []EntityIdentifier
}

// BudgetKind distinguishes the two advisory budget shapes a sync call
// accepts.
type BudgetKind int

const (
	BudgetByDuration BudgetKind = iota
	BudgetByRequestCount
)

// SyncBudget is an advisory hint; the synchronizer itself enforces
// nothing beyond never calling fetch more than once per sync call.
// Sync does not forward the budget to the fetcher: Fetcher.Fetch takes
// no budget argument.
type SyncBudget struct {
	Kind         BudgetKind
	Duration     time.Duration
	RequestCount int64
}

// Options configures a Synchronizer.
type Options struct {
	Embedder embedding.Provider
	Logger   *zap.Logger
}

// Synchronizer is the central pipeline. Its only mutable state is the
// fetcher registry; nothing else is visible to callers across calls.
type Synchronizer struct {
	fetchers *fetcher.Registry
	catalog  *catalog.Catalog
	lake     *lake.Lake
	engine   *graph.Engine
	schema   *schema.Registry
	embedder embedding.Provider
	logger   *zap.Logger
}

// New assembles a Synchronizer over the engine's already-open stores.
func New(cat *catalog.Catalog, lk *lake.Lake, eng *graph.Engine, reg *schema.Registry, opts Options) *Synchronizer {
	embedder := opts.Embedder
	if embedder == nil {
		embedder = embedding.NullProvider{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		fetchers: fetcher.NewRegistry(),
		catalog:  cat,
		lake:     lk,
		engine:   eng,
		schema:   reg,
		embedder: embedder,
		logger:   logger,
	}
}

// RegisterFetcher adds a fetcher to the registry.
func (s *Synchronizer) RegisterFetcher(f fetcher.Fetcher) {
	s.fetchers.Register(f)
}

// ListFetcherCapabilities returns every registered fetcher's descriptor.
func (s *Synchronizer) ListFetcherCapabilities() []fetcher.Capability {
	return s.fetchers.ListCapabilities()
}

// readinessProbeConcurrency bounds how many fetcher probes run at once
// during CheckReadiness; probes are typically network calls and targets
// are usually independent sources, so a handful in flight is plenty.
const readinessProbeConcurrency = 4

// CheckReadiness reports, for each identifier, whether it is fresh
// enough to skip a fetch. Probes run concurrently, bounded by
// readinessProbeConcurrency, since each target's fetcher is probed
// independently of the others.
func (s *Synchronizer) CheckReadiness(ctx context.Context, targets []EntityIdentifier) (map[string]ReadinessReport, error) {
	out := make(map[string]ReadinessReport, len(targets))
	var mu sync.Mutex
	now := time.Now().UTC()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readinessProbeConcurrency)

	for _, t := range targets {
		t := t
		g.Go(func() error {
			report, err := s.checkOneReadiness(gctx, t, now)
			if err != nil {
				return err
			}
			mu.Lock()
			out[t.URI] = report
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Synchronizer) checkOneReadiness(ctx context.Context, t EntityIdentifier, now time.Time) (ReadinessReport, error) {
	readiness, err := s.catalog.GetReadiness(t.URI)
	if err != nil {
		return ReadinessReport{}, kgerrors.Wrap(kgerrors.Catalog, "sync.checkOneReadiness", err)
	}

	var gap *int64
	if readiness != nil && readiness.LastSyncedAt != nil {
		g := int64(now.Sub(*readiness.LastSyncedAt).Seconds())
		gap = &g
	}

	var probeReport *fetcher.ProbeReport
	if t.FetcherName != "" {
		if f, err := s.fetchers.Lookup(t.FetcherName); err == nil {
			report, err := f.Probe(ctx, t.Params)
			if err == nil {
				probeReport = &report
			}
		}
	}

	fresh := false
	if readiness != nil && readiness.LastSyncedAt != nil && readiness.TTLSeconds != nil && gap != nil && *gap < *readiness.TTLSeconds {
		fresh = true
		if t.AnchorKey != "" {
			anchor, err := s.catalog.GetSourceAnchor(t.URI, t.FetcherName, t.AnchorKey)
			if err != nil {
				return ReadinessReport{}, kgerrors.Wrap(kgerrors.Catalog, "sync.checkOneReadiness", err)
			}
			fresh = anchor != nil && probeReport != nil && probeReport.RemoteAnchor != nil && *probeReport.RemoteAnchor == anchor.AnchorValue
		}
	}

	var coverage map[string]any
	if readiness != nil {
		coverage = readiness.CoverageMetrics
	}

	return ReadinessReport{
		IsFresh:             fresh,
		FreshnessGapSeconds: gap,
		CoverageMetrics:     coverage,
		ProbeReport:         probeReport,
	}, nil
}

// Sync runs one fetch-and-write pass for a registered fetcher.
func (s *Synchronizer) Sync(ctx context.Context, fetcherName string, params json.RawMessage, syncCtx SyncContext, budget SyncBudget) error {
	taskID, err := s.catalog.CreateTaskLog(fetcherName, time.Now().UTC())
	if err != nil {
		return kgerrors.Wrap(kgerrors.Catalog, "sync.Sync", err)
	}

	fail := func(cause error) error {
		_ = s.catalog.UpdateTaskLogStatus(taskID, catalog.TaskFailed, cause.Error(), time.Now().UTC())
		return cause
	}

	f, err := s.fetchers.Lookup(fetcherName)
	if err != nil {
		return fail(kgerrors.Wrap(kgerrors.Sync, "sync.Sync", err))
	}

	resp, err := f.Fetch(ctx, params, s.embedder)
	if err != nil {
		return fail(kgerrors.Wrap(kgerrors.Sync, "sync.Sync", err))
	}

	switch resp.Kind {
	case fetcher.ResponseGraphData:
		if resp.GraphData == nil {
			return fail(kgerrors.New(kgerrors.Sync, "sync.Sync", "fetcher reported GraphData with a nil payload"))
		}
		if err := s.ProcessGraphData(*resp.GraphData); err != nil {
			return fail(err)
		}
	case fetcher.ResponsePanelData:
		if resp.PanelData == nil {
			return fail(kgerrors.New(kgerrors.Sync, "sync.Sync", "fetcher reported PanelData with a nil payload"))
		}
		pd := resp.PanelData
		if err := s.lake.WriteBatches(pd.TableName, pd.Batch.Rows, pd.Batch.Fields, nil); err != nil {
			return fail(err)
		}
		version, err := s.lake.TableVersion(pd.TableName)
		if err != nil {
			return fail(err)
		}
		if err := s.catalog.UpsertIngestionOffset(catalog.IngestionOffset{
			TablePath: pd.TableName, EntityType: pd.TableName, Category: "panel", LastVersion: version,
		}); err != nil {
			return fail(err)
		}
	default:
		return fail(kgerrors.New(kgerrors.Sync, "sync.Sync", "fetcher returned an unrecognized response kind"))
	}

	now := time.Now().UTC()
	for _, target := range syncCtx.TargetEntities {
		ttl := int64(3600)
		if descriptor := f.Capability(); descriptor.DefaultTTLSeconds != nil {
			ttl = *descriptor.DefaultTTLSeconds
		}
		if err := s.catalog.UpsertReadiness(catalog.Readiness{
			EntityURI: target.URI, EntityType: target.EntityType, LastSyncedAt: &now, TTLSeconds: &ttl,
		}); err != nil {
			return fail(kgerrors.Wrap(kgerrors.Catalog, "sync.Sync", err))
		}

		if target.AnchorKey == "" {
			continue
		}
		probeParams := target.Params
		if probeParams == nil {
			probeParams = params
		}
		report, err := f.Probe(ctx, probeParams)
		if err != nil || report.RemoteAnchor == nil {
			continue
		}
		if err := s.catalog.UpsertSourceAnchor(catalog.SourceAnchor{
			URI: target.URI, Fetcher: fetcherName, AnchorKey: target.AnchorKey,
			AnchorValue: *report.RemoteAnchor, UpdatedAt: now,
		}); err != nil {
			return fail(kgerrors.Wrap(kgerrors.Catalog, "sync.Sync", err))
		}
	}

	if err := s.catalog.UpdateTaskLogStatus(taskID, catalog.TaskSuccess, "", time.Now().UTC()); err != nil {
		return kgerrors.Wrap(kgerrors.Catalog, "sync.Sync", err)
	}
	return nil
}

// ProcessGraphData is the write routine described in the component
// design's "hard routine": for each batch, in order, it writes the
// lake entity table, the lake index table, the graph-engine
// transaction, and the ingestion offset, in that strict sequence.
// Exposed directly so tests and fixture replay can drive it without a
// fetcher round-trip.
func (s *Synchronizer) ProcessGraphData(gd fetcher.GraphData) error {
	for _, batch := range gd.Entities {
		if err := s.processBatch(batch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) processBatch(batch lake.Batch) error {
	meta, ok := s.schema.LookupEntity(batch.EntityType)
	isEdge := batch.Category == schema.CategoryEdge
	if !isEdge && !ok {
		return kgerrors.New(kgerrors.InvalidArg, "sync.processBatch", "unknown entity type: "+batch.EntityType)
	}

	// (b) lake entity/edge table.
	if err := s.lake.WriteBatches(batch.TablePath, batch.Rows, batch.Fields, batch.PrimaryKeys); err != nil {
		return err
	}

	// (c) parallel index table, skipped for edges (they have no
	// separate index family).
	ids := make([]uuid.UUID, len(batch.Rows))
	for i, row := range batch.Rows {
		id, err := s.rowIdentity(batch, row, i)
		if err != nil {
			return err
		}
		ids[i] = id
	}

	if !isEdge {
		if err := s.writeIndexTable(batch, ids); err != nil {
			return err
		}
	}

	tx, err := s.engine.BeginWrite()
	if err != nil {
		return kgerrors.Wrap(kgerrors.Graph, "sync.processBatch", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	switch batch.Category {
	case schema.CategoryNode, schema.CategoryVector:
		for i, row := range batch.Rows {
			props := projectProperties(meta, row)
			if err := tx.InsertNode(ids[i], batch.EntityType, props); err != nil {
				return err
			}
		}
		if batch.Category == schema.CategoryVector {
			if err := s.applyVectorEdgeRules(tx, batch, ids); err != nil {
				return err
			}
		}
	case schema.CategoryEdge:
		for i, row := range batch.Rows {
			from, to, ok := edgeEndpoints(row)
			if !ok {
				return kgerrors.New(kgerrors.InvalidArg, "sync.processBatch", "edge row missing a non-null endpoint")
			}
			props := projectRawProperties(row)
			if err := tx.InsertEdge(ids[i], batch.EntityType, from, to, props); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	// (g) offset bump.
	version, err := s.lake.TableVersion(batch.TablePath)
	if err != nil {
		return err
	}
	return s.catalog.UpsertIngestionOffset(catalog.IngestionOffset{
		TablePath: batch.TablePath, EntityType: batch.EntityType,
		Category: string(batch.Category), PrimaryKeys: batch.PrimaryKeys, LastVersion: version,
	})
}

// rowIdentity computes a row's stable id, either from its declared
// primary keys or, for vector rows with no declared keys, from an "id"
// column the fetcher already populated.
func (s *Synchronizer) rowIdentity(batch lake.Batch, row lake.Row, index int) (uuid.UUID, error) {
	if batch.Category == schema.CategoryEdge {
		if raw, ok := row["id"]; ok {
			if id, err := uuid.Parse(fmt.Sprintf("%v", raw)); err == nil {
				return id, nil
			}
		}
		from, to, ok := edgeEndpoints(row)
		if !ok {
			return uuid.Nil, kgerrors.New(kgerrors.InvalidArg, "sync.rowIdentity", "edge row missing a non-null endpoint")
		}
		return identity.StableEdgeID(batch.EntityType, from, to)
	}

	if len(batch.PrimaryKeys) == 0 {
		raw, ok := row["id"]
		if !ok {
			return uuid.Nil, kgerrors.New(kgerrors.InvalidArg, "sync.rowIdentity",
				fmt.Sprintf("row %d of %q has no declared primary keys and no id column", index, batch.EntityType))
		}
		return uuid.Parse(fmt.Sprintf("%v", raw))
	}

	keys := make([]identity.KeyValue, len(batch.PrimaryKeys))
	for i, pk := range batch.PrimaryKeys {
		v, ok := row[pk]
		if !ok || v == nil {
			return uuid.Nil, kgerrors.New(kgerrors.InvalidArg, "sync.rowIdentity",
				fmt.Sprintf("row %d of %q is missing primary key %q", index, batch.EntityType, pk))
		}
		keys[i] = identity.KeyValue{Key: pk, Value: fmt.Sprintf("%v", v)}
	}
	return identity.StableNodeID(batch.EntityType, keys)
}

func (s *Synchronizer) writeIndexTable(batch lake.Batch, ids []uuid.UUID) error {
	indexFields := []schema.Field{{Name: "id", Type: schema.FieldUUID, PrimaryKey: true}}
	for _, pk := range batch.PrimaryKeys {
		indexFields = append(indexFields, schema.Field{Name: pk, Type: schema.FieldString})
	}

	indexRows := make([]lake.Row, len(batch.Rows))
	for i, row := range batch.Rows {
		r := lake.Row{"id": ids[i].String()}
		for _, pk := range batch.PrimaryKeys {
			r[pk] = row[pk]
		}
		indexRows[i] = r
	}

	indexPath := fmt.Sprintf("silver/index/%s", batch.EntityType)
	return s.lake.WriteBatches(indexPath, indexRows, indexFields, []string{"id"})
}

func projectProperties(meta schema.EntityMetadata, row lake.Row) map[string]any {
	props := make(map[string]any)
	for _, f := range meta.Fields {
		if v, ok := row[f.Name]; ok && v != nil {
			props[f.Name] = v
		}
	}
	if v, ok := row["embedding"]; ok && v != nil {
		props["embedding"] = v
	}
	if v, ok := row["text"]; ok && v != nil {
		props["text"] = v
	}
	return props
}

func projectRawProperties(row lake.Row) map[string]any {
	props := make(map[string]any, len(row))
	for k, v := range row {
		if v != nil && k != "id" && k != "from_node_id" && k != "to_node_id" {
			props[k] = v
		}
	}
	return props
}

func edgeEndpoints(row lake.Row) (from, to uuid.UUID, ok bool) {
	fromRaw, hasFrom := row["from_node_id"]
	toRaw, hasTo := row["to_node_id"]
	if !hasFrom || !hasTo || fromRaw == nil || toRaw == nil {
		return uuid.Nil, uuid.Nil, false
	}
	from, err := uuid.Parse(fmt.Sprintf("%v", fromRaw))
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	to, err = uuid.Parse(fmt.Sprintf("%v", toRaw))
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return from, to, true
}

// applyVectorEdgeRules derives and writes vector->parent edges for
// every rule declared on a vector entity type (§4.1/§4.7f).
func (s *Synchronizer) applyVectorEdgeRules(tx *graph.Tx, batch lake.Batch, ids []uuid.UUID) error {
	rules := s.schema.VectorRules(batch.EntityType)
	if len(rules) == 0 {
		return nil
	}

	for _, rule := range rules {
		for i, row := range batch.Rows {
			vectorID := ids[i]

			parentID, err := s.resolveVectorParent(rule, row)
			if err != nil {
				return err
			}

			fromType := batch.EntityType
			if rule.SourceNodeTypeKind == schema.SourceTypeFromKeyPattern {
				if v, ok := row[rule.SourceNodeTypeValue]; ok && v != nil {
					fromType = fmt.Sprintf("%v", v)
				}
			} else if rule.SourceNodeTypeValue != "" {
				fromType = rule.SourceNodeTypeValue
			}

			// vectorID is "from" and parentID is "to", matching the edge
			// this loop actually inserts (vector->parent) and its
			// from_node_type/to_node_type labeling below; StableEdgeID's
			// argument order here follows (label, from, to) the same way
			// every other call site in this file does.
			edgeID, err := identity.StableEdgeID(rule.EdgeType, vectorID, parentID)
			if err != nil {
				return err
			}

			edgeTablePath := fmt.Sprintf("silver/edges/%s", rule.EdgeType)
			edgeFields := []schema.Field{
				{Name: "id", Type: schema.FieldUUID, PrimaryKey: true},
				{Name: "from_node_id", Type: schema.FieldUUID},
				{Name: "to_node_id", Type: schema.FieldUUID},
				{Name: "from_node_type", Type: schema.FieldString},
				{Name: "to_node_type", Type: schema.FieldString},
			}
			edgeRow := lake.Row{
				"id": edgeID.String(), "from_node_id": vectorID.String(), "to_node_id": parentID.String(),
				"from_node_type": fromType, "to_node_type": rule.TargetNodeType,
			}
			if err := s.lake.WriteBatches(edgeTablePath, []lake.Row{edgeRow}, edgeFields, []string{"id"}); err != nil {
				return err
			}

			if err := tx.InsertEdge(edgeID, rule.EdgeType, vectorID, parentID, map[string]any{
				"from_node_type": fromType, "to_node_type": rule.TargetNodeType,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Synchronizer) resolveVectorParent(rule schema.VectorEdgeRule, row lake.Row) (uuid.UUID, error) {
	switch rule.SourceKind {
	case schema.SourceDirectColumn:
		v, ok := row[rule.SourceColumn]
		if !ok || v == nil {
			return uuid.Nil, kgerrors.New(kgerrors.InvalidArg, "sync.resolveVectorParent",
				"vector row missing direct-column value "+rule.SourceColumn)
		}
		return uuid.Parse(fmt.Sprintf("%v", v))

	case schema.SourcePrimaryKey:
		parentMeta, ok := s.schema.LookupEntity(rule.SourceEntity)
		if !ok {
			return uuid.Nil, kgerrors.New(kgerrors.InvalidArg, "sync.resolveVectorParent",
				"vector-edge rule references undeclared entity "+rule.SourceEntity)
		}
		byParentKey := make(map[string]string, len(rule.SourceMappings))
		for _, m := range rule.SourceMappings {
			byParentKey[m.PrimaryKey] = m.VectorColumn
		}
		parentKeys := parentMeta.PrimaryKeys()
		keys := make([]identity.KeyValue, len(parentKeys))
		for i, pk := range parentKeys {
			vectorColumn, ok := byParentKey[pk]
			if !ok {
				return uuid.Nil, kgerrors.New(kgerrors.InvalidArg, "sync.resolveVectorParent",
					"vector-edge rule has no mapping for parent primary key "+pk)
			}
			v, ok := row[vectorColumn]
			if !ok || v == nil {
				return uuid.Nil, kgerrors.New(kgerrors.InvalidArg, "sync.resolveVectorParent",
					"vector row missing mapped column "+vectorColumn)
			}
			keys[i] = identity.KeyValue{Key: pk, Value: fmt.Sprintf("%v", v)}
		}
		return identity.StableNodeID(rule.SourceEntity, keys)

	default:
		return uuid.Nil, kgerrors.New(kgerrors.Schema, "sync.resolveVectorParent", "unknown vector-edge source kind")
	}
}
