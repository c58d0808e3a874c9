// Package catalog provides the durable, single-writer key/value tables
// the synchronizer and query layer use to track per-entity freshness, API
// rate budgets, task history, ingestion offsets, and source anchors.
//
// All access is serialized through a single *sql.DB connection guarded by
// an in-process mutex, mirroring the single-connection-behind-a-mutex
// discipline the engine uses for its other embedded stores.
package catalog

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orneryd/kgraph/pkg/kgerrors"
)

// TaskStatus mirrors the status vocabulary a task_logs row can carry.
type TaskStatus string

const (
	TaskRunning TaskStatus = "RUNNING"
	TaskSuccess TaskStatus = "SUCCESS"
	TaskFailed  TaskStatus = "FAILED"
)

// Readiness is one row of entity_readiness.
type Readiness struct {
	EntityURI       string
	EntityType      string
	LastSyncedAt    *time.Time
	TTLSeconds      *int64
	CoverageMetrics map[string]any
}

// APIBudget is one row of api_budget.
type APIBudget struct {
	Endpoint      string
	RequestsLeft  int64
	ResetTime     time.Time
}

// TaskLog is one row of task_logs.
type TaskLog struct {
	TaskID    int64
	TaskName  string
	StartTime time.Time
	EndTime   *time.Time
	Status    TaskStatus
	Details   string
}

// IngestionOffset is one row of ingestion_offsets, keyed by (table_path,
// entity_type).
type IngestionOffset struct {
	TablePath   string
	EntityType  string
	Category    string
	PrimaryKeys []string
	LastVersion int64
}

// SourceAnchor is one row of source_anchors, keyed by (uri, fetcher,
// anchor_key).
type SourceAnchor struct {
	URI         string
	Fetcher     string
	AnchorKey   string
	AnchorValue string
	UpdatedAt   time.Time
}

// Catalog wraps a single SQLite connection holding all five durable
// tables described in the component design.
type Catalog struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the catalog database at path and
// ensures its schema exists.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Initialization, "catalog.Open", err)
	}
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	const ddl = `
CREATE TABLE IF NOT EXISTS entity_readiness (
	entity_uri TEXT PRIMARY KEY,
	entity_type TEXT NOT NULL,
	last_synced_at INTEGER,
	ttl_seconds INTEGER,
	coverage_metrics TEXT
);
CREATE TABLE IF NOT EXISTS api_budget (
	api_endpoint TEXT PRIMARY KEY,
	requests_left INTEGER NOT NULL,
	reset_time INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS task_logs (
	task_id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_name TEXT,
	start_time INTEGER NOT NULL,
	end_time INTEGER,
	status TEXT,
	details TEXT
);
CREATE TABLE IF NOT EXISTS ingestion_offsets (
	table_path TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	category TEXT,
	primary_keys TEXT,
	last_version INTEGER NOT NULL,
	PRIMARY KEY (table_path, entity_type)
);
CREATE TABLE IF NOT EXISTS source_anchors (
	uri TEXT NOT NULL,
	fetcher TEXT NOT NULL,
	anchor_key TEXT NOT NULL,
	anchor_value TEXT,
	updated_at INTEGER,
	PRIMARY KEY (uri, fetcher, anchor_key)
);`

	if _, err := c.db.Exec(ddl); err != nil {
		return kgerrors.Wrap(kgerrors.Catalog, "catalog.initSchema", err)
	}
	return nil
}

// GetReadiness looks up entity_readiness by URI.
func (c *Catalog) GetReadiness(uri string) (*Readiness, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(`SELECT entity_uri, entity_type, last_synced_at, ttl_seconds, coverage_metrics
		FROM entity_readiness WHERE entity_uri = ?`, uri)

	var r Readiness
	var lastSynced, ttl sql.NullInt64
	var metricsJSON sql.NullString
	if err := row.Scan(&r.EntityURI, &r.EntityType, &lastSynced, &ttl, &metricsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, kgerrors.Wrap(kgerrors.Catalog, "catalog.GetReadiness", err)
	}
	if lastSynced.Valid {
		t := time.Unix(lastSynced.Int64, 0).UTC()
		r.LastSyncedAt = &t
	}
	if ttl.Valid {
		v := ttl.Int64
		r.TTLSeconds = &v
	}
	if metricsJSON.Valid && metricsJSON.String != "" {
		_ = json.Unmarshal([]byte(metricsJSON.String), &r.CoverageMetrics)
	}
	return &r, nil
}

// UpsertReadiness inserts or replaces an entity_readiness row.
func (c *Catalog) UpsertReadiness(r Readiness) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastSynced, ttl any
	if r.LastSyncedAt != nil {
		lastSynced = r.LastSyncedAt.Unix()
	}
	if r.TTLSeconds != nil {
		ttl = *r.TTLSeconds
	}
	metricsJSON := "{}"
	if r.CoverageMetrics != nil {
		b, err := json.Marshal(r.CoverageMetrics)
		if err != nil {
			return kgerrors.Wrap(kgerrors.Json, "catalog.UpsertReadiness", err)
		}
		metricsJSON = string(b)
	}

	_, err := c.db.Exec(`
		INSERT INTO entity_readiness (entity_uri, entity_type, last_synced_at, ttl_seconds, coverage_metrics)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_uri) DO UPDATE SET
			entity_type = excluded.entity_type,
			last_synced_at = excluded.last_synced_at,
			ttl_seconds = excluded.ttl_seconds,
			coverage_metrics = excluded.coverage_metrics`,
		r.EntityURI, r.EntityType, lastSynced, ttl, metricsJSON)
	if err != nil {
		return kgerrors.Wrap(kgerrors.Catalog, "catalog.UpsertReadiness", err)
	}
	return nil
}

// GetAPIBudget looks up api_budget by endpoint.
func (c *Catalog) GetAPIBudget(endpoint string) (*APIBudget, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(`SELECT api_endpoint, requests_left, reset_time FROM api_budget WHERE api_endpoint = ?`, endpoint)
	var b APIBudget
	var reset int64
	if err := row.Scan(&b.Endpoint, &b.RequestsLeft, &reset); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, kgerrors.Wrap(kgerrors.Catalog, "catalog.GetAPIBudget", err)
	}
	b.ResetTime = time.Unix(reset, 0).UTC()
	return &b, nil
}

// UpsertAPIBudget inserts or replaces an api_budget row.
func (c *Catalog) UpsertAPIBudget(b APIBudget) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
		INSERT INTO api_budget (api_endpoint, requests_left, reset_time)
		VALUES (?, ?, ?)
		ON CONFLICT(api_endpoint) DO UPDATE SET
			requests_left = excluded.requests_left,
			reset_time = excluded.reset_time`,
		b.Endpoint, b.RequestsLeft, b.ResetTime.Unix())
	if err != nil {
		return kgerrors.Wrap(kgerrors.Catalog, "catalog.UpsertAPIBudget", err)
	}
	return nil
}

// CreateTaskLog inserts a new RUNNING task_logs row and returns its
// monotonically increasing task id.
func (c *Catalog) CreateTaskLog(taskName string, startedAt time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(`INSERT INTO task_logs (task_name, start_time, status) VALUES (?, ?, ?)`,
		taskName, startedAt.Unix(), string(TaskRunning))
	if err != nil {
		return 0, kgerrors.Wrap(kgerrors.Catalog, "catalog.CreateTaskLog", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, kgerrors.Wrap(kgerrors.Catalog, "catalog.CreateTaskLog", err)
	}
	return id, nil
}

// UpdateTaskLogStatus transitions a task_logs row to a terminal status.
func (c *Catalog) UpdateTaskLogStatus(taskID int64, status TaskStatus, details string, endedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`UPDATE task_logs SET status = ?, details = ?, end_time = ? WHERE task_id = ?`,
		string(status), details, endedAt.Unix(), taskID)
	if err != nil {
		return kgerrors.Wrap(kgerrors.Catalog, "catalog.UpdateTaskLogStatus", err)
	}
	return nil
}

// GetIngestionOffset looks up the last committed version for a
// (table_path, entity_type) pair.
func (c *Catalog) GetIngestionOffset(tablePath, entityType string) (*IngestionOffset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(`SELECT table_path, entity_type, category, primary_keys, last_version
		FROM ingestion_offsets WHERE table_path = ? AND entity_type = ?`, tablePath, entityType)

	var o IngestionOffset
	var pkJSON sql.NullString
	if err := row.Scan(&o.TablePath, &o.EntityType, &o.Category, &pkJSON, &o.LastVersion); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, kgerrors.Wrap(kgerrors.Catalog, "catalog.GetIngestionOffset", err)
	}
	if pkJSON.Valid && pkJSON.String != "" {
		_ = json.Unmarshal([]byte(pkJSON.String), &o.PrimaryKeys)
	}
	return &o, nil
}

// UpsertIngestionOffset bumps the recorded last_version for a
// (table_path, entity_type) pair. Per the monotone-offset invariant,
// callers must never pass a version lower than the one already stored;
// this method enforces that by taking the max.
func (c *Catalog) UpsertIngestionOffset(o IngestionOffset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pkJSON, err := json.Marshal(o.PrimaryKeys)
	if err != nil {
		return kgerrors.Wrap(kgerrors.Json, "catalog.UpsertIngestionOffset", err)
	}

	_, err = c.db.Exec(`
		INSERT INTO ingestion_offsets (table_path, entity_type, category, primary_keys, last_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(table_path, entity_type) DO UPDATE SET
			category = excluded.category,
			primary_keys = excluded.primary_keys,
			last_version = MAX(ingestion_offsets.last_version, excluded.last_version)`,
		o.TablePath, o.EntityType, o.Category, string(pkJSON), o.LastVersion)
	if err != nil {
		return kgerrors.Wrap(kgerrors.Catalog, "catalog.UpsertIngestionOffset", err)
	}
	return nil
}

// GetSourceAnchor looks up a stored freshness anchor.
func (c *Catalog) GetSourceAnchor(uri, fetcher, anchorKey string) (*SourceAnchor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(`SELECT uri, fetcher, anchor_key, anchor_value, updated_at
		FROM source_anchors WHERE uri = ? AND fetcher = ? AND anchor_key = ?`, uri, fetcher, anchorKey)

	var a SourceAnchor
	var updated int64
	if err := row.Scan(&a.URI, &a.Fetcher, &a.AnchorKey, &a.AnchorValue, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, kgerrors.Wrap(kgerrors.Catalog, "catalog.GetSourceAnchor", err)
	}
	a.UpdatedAt = time.Unix(updated, 0).UTC()
	return &a, nil
}

// UpsertSourceAnchor inserts or replaces a source_anchors row.
func (c *Catalog) UpsertSourceAnchor(a SourceAnchor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
		INSERT INTO source_anchors (uri, fetcher, anchor_key, anchor_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(uri, fetcher, anchor_key) DO UPDATE SET
			anchor_value = excluded.anchor_value,
			updated_at = excluded.updated_at`,
		a.URI, a.Fetcher, a.AnchorKey, a.AnchorValue, a.UpdatedAt.Unix())
	if err != nil {
		return kgerrors.Wrap(kgerrors.Catalog, "catalog.UpsertSourceAnchor", err)
	}
	return nil
}
