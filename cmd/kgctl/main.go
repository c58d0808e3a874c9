// Package main provides the kgctl CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/kgraph/pkg/catalog"
	"github.com/orneryd/kgraph/pkg/config"
	"github.com/orneryd/kgraph/pkg/embedding"
	"github.com/orneryd/kgraph/pkg/graph"
	"github.com/orneryd/kgraph/pkg/lake"
	"github.com/orneryd/kgraph/pkg/schema"
	syncpkg "github.com/orneryd/kgraph/pkg/sync"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "kgctl",
		Short: "kgctl - local knowledge-graph storage engine",
		Long: `kgctl manages a local knowledge-graph store: a schema-driven
ingestion pipeline, a synchronizer that pulls data from registered
fetchers, and a hot graph engine backed by a cold columnar lake.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kgctl v%s\n", version)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new knowledge-graph store",
		RunE:  runInit,
	}
	initCmd.Flags().String("base-dir", "./kgdata", "Base directory for the store")
	initCmd.Flags().String("schema", "", "Path to a schema YAML file to copy into the base directory (default: none copied)")
	rootCmd.AddCommand(initCmd)

	syncCmd := &cobra.Command{
		Use:   "sync <request.json>",
		Short: "Run one synchronizer pass from a sync request payload",
		Args:  cobra.ExactArgs(1),
		RunE:  runSync,
	}
	syncCmd.Flags().String("base-dir", "./kgdata", "Base directory for the store")
	syncCmd.Flags().String("schema", "", "Path to a schema YAML file (default: built-in)")
	rootCmd.AddCommand(syncCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	baseDir, _ := cmd.Flags().GetString("base-dir")
	schemaPath, _ := cmd.Flags().GetString("schema")

	fmt.Printf("initializing knowledge-graph store in %s\n", baseDir)

	cfg := config.LoadFromEnv()
	cfg.Paths.BaseDir = baseDir
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	for _, dir := range []string{cfg.Paths.BaseDir, cfg.Paths.LakeDir(), cfg.Paths.EngineDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if schemaPath != "" {
		data, err := os.ReadFile(schemaPath)
		if err != nil {
			return fmt.Errorf("reading schema: %w", err)
		}
		dest := filepath.Join(cfg.Paths.BaseDir, "schema.yaml")
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return fmt.Errorf("writing schema: %w", err)
		}
		fmt.Printf("  schema copied to %s\n", dest)
	}

	cat, err := catalog.Open(cfg.Paths.CatalogFile())
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer cat.Close()

	fmt.Println("  lake directory:    " + cfg.Paths.LakeDir())
	fmt.Println("  catalog file:      " + cfg.Paths.CatalogFile())
	fmt.Println("  graph engine dir:  " + cfg.Paths.EngineDir())
	fmt.Println("store initialized")
	return nil
}

type syncRequest struct {
	Fetcher         string                    `json:"fetcher"`
	Params          json.RawMessage           `json:"params"`
	TriggeringQuery *string                   `json:"triggering_query"`
	TargetEntities  []syncRequestTargetEntity `json:"target_entities"`
	Budget          *syncRequestBudget        `json:"budget"`
}

type syncRequestTargetEntity struct {
	URI         string          `json:"uri"`
	EntityType  string          `json:"entity_type"`
	FetcherName string          `json:"fetcher_name"`
	Params      json.RawMessage `json:"params"`
	AnchorKey   string          `json:"anchor_key"`
}

type syncRequestBudget struct {
	Type         string `json:"type"`
	DurationSecs int64  `json:"duration_secs"`
	RequestCount int64  `json:"request_count"`
}

func runSync(cmd *cobra.Command, args []string) error {
	baseDir, _ := cmd.Flags().GetString("base-dir")
	schemaPath, _ := cmd.Flags().GetString("schema")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading request: %w", err)
	}
	var req syncRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("parsing request: %w", err)
	}

	cfg := config.LoadFromEnv()
	cfg.Paths.BaseDir = baseDir
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := cfg.BuildLogger()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	var reg *schema.Registry
	if schemaPath != "" {
		reg, err = schema.Load(schemaPath)
	} else {
		reg = schema.LoadDefault()
	}
	if err != nil {
		return fmt.Errorf("loading schema: %w", err)
	}

	lk, err := lake.Open(cfg.Paths.LakeDir(), lake.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("opening lake: %w", err)
	}

	eng, err := graph.Open(graph.Options{DataDir: cfg.Paths.EngineDir(), Logger: logger})
	if err != nil {
		return fmt.Errorf("opening graph engine: %w", err)
	}
	defer eng.Close()

	cat, err := catalog.Open(cfg.Paths.CatalogFile())
	if err != nil {
		return fmt.Errorf("opening catalog: %w", err)
	}
	defer cat.Close()

	synchronizer := syncpkg.New(cat, lk, eng, reg, syncpkg.Options{
		Embedder: embedding.NullProvider{},
		Logger:   logger,
	})

	var syncCtx syncpkg.SyncContext
	syncCtx.TriggeringQuery = req.TriggeringQuery
	for _, t := range req.TargetEntities {
		syncCtx.TargetEntities = append(syncCtx.TargetEntities, syncpkg.EntityIdentifier{
			URI: t.URI, EntityType: t.EntityType, FetcherName: t.FetcherName, Params: t.Params, AnchorKey: t.AnchorKey,
		})
	}

	budget := syncpkg.SyncBudget{Kind: syncpkg.BudgetByDuration, Duration: 5 * time.Minute}
	if req.Budget != nil {
		switch req.Budget.Type {
		case "request_count":
			budget = syncpkg.SyncBudget{Kind: syncpkg.BudgetByRequestCount, RequestCount: req.Budget.RequestCount}
		default:
			budget = syncpkg.SyncBudget{Kind: syncpkg.BudgetByDuration, Duration: time.Duration(req.Budget.DurationSecs) * time.Second}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	fmt.Printf("running sync: fetcher=%s targets=%d\n", req.Fetcher, len(syncCtx.TargetEntities))
	if err := synchronizer.Sync(ctx, req.Fetcher, req.Params, syncCtx, budget); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	fmt.Println("sync complete")
	return nil
}
