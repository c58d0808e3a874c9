// Package config loads runtime configuration for the knowledge-graph
// engine from environment variables through small getEnv/getEnvInt
// helpers.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Config holds every env-tunable setting for the engine's components.
type Config struct {
	Paths   PathsConfig
	HNSW    HNSWConfig
	Sync    SyncConfig
	Logging LoggingConfig
}

// PathsConfig controls the on-disk layout under a single base directory.
type PathsConfig struct {
	BaseDir       string
	LakeSubdir    string
	CatalogSubdir string
	EngineSubdir  string
}

func (p PathsConfig) LakeDir() string    { return filepath.Join(p.BaseDir, p.LakeSubdir) }
func (p PathsConfig) CatalogFile() string {
	return filepath.Join(p.BaseDir, p.CatalogSubdir)
}
func (p PathsConfig) EngineDir() string { return filepath.Join(p.BaseDir, p.EngineSubdir) }

// HNSWConfig holds vector-index tuning values read from the environment.
// pkg/graph does not read them: every index is built with
// graph.DefaultHNSWConfig.
type HNSWConfig struct {
	M              int
	EfConstruction int
	EfSearch       int
}

// SyncConfig holds synchronizer settings read from the environment.
// pkg/sync does not read them: Sync uses a fixed 3600-second default TTL
// and runs one fetch per call.
type SyncConfig struct {
	DefaultTTLSeconds int
	MaxConcurrentSync int
}

// LoggingConfig selects the zap log level.
type LoggingConfig struct {
	Level string
}

// LoadFromEnv assembles a Config from KG_* environment variables, filling
// in sensible defaults for anything unset.
func LoadFromEnv() *Config {
	cfg := &Config{}

	cfg.Paths.BaseDir = getEnv("KG_BASE_DIR", "./kgdata")
	cfg.Paths.LakeSubdir = getEnv("KG_LAKE_SUBDIR", "lake")
	cfg.Paths.CatalogSubdir = getEnv("KG_CATALOG_SUBDIR", "catalog.db")
	cfg.Paths.EngineSubdir = getEnv("KG_ENGINE_SUBDIR", "engine")

	cfg.HNSW.M = getEnvInt("KG_HNSW_M", 16)
	cfg.HNSW.EfConstruction = getEnvInt("KG_HNSW_EF_CONSTRUCTION", 200)
	cfg.HNSW.EfSearch = getEnvInt("KG_HNSW_EF_SEARCH", 100)

	cfg.Sync.DefaultTTLSeconds = getEnvInt("KG_SYNC_DEFAULT_TTL_SECONDS", 3600)
	cfg.Sync.MaxConcurrentSync = getEnvInt("KG_SYNC_MAX_CONCURRENT", 4)

	cfg.Logging.Level = getEnv("KG_LOG_LEVEL", "info")

	return cfg
}

// Validate checks the configuration for logically invalid values.
func (c *Config) Validate() error {
	if c.Paths.BaseDir == "" {
		return fmt.Errorf("base directory must not be empty")
	}
	if c.HNSW.M <= 0 {
		return fmt.Errorf("invalid HNSW M: %d", c.HNSW.M)
	}
	if c.HNSW.EfSearch <= 0 {
		return fmt.Errorf("invalid HNSW ef_search: %d", c.HNSW.EfSearch)
	}
	if c.Sync.MaxConcurrentSync <= 0 {
		return fmt.Errorf("invalid max concurrent sync: %d", c.Sync.MaxConcurrentSync)
	}
	return nil
}

// BuildLogger constructs the zap.Logger implied by c.Logging.Level. Every
// component defaults to zap.NewNop() when no logger is supplied, so this
// is only needed by entry points (cmd/kgctl) that want real output.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	var level zap.AtomicLevel
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = level
	return zapCfg.Build()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}
