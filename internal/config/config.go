// Package config defines service configuration and its loader.
package config

import (
	"fmt"
	"time"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat selects the log handler: text or json.
	LogFormat string `koanf:"log_format"`
	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// Store selects the persistence backend: memory or sqlite.
	Store string `koanf:"store"`
	// SQLitePath is the database file used when Store is sqlite.
	SQLitePath string `koanf:"sqlite_path"`
	// ChartCatalogPath points at the YAML chart catalog.
	ChartCatalogPath string `koanf:"chart_catalog_path"`

	// QueueSize bounds the in-memory change-batch queue.
	QueueSize int `koanf:"queue_size"`
	// WorkerCount sets the number of aggregation workers.
	WorkerCount int `koanf:"worker_count"`
	// DedupeSize bounds the change-record dedupe window. Zero disables dedupe.
	DedupeSize int `koanf:"dedupe_size"`
	// GroupConcurrency caps per-user groups aggregated in parallel per batch.
	GroupConcurrency int `koanf:"group_concurrency"`
	// ConflictRetries caps optimistic bucket write attempts.
	ConflictRetries int `koanf:"conflict_retries"`

	// SoftDeleteTTLSeconds is how long superseded records remain.
	SoftDeleteTTLSeconds int `koanf:"soft_delete_ttl_seconds"`
	// ReconcileIntervalMinutes schedules full reconciliation. Zero disables it.
	ReconcileIntervalMinutes int `koanf:"reconcile_interval_minutes"`
	// ReconcileOnStart runs one reconciliation before serving.
	ReconcileOnStart bool `koanf:"reconcile_on_start"`
	// PurgeIntervalSeconds schedules removal of expired records. Zero disables it.
	PurgeIntervalSeconds int `koanf:"purge_interval_seconds"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:                 "info",
		LogFormat:                "text",
		Addr:                     ":9080",
		Store:                    StoreMemory,
		SQLitePath:               "stepscore.db",
		QueueSize:                10_000,
		WorkerCount:              4,
		DedupeSize:               50_000,
		GroupConcurrency:         8,
		ConflictRetries:          3,
		SoftDeleteTTLSeconds:     3600,
		ReconcileIntervalMinutes: 1440,
		PurgeIntervalSeconds:     300,
	}
}

// ReconcileInterval returns the reconciliation period.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMinutes) * time.Minute
}

// PurgeInterval returns the expired-record purge period.
func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.PurgeIntervalSeconds) * time.Second
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("addr must not be empty: %w", ErrInvalidConfig)
	case c.Store != StoreMemory && c.Store != StoreSQLite:
		return fmt.Errorf("store must be %q or %q, got %q: %w", StoreMemory, StoreSQLite, c.Store, ErrInvalidConfig)
	case c.Store == StoreSQLite && c.SQLitePath == "":
		return fmt.Errorf("sqlite_path is required for the sqlite store: %w", ErrInvalidConfig)
	case c.LogFormat != "text" && c.LogFormat != "json":
		return fmt.Errorf("log_format must be text or json, got %q: %w", c.LogFormat, ErrInvalidConfig)
	case c.SoftDeleteTTLSeconds <= 0:
		return fmt.Errorf("soft_delete_ttl_seconds must be positive: %w", ErrInvalidConfig)
	case c.QueueSize <= 0:
		return fmt.Errorf("queue_size must be positive: %w", ErrInvalidConfig)
	case c.ConflictRetries <= 0:
		return fmt.Errorf("conflict_retries must be positive: %w", ErrInvalidConfig)
	case c.ReconcileIntervalMinutes < 0 || c.PurgeIntervalSeconds < 0:
		return fmt.Errorf("intervals must not be negative: %w", ErrInvalidConfig)
	}
	return nil
}
