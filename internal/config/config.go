package config

import (
	"time"

	"github.com/harun/replan/internal/logger"
	"github.com/harun/replan/pkg/adaptation"
	"github.com/harun/replan/pkg/historystore"
)

// History drivers
const (
	HistoryMemory   = "memory"
	HistorySQLite   = "sqlite"
	HistoryPostgres = "postgres"
)

// Archive sinks
const (
	ArchiveFile  = "file"
	ArchiveMinIO = "minio"
)

// Config represents the main replan configuration
type Config struct {
	// Data directory for the sqlite database, archives and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Adaptation   adaptation.Config  `json:"adaptation" mapstructure:"adaptation"`
	Runner       RunnerConfig       `json:"runner" mapstructure:"runner"`
	Logging      logger.Config      `json:"logging" mapstructure:"logging"`
	History      HistoryConfig      `json:"history" mapstructure:"history"`
	Archive      ArchiveConfig      `json:"archive" mapstructure:"archive"`
	Alternatives AlternativesConfig `json:"alternatives" mapstructure:"alternatives"`
	Metrics      MetricsConfig      `json:"metrics" mapstructure:"metrics"`
	Audit        AuditConfig        `json:"audit" mapstructure:"audit"`
	Tracing      TracingConfig      `json:"tracing" mapstructure:"tracing"`
}

// RunnerConfig controls execute-then-adapt rounds
type RunnerConfig struct {
	MaxRounds       int           `json:"max_rounds" mapstructure:"max_rounds"`
	FailureStrategy string        `json:"failure_strategy" mapstructure:"failure_strategy"` // abort, continue
	RetryBackoff    time.Duration `json:"retry_backoff" mapstructure:"retry_backoff"`
}

// HistoryConfig selects where adaptation records are persisted
type HistoryConfig struct {
	Driver     string                      `json:"driver" mapstructure:"driver"` // memory, sqlite, postgres
	SQLitePath string                      `json:"sqlite_path" mapstructure:"sqlite_path"`
	Postgres   historystore.PostgresConfig `json:"postgres" mapstructure:"postgres"`
}

// ArchiveConfig controls periodic archiving of settled records
type ArchiveConfig struct {
	Enabled   bool                     `json:"enabled" mapstructure:"enabled"`
	Sink      string                   `json:"sink" mapstructure:"sink"` // file, minio
	Schedule  string                   `json:"schedule" mapstructure:"schedule"`
	Retention time.Duration            `json:"retention" mapstructure:"retention"`
	Dir       string                   `json:"dir" mapstructure:"dir"`
	MinIO     historystore.MinIOConfig `json:"minio" mapstructure:"minio"`
}

// AlternativesConfig points at the role registry file
type AlternativesConfig struct {
	Path               string        `json:"path" mapstructure:"path"`
	Watch              bool          `json:"watch" mapstructure:"watch"`
	StabilityThreshold time.Duration `json:"stability_threshold" mapstructure:"stability_threshold"`
}

// MetricsConfig exposes prometheus metrics
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
	Path    string `json:"path" mapstructure:"path"`
}

// AuditConfig enables the JSON lines audit log
type AuditConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	File    string `json:"file" mapstructure:"file"`
}

// TracingConfig enables OpenTelemetry spans for runs and adaptation cycles
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	logging := logger.DefaultConfig()
	logging.Pretty = false

	return &Config{
		Adaptation: adaptation.DefaultConfig(),
		Runner: RunnerConfig{
			MaxRounds:       adaptation.DefaultMaxRounds,
			FailureStrategy: "continue",
			RetryBackoff:    time.Second,
		},
		Logging: logging,
		History: HistoryConfig{
			Driver:   HistorySQLite,
			Postgres: historystore.DefaultPostgresConfig(),
		},
		Archive: ArchiveConfig{
			Sink:      ArchiveFile,
			Schedule:  adaptation.DefaultArchiveSchedule,
			Retention: adaptation.DefaultArchiveRetention,
			MinIO:     historystore.MinIOConfig{Prefix: "adaptation-records"},
		},
		Alternatives: AlternativesConfig{
			StabilityThreshold: 500 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
			Path: "/metrics",
		},
		Tracing: TracingConfig{
			ServiceName: "replan",
		},
	}
}
