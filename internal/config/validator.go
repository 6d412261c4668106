package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/harun/replan/pkg/planner"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(field, value string, valid ...string) error {
	if slices.Contains(valid, value) {
		return nil
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", field, value, strings.Join(valid, ", "))
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

// ValidateHistory checks the history driver and its connection settings
func (v *Validator) ValidateHistory(h HistoryConfig) error {
	if err := oneOf("history driver", h.Driver, HistoryMemory, HistorySQLite, HistoryPostgres); err != nil {
		return err
	}
	switch h.Driver {
	case HistorySQLite:
		if h.SQLitePath == "" {
			return fmt.Errorf("history.sqlite_path is required for the sqlite driver")
		}
	case HistoryPostgres:
		if err := h.Postgres.Validate(); err != nil {
			return fmt.Errorf("history.postgres: %w", err)
		}
	}
	return nil
}

// ValidateArchive checks archive settings when archiving is enabled
func (v *Validator) ValidateArchive(a ArchiveConfig, history HistoryConfig) []error {
	if !a.Enabled {
		return nil
	}
	var errs []error
	if history.Driver == HistoryMemory {
		errs = append(errs, fmt.Errorf("archive requires a persistent history driver"))
	}
	if err := oneOf("archive sink", a.Sink, ArchiveFile, ArchiveMinIO); err != nil {
		errs = append(errs, err)
	}
	if _, err := cron.ParseStandard(a.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("invalid archive schedule %q: %w", a.Schedule, err))
	}
	if a.Retention <= 0 {
		errs = append(errs, fmt.Errorf("archive.retention must be positive"))
	}
	switch a.Sink {
	case ArchiveFile:
		if a.Dir == "" {
			errs = append(errs, fmt.Errorf("archive.dir is required for the file sink"))
		}
	case ArchiveMinIO:
		if err := a.MinIO.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("archive.minio: %w", err))
		}
	}
	return errs
}

// ValidateRunner checks the execution settings
func (v *Validator) ValidateRunner(r RunnerConfig) []error {
	var errs []error
	if r.MaxRounds < 1 {
		errs = append(errs, fmt.Errorf("runner.max_rounds must be >= 1"))
	}
	if err := oneOf("failure strategy", r.FailureStrategy,
		string(planner.FailAbort),
		string(planner.FailContinue),
	); err != nil {
		errs = append(errs, err)
	}
	if r.RetryBackoff < 0 {
		errs = append(errs, fmt.Errorf("runner.retry_backoff must be >= 0"))
	}
	return errs
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := cfg.Adaptation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("adaptation: %w", err))
	}
	errs = append(errs, v.ValidateRunner(cfg.Runner)...)
	if err := v.ValidateHistory(cfg.History); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, v.ValidateArchive(cfg.Archive, cfg.History)...)

	if cfg.Alternatives.Watch && cfg.Alternatives.Path == "" {
		errs = append(errs, fmt.Errorf("alternatives.watch requires alternatives.path"))
	}
	if cfg.Alternatives.StabilityThreshold < 0 {
		errs = append(errs, fmt.Errorf("alternatives.stability_threshold must be >= 0"))
	}
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Addr == "" {
			errs = append(errs, fmt.Errorf("metrics.addr is required when metrics are enabled"))
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, fmt.Errorf("metrics.path must start with /"))
		}
	}
	if cfg.Audit.Enabled && cfg.Audit.File == "" {
		errs = append(errs, fmt.Errorf("audit.file is required when audit is enabled"))
	}
	if cfg.Tracing.Enabled && cfg.Tracing.ServiceName == "" {
		errs = append(errs, fmt.Errorf("tracing.service_name is required when tracing is enabled"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if cfg.Logging.MaxSizeMB < 0 || cfg.Logging.MaxAge < 0 {
		errs = append(errs, fmt.Errorf("logging.max_size_mb and logging.max_age must be >= 0"))
	}

	return errs
}
