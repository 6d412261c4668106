package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. REPLAN_HISTORY_DRIVER
const EnvPrefix = "REPLAN"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file, applies REPLAN_* environment overrides and fills
// derived paths. A missing file yields the defaults plus overrides.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.path()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		v.SetConfigType(configType(configPath))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".replan")
	}
	if cfg.History.SQLitePath == "" {
		cfg.History.SQLitePath = filepath.Join(cfg.DataDir, "history.db")
	}
	if cfg.Archive.Dir == "" {
		cfg.Archive.Dir = filepath.Join(cfg.DataDir, "archive")
	}
	if cfg.Audit.File == "" {
		cfg.Audit.File = filepath.Join(cfg.DataDir, "audit.jsonl")
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys absent from the file
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)

	a := cfg.Adaptation
	v.SetDefault("adaptation.min_action_score", a.MinActionScore)
	v.SetDefault("adaptation.max_adaptation_iterations", a.MaxAdaptationIterations)
	v.SetDefault("adaptation.performance_degradation_multiplier", a.PerformanceDegradationMultiplier)
	v.SetDefault("adaptation.min_history_sample_for_confidence", a.MinHistorySampleForConfidence)
	v.SetDefault("adaptation.repeated_failure_threshold", a.RepeatedFailureThreshold)
	v.SetDefault("adaptation.contention_threshold", a.ContentionThreshold)
	v.SetDefault("adaptation.default_step_estimate", a.DefaultStepEstimate)
	v.SetDefault("adaptation.timeout_growth", a.TimeoutGrowth)
	v.SetDefault("adaptation.max_retry_budget", a.MaxRetryBudget)
	v.SetDefault("adaptation.realized_tolerance", a.RealizedTolerance)

	v.SetDefault("runner.max_rounds", cfg.Runner.MaxRounds)
	v.SetDefault("runner.failure_strategy", cfg.Runner.FailureStrategy)
	v.SetDefault("runner.retry_backoff", cfg.Runner.RetryBackoff)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.max_size_mb", cfg.Logging.MaxSizeMB)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)

	h := cfg.History
	v.SetDefault("history.driver", h.Driver)
	v.SetDefault("history.sqlite_path", h.SQLitePath)
	v.SetDefault("history.postgres.url", h.Postgres.URL)
	v.SetDefault("history.postgres.ping_timeout", h.Postgres.PingTimeout)
	v.SetDefault("history.postgres.max_open_conns", h.Postgres.MaxOpenConns)
	v.SetDefault("history.postgres.max_idle_conns", h.Postgres.MaxIdleConns)
	v.SetDefault("history.postgres.conn_max_lifetime", h.Postgres.ConnMaxLifetime)
	v.SetDefault("history.postgres.conn_max_idle_time", h.Postgres.ConnMaxIdleTime)

	ar := cfg.Archive
	v.SetDefault("archive.enabled", ar.Enabled)
	v.SetDefault("archive.sink", ar.Sink)
	v.SetDefault("archive.schedule", ar.Schedule)
	v.SetDefault("archive.retention", ar.Retention)
	v.SetDefault("archive.dir", ar.Dir)
	v.SetDefault("archive.minio.endpoint", ar.MinIO.Endpoint)
	v.SetDefault("archive.minio.access_key", ar.MinIO.AccessKey)
	v.SetDefault("archive.minio.secret_key", ar.MinIO.SecretKey)
	v.SetDefault("archive.minio.bucket", ar.MinIO.Bucket)
	v.SetDefault("archive.minio.region", ar.MinIO.Region)
	v.SetDefault("archive.minio.prefix", ar.MinIO.Prefix)
	v.SetDefault("archive.minio.use_ssl", ar.MinIO.UseSSL)

	v.SetDefault("alternatives.path", cfg.Alternatives.Path)
	v.SetDefault("alternatives.watch", cfg.Alternatives.Watch)
	v.SetDefault("alternatives.stability_threshold", cfg.Alternatives.StabilityThreshold)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetDefault("audit.enabled", cfg.Audit.Enabled)
	v.SetDefault("audit.file", cfg.Audit.File)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// Save writes cfg to the config path, creating the directory when needed
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))
	setDefaults(v, cfg)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	p, err := l.path()
	if err != nil {
		return ""
	}
	return p
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".replan", "replan.yaml"), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// Settings returns cfg as the nested key map used by the config file.
// The minio secret key is masked.
func Settings(cfg *Config) map[string]interface{} {
	masked := *cfg
	if masked.Archive.MinIO.SecretKey != "" {
		masked.Archive.MinIO.SecretKey = "[REDACTED]"
	}
	v := viper.New()
	setDefaults(v, &masked)
	return v.AllSettings()
}
