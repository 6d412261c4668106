package historystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS adaptation_records (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			payload JSONB NOT NULL,
			recorded_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_adaptation_records_plan ON adaptation_records(plan_id)`,
		`CREATE INDEX IF NOT EXISTS idx_adaptation_records_id ON adaptation_records(id)`,
	},
	insert:   `INSERT INTO adaptation_records (id, plan_id, outcome, payload, recorded_at) VALUES ($1, $2, $3, $4::jsonb, $5)`,
	queryAll: `SELECT payload::text FROM adaptation_records ORDER BY seq`,
	queryOne: `SELECT payload::text FROM adaptation_records WHERE plan_id = $1 ORDER BY seq`,
}

// PostgresConfig configures the PostgreSQL connection pool
type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DefaultPostgresConfig returns pool defaults; URL must still be set
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Validate checks the pool settings
func (c PostgresConfig) Validate() error {
	switch {
	case c.URL == "":
		return errors.New("postgres url is required")
	case c.PingTimeout <= 0:
		return errors.New("postgres ping_timeout must be positive")
	case c.MaxOpenConns < 1:
		return errors.New("postgres max_open_conns must be >= 1")
	case c.MaxIdleConns < 0:
		return errors.New("postgres max_idle_conns must be >= 0")
	case c.MaxIdleConns > c.MaxOpenConns:
		return errors.New("postgres max_idle_conns must be <= max_open_conns")
	case c.ConnMaxLifetime < 0:
		return errors.New("postgres conn_max_lifetime must be >= 0")
	case c.ConnMaxIdleTime < 0:
		return errors.New("postgres conn_max_idle_time must be >= 0")
	}
	return nil
}

// PostgresStore is a HistoryStore backed by PostgreSQL through the pgx driver
type PostgresStore struct {
	*sqlStore
}

// OpenPostgres connects, verifies the connection and creates the schema
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &PostgresStore{&sqlStore{
		db:      db,
		dialect: postgresDialect,
		logger:  logger.With().Str("component", "history-postgres").Logger(),
	}}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Info().Int("maxOpenConns", cfg.MaxOpenConns).Msg("History store connected")
	return s, nil
}
