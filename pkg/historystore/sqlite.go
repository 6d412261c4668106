package historystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS adaptation_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			plan_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			payload TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_adaptation_records_plan ON adaptation_records(plan_id)`,
		`CREATE INDEX IF NOT EXISTS idx_adaptation_records_id ON adaptation_records(id)`,
	},
	insert:   `INSERT INTO adaptation_records (id, plan_id, outcome, payload, recorded_at) VALUES (?, ?, ?, ?, ?)`,
	queryAll: `SELECT payload FROM adaptation_records ORDER BY seq`,
	queryOne: `SELECT payload FROM adaptation_records WHERE plan_id = ? ORDER BY seq`,
}

// SQLiteStore is a HistoryStore backed by a SQLite file
type SQLiteStore struct {
	*sqlStore
}

// OpenSQLite opens or creates the history database at path
func OpenSQLite(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets readers proceed while the engine appends
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{&sqlStore{
		db:      db,
		dialect: sqliteDialect,
		logger:  logger.With().Str("component", "history-sqlite").Logger(),
	}}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info().Str("path", path).Msg("History store opened")
	return s, nil
}
