// Package historystore persists adaptation records in SQL databases and
// archives settled records to files or object storage.
package historystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/replan/pkg/adaptation"
)

// dialect holds the statements that differ between databases
type dialect struct {
	name     string
	schema   []string
	insert   string
	queryAll string
	queryOne string
}

// sqlStore is an append-only record log in a relational database. Every Append
// inserts a row; the newest row per record id is the current state.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	logger  zerolog.Logger
}

var _ adaptation.HistoryStore = (*sqlStore)(nil)

func (s *sqlStore) initSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize %s schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

// Append stores one record entry
func (s *sqlStore) Append(ctx context.Context, rec adaptation.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: failed to encode record %s: %w", adaptation.ErrStorage, rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, s.dialect.insert,
		rec.ID,
		rec.PlanID,
		string(rec.Outcome),
		string(payload),
		time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to insert record %s: %w", adaptation.ErrStorage, rec.ID, err)
	}

	s.logger.Debug().
		Str("recordId", rec.ID).
		Str("planId", rec.PlanID).
		Str("outcome", string(rec.Outcome)).
		Msg("Adaptation record stored")
	return nil
}

// Query returns every entry of a plan in append order; an empty planID returns all plans
func (s *sqlStore) Query(ctx context.Context, planID string) ([]adaptation.Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if planID == "" {
		rows, err = s.db.QueryContext(ctx, s.dialect.queryAll)
	} else {
		rows, err = s.db.QueryContext(ctx, s.dialect.queryOne, planID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query records: %w", adaptation.ErrStorage, err)
	}
	defer rows.Close()

	var out []adaptation.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: failed to scan record: %w", adaptation.ErrStorage, err)
		}
		var rec adaptation.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("%w: failed to decode record: %w", adaptation.ErrStorage, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to read records: %w", adaptation.ErrStorage, err)
	}
	return out, nil
}

// Close closes the database
func (s *sqlStore) Close() error {
	return s.db.Close()
}
