package adaptation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/replan/internal/observability"
)

const (
	DefaultArchiveSchedule  = "@every 1h"
	DefaultArchiveRetention = 7 * 24 * time.Hour
)

// ArchiveSink receives settled records before they are flagged archived
type ArchiveSink interface {
	Archive(ctx context.Context, records []Record) error
}

// Archiver periodically copies settled records older than the retention window to a
// sink and flags them Archived in the history store. Records are never deleted.
type Archiver struct {
	store     HistoryStore
	sink      ArchiveSink
	schedule  string
	retention time.Duration
	cron      *cron.Cron
	logger    zerolog.Logger
	running   bool
	mu        sync.Mutex
}

// NewArchiver creates a record archiver; empty schedule and zero retention use the defaults
func NewArchiver(store HistoryStore, sink ArchiveSink, schedule string, retention time.Duration) *Archiver {
	if schedule == "" {
		schedule = DefaultArchiveSchedule
	}
	if retention == 0 {
		retention = DefaultArchiveRetention
	}
	return &Archiver{
		store:     store,
		sink:      sink,
		schedule:  schedule,
		retention: retention,
		logger:    log.Logger.With().Str("component", "archiver").Logger(),
	}
}

// SetLogger replaces the archiver's logger
func (a *Archiver) SetLogger(logger zerolog.Logger) {
	a.logger = logger.With().Str("component", "archiver").Logger()
}

// Start schedules archiving runs
func (a *Archiver) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("archiver is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(a.schedule, func() {
		if _, err := a.ArchiveNow(context.Background()); err != nil {
			a.logger.Error().Err(err).Msg("Failed to archive adaptation records")
		}
	}); err != nil {
		return fmt.Errorf("invalid archive schedule %q: %w", a.schedule, err)
	}
	c.Start()

	a.cron = c
	a.running = true
	a.logger.Info().
		Str("schedule", a.schedule).
		Dur("retention", a.retention).
		Msg("Record archiver started")
	return nil
}

// Stop cancels future runs and waits for a running one to finish
func (a *Archiver) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver is not running")
	}
	c := a.cron
	a.cron = nil
	a.running = false
	a.mu.Unlock()

	<-c.Stop().Done()
	a.logger.Info().Msg("Record archiver stopped")
	return nil
}

// IsRunning returns whether the archiver is scheduled
func (a *Archiver) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Retention returns the age after which settled records are archived
func (a *Archiver) Retention() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retention
}

// SetRetention sets the retention window
func (a *Archiver) SetRetention(retention time.Duration) {
	a.mu.Lock()
	a.retention = retention
	a.mu.Unlock()
	a.logger.Info().Dur("retention", retention).Msg("Archive retention updated")
}

// ArchiveNow archives eligible records immediately and returns how many were archived
func (a *Archiver) ArchiveNow(ctx context.Context) (int, error) {
	entries, err := a.store.Query(ctx, "")
	if err != nil {
		observability.RecordHistoryError("query")
		return 0, fmt.Errorf("failed to query history: %w", err)
	}

	cutoff := time.Now().Add(-a.Retention())
	var batch []Record
	for _, rec := range Latest(entries) {
		if !rec.Archived && settled(rec) && rec.UpdatedAt.Before(cutoff) {
			batch = append(batch, rec)
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if err := a.sink.Archive(ctx, batch); err != nil {
		observability.RecordArchiveAudit(len(batch), "failed", map[string]interface{}{"error": err.Error()})
		return 0, fmt.Errorf("failed to archive %d records: %w", len(batch), err)
	}

	var errs []error
	archived := 0
	for _, rec := range batch {
		rec.Archived = true
		if err := a.store.Append(ctx, rec); err != nil {
			observability.RecordHistoryError("append")
			errs = append(errs, fmt.Errorf("record %s: %w", rec.ID, err))
			continue
		}
		archived++
	}

	observability.RecordArchived(archived)
	observability.RecordArchiveAudit(archived, "archived", map[string]interface{}{"cutoff": cutoff})
	a.logger.Info().Int("archived", archived).Time("cutoff", cutoff).Msg("Archived adaptation records")
	return archived, errors.Join(errs...)
}

// settled reports whether a record can no longer change
func settled(rec Record) bool {
	switch rec.Outcome {
	case OutcomeReverted, OutcomeSuperseded:
		return true
	case OutcomeApplied:
		return rec.Realized != nil
	}
	return false
}
