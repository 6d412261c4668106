package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/replan/internal/config"
	"github.com/harun/replan/internal/observability"
	"github.com/harun/replan/internal/tracing"
	"github.com/harun/replan/pkg/adaptation"
	"github.com/harun/replan/pkg/alternatives"
	"github.com/harun/replan/pkg/historystore"
	"github.com/harun/replan/pkg/planner"
)

// drainTimeout bounds how long Close waits for in-flight adaptations
const drainTimeout = 5 * time.Second

// runtime is the engine plus everything it was wired with
type runtime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    adaptation.HistoryStore
	registry *alternatives.Registry
	engine   *adaptation.Engine
	closers  []func() error
}

// openRuntime opens the history store and alternatives registry named by cfg,
// builds the engine and warms it from history
func openRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	if cfg.Audit.Enabled {
		if err := observability.InitAuditLogger(cfg.Audit.File); err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		rt.closers = append(rt.closers, observability.GetAuditLogger().Close)
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName); err != nil {
			rt.Close()
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		rt.closers = append(rt.closers, func() error {
			return tracing.ShutdownOpenTelemetry(context.Background())
		})
	}

	store, closeStore, err := openStore(ctx, cfg.History, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = store
	if closeStore != nil {
		rt.closers = append(rt.closers, closeStore)
	}

	rt.registry = alternatives.NewRegistry()
	if cfg.Alternatives.Path != "" {
		if err := rt.registry.Reload(cfg.Alternatives.Path); err != nil {
			rt.Close()
			return nil, err
		}
	}

	engine, err := adaptation.NewEngine(cfg.Adaptation,
		adaptation.WithStore(store),
		adaptation.WithAlternatives(rt.registry),
		adaptation.WithLogger(logger),
	)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine = engine
	rt.closers = append(rt.closers, func() error {
		if !engine.Drain(drainTimeout) {
			logger.Warn().Dur("timeout", drainTimeout).Msg("Closing with adaptations still in flight")
		}
		return engine.Close()
	})

	if err := engine.Warm(ctx); err != nil {
		logger.Warn().Err(err).Msg("Starting without adaptation history")
	}
	return rt, nil
}

// openStore returns the configured history store and its close function
func openStore(ctx context.Context, h config.HistoryConfig, logger zerolog.Logger) (adaptation.HistoryStore, func() error, error) {
	switch h.Driver {
	case config.HistoryMemory:
		return adaptation.NewMemoryStore(), nil, nil
	case config.HistorySQLite:
		s, err := historystore.OpenSQLite(ctx, h.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.HistoryPostgres:
		s, err := historystore.OpenPostgres(ctx, h.Postgres, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown history driver %q", h.Driver)
}

// openSink returns the configured archive sink
func openSink(ctx context.Context, a config.ArchiveConfig, logger zerolog.Logger) (adaptation.ArchiveSink, error) {
	switch a.Sink {
	case config.ArchiveFile:
		return historystore.NewFileSink(a.Dir, logger), nil
	case config.ArchiveMinIO:
		sink, err := historystore.NewMinIOSink(ctx, a.MinIO, logger)
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	return nil, fmt.Errorf("unknown archive sink %q", a.Sink)
}

// newArchiver wires the configured sink to the runtime's store
func (rt *runtime) newArchiver(ctx context.Context) (*adaptation.Archiver, error) {
	if rt.cfg.History.Driver == config.HistoryMemory {
		return nil, errors.New("archiving requires a persistent history driver")
	}
	sink, err := openSink(ctx, rt.cfg.Archive, rt.logger)
	if err != nil {
		return nil, err
	}
	a := adaptation.NewArchiver(rt.store, sink, rt.cfg.Archive.Schedule, rt.cfg.Archive.Retention)
	a.SetLogger(rt.logger)
	return a, nil
}

// newRunner builds an adaptive runner from the runner settings
func (rt *runtime) newRunner(maxRounds int) *adaptation.Runner {
	exec := planner.NewExecutor()
	exec.SetFailureStrategy(planner.FailureStrategy(rt.cfg.Runner.FailureStrategy))
	exec.SetBackoff(rt.cfg.Runner.RetryBackoff)
	exec.SetLogger(rt.logger)

	if maxRounds <= 0 {
		maxRounds = rt.cfg.Runner.MaxRounds
	}
	r := adaptation.NewRunner(rt.engine, exec, maxRounds)
	r.SetLogger(rt.logger)
	return r
}

// Close releases everything in reverse order of opening
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
