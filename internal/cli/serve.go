package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/replan/internal/observability"
	"github.com/harun/replan/pkg/alternatives"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive settled adaptation records once",
	Long: `Copy settled records older than the retention window to the configured
archive sink and flag them archived in the history store.`,
	Args: cobra.NoArgs,
	RunE: runArchive,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background services",
	Long: `Run the record archiver on its schedule, watch the alternatives file for
changes and expose prometheus metrics until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(serveCmd)
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	rt, err := openRuntime(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	archiver, err := rt.newArchiver(cmd.Context())
	if err != nil {
		return err
	}
	n, err := archiver.ArchiveNow(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "archived %d record(s)\n", n)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := setup()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Archive.Enabled {
		archiver, err := rt.newArchiver(ctx)
		if err != nil {
			return err
		}
		if err := archiver.Start(); err != nil {
			return err
		}
		defer archiver.Stop()
	}

	if cfg.Alternatives.Watch {
		watcher, err := alternatives.NewWatcher(rt.registry, alternatives.WatcherConfig{
			Path:               cfg.Alternatives.Path,
			StabilityThreshold: cfg.Alternatives.StabilityThreshold,
			OnReload: func(err error) {
				if err != nil {
					logger.Warn().Err(err).Msg("Alternatives reload rejected, keeping previous roles")
					return
				}
				logger.Info().Strs("roles", rt.registry.Roles()).Msg("Alternatives reloaded")
			},
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	if cfg.Metrics.Enabled {
		srv := metricsServer(cfg.Metrics.Addr, cfg.Metrics.Path)
		go func() {
			logger.Info().Str("addr", cfg.Metrics.Addr).Str("path", cfg.Metrics.Path).Msg("Metrics server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		defer shutdown(srv, logger)
	}

	logger.Info().Msg("replan services running")
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

func metricsServer(addr, path string) *http.Server {
	observability.EnsureRegistered()
	mux := http.NewServeMux()
	mux.Handle(path, observability.MetricsHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func shutdown(srv *http.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Metrics server shutdown failed")
	}
}
