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

	"github.com/sqew/sqew/internal/api"
	"github.com/sqew/sqew/internal/buildinfo"
	"github.com/sqew/sqew/internal/config"
	"github.com/sqew/sqew/internal/metrics"
	"github.com/sqew/sqew/internal/queue"
	"github.com/sqew/sqew/internal/store"
)

func newServeCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sqew server",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(logLevel)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	return cmd
}

func runServe(logLevel string) error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return usagef("invalid --log-level %q", logLevel)
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.APIToken != "" && config.IsWeakToken(cfg.APIToken) {
		log.Warn().Msg("SQEW_API_TOKEN is weak; use a longer random value")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	m := metrics.New()
	clock := queue.SystemClock{}
	reg := queue.NewRegistry(st, clock)
	eng := queue.NewEngine(st, reg, clock, m, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reaper := queue.NewReaper(st, reg, clock, m, cfg.ReapInterval, log)
	go reaper.Run(ctx)

	compactor, err := queue.NewCompactor(st, cfg.CompactSchedule, log)
	if err != nil {
		return fmt.Errorf("compaction schedule: %w", err)
	}
	compactor.Start()
	defer compactor.Stop()

	srv := api.NewServer(cfg, st, eng, m, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("bind", cfg.Bind).
			Str("db", cfg.DBPath).
			Str("version", buildinfo.Version).
			Msg("sqew server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	log.Info().Msg("server stopped")
	return nil
}
