package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Togather-Foundation/datasync/internal/config"
	"github.com/Togather-Foundation/datasync/internal/datasync"
	"github.com/Togather-Foundation/datasync/internal/ingestion"
	"github.com/Togather-Foundation/datasync/internal/metrics"
	"github.com/Togather-Foundation/datasync/internal/storage/postgres"
	"github.com/Togather-Foundation/datasync/internal/telemetry"
)

const dbStatsInterval = 15 * time.Second

var (
	// Ingest flags (override config/env)
	ingestSkipMigrate bool
	ingestPageLimit   int
	ingestMetricsAddr string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest all events from the DataSync API",
	Long: `Ingest all events from the DataSync API into PostgreSQL.

The command will:
- Load configuration from environment variables (or --config file if provided)
- Apply database migrations (unless --skip-migrate)
- Resume from the stored checkpoint, or start fresh
- Page through the API, switching to the stream endpoint while rate limited
- Stop on SIGINT/SIGTERM, keeping the last checkpoint for the next run

Exit status is 0 on completion or interruption and 1 on an unrecoverable error.

Examples:
  # Ingest using DATABASE_URL, API_BASE_URL and TARGET_API_KEY from the environment
  datasync ingest

  # Expose Prometheus metrics while ingesting
  datasync ingest --metrics-addr :9090

  # Console logs at debug level
  datasync ingest --log-level debug --log-format console`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(cmd.Context())
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestSkipMigrate, "skip-migrate", false, "do not apply database migrations before ingesting")
	ingestCmd.Flags().IntVar(&ingestPageLimit, "page-limit", 0, "events requested per direct page (default: 100000)")
	ingestCmd.Flags().StringVar(&ingestMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (default: disabled)")
}

func runIngest(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if ingestPageLimit > 0 {
		cfg.Ingestion.PageLimit = ingestPageLimit
	}
	if ingestMetricsAddr != "" {
		cfg.Metrics.Addr = ingestMetricsAddr
	}

	logger := config.NewLogger(cfg.Logging).With().Str("run_id", ulid.Make().String()).Logger()
	logger.Info().
		Str("database", config.RedactURL(cfg.Database.URL)).
		Str("api_base_url", cfg.API.BaseURL).
		Int("page_limit", cfg.Ingestion.PageLimit).
		Msg("starting ingestion")

	metrics.Init(Version, GitCommit, BuildDate)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown error")
		}
	}()

	if !ingestSkipMigrate {
		if err := postgres.MigrateUp(cfg.Database.URL); err != nil {
			if ctx.Err() != nil {
				return stoppedBeforeStart(logger, "migrate", err)
			}
			return fmt.Errorf("initialize schema: %w", err)
		}
		logger.Info().Msg("database schema ready")
	}

	pool, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		if ctx.Err() != nil {
			return stoppedBeforeStart(logger, "connect", err)
		}
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	store, err := postgres.NewStore(pool)
	if err != nil {
		return err
	}

	client := datasync.NewClient(cfg.API.BaseURL, cfg.API.Key,
		datasync.WithTimeout(cfg.API.RequestTimeout),
		datasync.WithRateLimit(cfg.API.RequestsPerSecond),
		datasync.WithLogger(logger),
	)
	controller := ingestion.NewController(client, store,
		ingestion.WithLogger(logger),
		ingestion.WithPageLimit(cfg.Ingestion.PageLimit),
	)

	g, gctx := errgroup.WithContext(ctx)
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	collector := metrics.NewDBCollector(pool)
	g.Go(func() error {
		return collector.Run(auxCtx, dbStatsInterval)
	})

	if cfg.Metrics.Addr != "" {
		serveMetrics(g, auxCtx, cfg.Metrics.Addr, logger)
	}

	var result ingestion.Result
	g.Go(func() error {
		defer stopAux()
		var runErr error
		result, runErr = controller.Run(gctx)
		return runErr
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && ingestion.IsCanceled(err) {
			logger.Info().Int64("total", result.Total).Msg("received shutdown signal, stopped gracefully")
			return nil
		}
		return fmt.Errorf("ingestion failed: %w", err)
	}

	countCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	count, err := store.CountAll(countCtx)
	if err != nil {
		return err
	}

	logger.Info().
		Int64("total_events", count).
		Int("pages", result.Pages).
		Bool("already_completed", result.AlreadyCompleted).
		Msg("ingestion complete")
	return nil
}

// stoppedBeforeStart reports a shutdown signal that arrived during startup.
// The checkpoint is untouched, so this is a clean exit.
func stoppedBeforeStart(logger zerolog.Logger, stage string, err error) error {
	logger.Info().Str("stage", stage).Err(err).Msg("received shutdown signal before ingestion started")
	return nil
}

// serveMetrics runs the Prometheus endpoint until ctx is done.
func serveMetrics(g *errgroup.Group, ctx context.Context, addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("metrics listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
}
