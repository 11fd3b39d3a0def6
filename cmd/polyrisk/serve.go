package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/polyrisk/infra/breakers"
	"github.com/sawpanic/polyrisk/internal/config"
	"github.com/sawpanic/polyrisk/internal/infrastructure/async"
	"github.com/sawpanic/polyrisk/internal/infrastructure/db"
	apihttp "github.com/sawpanic/polyrisk/internal/interfaces/http"
	"github.com/sawpanic/polyrisk/internal/interfaces/http/handlers"
	"github.com/sawpanic/polyrisk/internal/metrics"
	"github.com/sawpanic/polyrisk/internal/net/ratelimit"
	"github.com/sawpanic/polyrisk/internal/persistence"
	"github.com/sawpanic/polyrisk/internal/persistence/redisstore"
	"github.com/sawpanic/polyrisk/internal/pipeline"
	"github.com/sawpanic/polyrisk/internal/risk"
	"github.com/sawpanic/polyrisk/internal/scheduler"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingest and query HTTP service",
		Long: `Starts the HTTP API. Optional sinks are enabled by configuration:
Postgres receives an audit record per anomaly and Redis holds periodic
snapshots of cleaner statistics and the correlation matrix.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts.cfg)
		},
	}
}

// breakerSettings logs and exports breaker transitions.
func breakerSettings(reg *metrics.Registry) breakers.Settings {
	s := breakers.DefaultSettings()
	s.OnStateChange = func(name, from, to string) {
		log.Warn().Str("breaker", name).Str("from", from).Str("to", to).Msg("Circuit breaker state changed")
		reg.SetBreakerState(name, to)
	}
	return s
}

// auditLog is the Postgres anomaly sink and its batch writer.
type auditLog struct {
	manager *db.Manager
	batcher *async.Batcher[persistence.AnomalyRecord]
}

func openAuditLog(ctx context.Context, cfg config.PostgresConfig, reg *metrics.Registry) (*auditLog, error) {
	manager, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	repo := manager.Repository()
	breaker := breakers.NewWithSettings("postgres", breakerSettings(reg))

	batchCfg := cfg.Batch
	batchCfg.OnError = func(size int, err error) {
		reg.RecordPersistError("postgres")
		log.Error().Err(err).Int("records", size).Msg("Failed to write anomaly batch")
	}
	batcher := async.NewBatcher(func(ctx context.Context, recs []persistence.AnomalyRecord) error {
		return breaker.Do(func() error { return repo.InsertBatch(ctx, recs) })
	}, batchCfg)

	return &auditLog{manager: manager, batcher: batcher}, nil
}

func (a *auditLog) Close(ctx context.Context) {
	if err := a.batcher.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("Anomaly batcher did not drain before shutdown")
	}
	m := a.batcher.GetMetrics()
	pool := a.manager.Stats()
	log.Info().
		Int64("submitted", m.TotalItems).
		Int64("failed_batches", m.FailedBatches).
		Int64("dropped", m.DroppedItems).
		Int64("pool_waits", pool.WaitCount).
		Msg("Anomaly audit log closed")
	a.manager.Close()
}

func runServe(ctx context.Context, cfg config.Config) error {
	reg := metrics.NewRegistry(true)
	checks := make(map[string]handlers.HealthCheck)

	var sink pipeline.AnomalySink
	var repo persistence.AnomalyRepo
	if cfg.Postgres.Enabled {
		audit, err := openAuditLog(ctx, cfg.Postgres, reg)
		if err != nil {
			return err
		}
		if err := audit.batcher.Start(ctx); err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			audit.Close(closeCtx)
		}()
		sink, repo = audit.batcher, audit.manager.Repository()
		checks["postgres"] = audit.manager.Ping
		log.Info().Msg("Anomaly audit log enabled")
	}

	p := pipeline.New(cfg.Cleaning, cfg.Correlation, pipeline.Options{
		Metrics:    reg,
		Sink:       sink,
		LogLimiter: ratelimit.NewLimiter(cfg.Ingest.LogPerSecond, cfg.Ingest.LogBurst),
	})

	var store *redisstore.SnapshotStore
	if cfg.Redis.Enabled {
		var err error
		store, err = redisstore.Dial(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
			Breaker:  breakers.NewWithSettings("redis", breakerSettings(reg)),
		})
		if err != nil {
			return err
		}
		defer store.Close()
		checks["redis"] = store.Ping

		if n, err := p.Warm(ctx, store); err != nil {
			log.Warn().Err(err).Msg("Failed to restore correlation snapshot")
		} else {
			log.Info().Int("pairs", n).Msg("Correlation matrix restored")
		}
	}

	deps := handlers.Deps{
		Pipeline:  p,
		Sizer:     risk.NewSizer(cfg.Sizing, p),
		Anomalies: repo,
		Metrics:   reg,
		Checks:    checks,
		Version:   version,
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.NewScheduler()
		if store != nil {
			if err := sched.Register(scheduler.SnapshotJob(cfg.Scheduler.SnapshotSpec, p, store)); err != nil {
				return err
			}
		}
		if err := sched.Register(scheduler.EvictJob(cfg.Scheduler.EvictSpec, p, nil)); err != nil {
			return err
		}
		deps.Scheduler = sched
	}

	srv := apihttp.NewServer(cfg.HTTP, deps)

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start() }()
	if sched != nil {
		go func() {
			if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			log.Error().Err(runErr).Msg("Server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if store != nil {
		if err := p.Snapshot(shutdownCtx, store); err != nil {
			log.Warn().Err(err).Msg("Final snapshot failed")
		}
	}
	return runErr
}
