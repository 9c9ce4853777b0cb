package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"sensorlake/internal/api"
	"sensorlake/internal/archive"
	"sensorlake/internal/backfill"
	"sensorlake/internal/coldstore"
	"sensorlake/internal/config"
	"sensorlake/internal/dbpool"
	"sensorlake/internal/hotstore"
	"sensorlake/internal/logx"
	"sensorlake/internal/metrics"
	"sensorlake/internal/query"
	"sensorlake/internal/scheduler"
	"sensorlake/internal/statestore"
	syncworker "sensorlake/internal/sync"
	"sensorlake/internal/upstream"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	configPath := flag.String("config", "", "optional YAML config overlay (sites, allowed_origins)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logx.Init(logx.Config{Level: logx.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON, Output: os.Stdout})
	logx.Logger.Info().Str("build", BuildCommit).Strs("sites", cfg.Sites).Msg("sensorlake starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := dbpool.New(ctx, cfg)
	if err != nil {
		logx.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	hot := hotstore.NewPGStore(pool)
	state := statestore.NewPGStore(pool)
	if err := hot.EnsureSchema(ctx); err != nil {
		logx.Logger.Fatal().Err(err).Msg("failed to ensure hot store schema")
	}
	if err := state.EnsureSchema(ctx); err != nil {
		logx.Logger.Fatal().Err(err).Msg("failed to ensure state store schema")
	}

	cold, err := coldstore.NewS3Store(ctx, cfg)
	if err != nil {
		logx.Logger.Fatal().Err(err).Msg("failed to construct cold store")
	}

	// The sync worker shares no rate budget with backfill: a large
	// historical import must never starve the live sync cadence, so each
	// gets its own client: the backfill client is capped at
	// BackfillRequestsPerMinute, the sync client has no local cap.
	up := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamToken, 0, nil)
	backfillUp := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamToken, cfg.BackfillRequestsPerMinute, nil)

	lockOwner := uuid.NewString()
	syncWorker := syncworker.NewWorker(up, hot, state, syncworker.Config{
		ProcessingLag: cfg.ProcessingLag,
		HotWindowDays: cfg.HotWindowDays,
		PageSize:      5000,
		LockTTL:       cfg.SyncLockTTL,
		LockOwner:     lockOwner,
	})
	archiveWorker := archive.NewWorker(hot, cold, state, archive.Config{HotWindowDays: cfg.HotWindowDays})
	backfillWorker := backfill.NewWorker(backfillUp, hot, cold, state, backfill.Config{
		MaxDaysPerInvocation: cfg.BackfillMaxDaysPerInvocation,
		MaxRangeDays:         cfg.BackfillMaxRangeDays,
		PageSize:             5000,
	})
	queryWorker := query.NewWorker(hot, cold, state, query.Config{
		HotWindowDays:        cfg.HotWindowDays,
		MaxQueryRangeDays:    cfg.MaxQueryRangeDays,
		MaxSeriesPerQuery:    cfg.MaxSeriesPerQuery,
		ColdFetchConcurrency: cfg.ColdFetchConcurrency,
		ColdFileMaxBytes:     cfg.ColdFileMaxBytes,
		Timeout:              cfg.QueryWorkerTimeout,
	})

	sch, err := scheduler.New()
	if err != nil {
		logx.Logger.Fatal().Err(err).Msg("failed to construct scheduler")
	}
	for _, site := range cfg.Sites {
		site := site
		if err := sch.RegisterInterval("sync-"+site, cfg.SyncInterval, func(ctx context.Context) {
			if _, err := syncWorker.Run(ctx, site); err != nil {
				logx.Logger.Error().Err(err).Str("site", site).Msg("sync run failed")
			}
		}); err != nil {
			logx.Logger.Fatal().Err(err).Str("site", site).Msg("failed to register sync job")
		}
		if err := sch.RegisterCron("archive-"+site, cfg.ArchiveCron, func(ctx context.Context) {
			if _, err := archiveWorker.Run(ctx, site); err != nil {
				logx.Logger.Error().Err(err).Str("site", site).Msg("archive run failed")
			}
		}); err != nil {
			logx.Logger.Fatal().Err(err).Str("site", site).Msg("failed to register archive job")
		}
		if err := sch.RegisterInterval("backfill-tick-"+site, cfg.BackfillTickInterval, func(ctx context.Context) {
			if _, active, err := backfillWorker.TickActive(ctx, site); err != nil {
				logx.Logger.Error().Err(err).Str("site", site).Msg("backfill tick failed")
			} else if active {
				logx.Logger.Debug().Str("site", site).Msg("backfill tick advanced active job")
			}
		}); err != nil {
			logx.Logger.Fatal().Err(err).Str("site", site).Msg("failed to register backfill tick job")
		}
	}
	sch.Start()
	defer sch.Shutdown()

	apiServer := api.NewServer(cfg, queryWorker, backfillWorker, archiveWorker, hot, state)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(); err != nil {
			logx.Logger.Fatal().Err(err).Msg("api server failed")
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logx.Logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	apiServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	cancel()
	wg.Wait()
}
