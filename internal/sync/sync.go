// Package sync implements the incremental ingest worker: pull the
// points list and new samples for a site from the upstream API and
// upsert them into the hot store, advancing the sync cursor only after
// every batch for the window commits.
package sync

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sensorlake/internal/errs"
	"sensorlake/internal/hotstore"
	"sensorlake/internal/logx"
	"sensorlake/internal/metrics"
	"sensorlake/internal/models"
	"sensorlake/internal/statestore"
	"sensorlake/internal/upstream"
)

const hotBatchSize = 1000

// Config controls one worker instance's behavior.
type Config struct {
	ProcessingLag time.Duration
	HotWindowDays int
	PageSize      int
	LockTTL       time.Duration
	LockOwner     string
}

// Worker pulls new samples for one site into the hot store on each
// invocation. It holds no per-site loop of its own — a scheduler invokes
// Run on a fixed cadence.
type Worker struct {
	upstream *upstream.Client
	hot      hotstore.Store
	state    statestore.Store
	cfg      Config
}

func NewWorker(up *upstream.Client, hot hotstore.Store, state statestore.Store, cfg Config) *Worker {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 5000
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.LockOwner == "" {
		cfg.LockOwner = "sync-worker"
	}
	return &Worker{upstream: up, hot: hot, state: state, cfg: cfg}
}

// Result summarizes one invocation for the caller/scheduler to log and
// record as a run summary.
type Result struct {
	RunID       string
	RowsWritten int64
	Outcome     string // "success" | "noop" | "failed"
	Detail      string
}

// Run executes one sync cycle for site. It acquires the per-site advisory
// lock first; if another instance already holds it, Run returns a noop
// result rather than blocking.
func (w *Worker) Run(ctx context.Context, site string) (Result, error) {
	runID := uuid.NewString()
	start := time.Now()
	log := logx.WithRun(logx.WithSite(logx.WithWorker("sync"), site), runID)

	acquired, err := w.state.AcquireSyncLock(ctx, site, w.cfg.LockOwner, w.cfg.LockTTL)
	if err != nil {
		return Result{}, errs.New(errs.HotStore, "sync_lock_failed", "failed to acquire sync lock", err)
	}
	if !acquired {
		log.Info().Msg("sync lock held by another instance, skipping")
		return Result{RunID: runID, Outcome: "noop", Detail: "lock held"}, nil
	}
	defer func() {
		if relErr := w.state.ReleaseSyncLock(ctx, site, w.cfg.LockOwner); relErr != nil {
			log.Warn().Err(relErr).Msg("failed to release sync lock")
		}
	}()

	result, err := w.runOnce(ctx, site, runID, log)
	dur := time.Since(start)
	outcome := result.Outcome
	if err != nil {
		outcome = "failed"
		result.Detail = err.Error()
	}

	metrics.SyncRunsTotal.WithLabelValues(site, outcome).Inc()
	metrics.SyncRunDuration.WithLabelValues(site).Observe(dur.Seconds())

	_ = w.state.RecordRun(ctx, models.RunSummary{
		RunID: runID, Worker: "sync", Site: site,
		StartedAt: start, EndedAt: time.Now(), RowsWritten: result.RowsWritten,
		Outcome: outcome, Detail: result.Detail,
	})

	return result, err
}

func (w *Worker) runOnce(ctx context.Context, site, runID string, log zerolog.Logger) (Result, error) {
	result := Result{RunID: runID}

	cursor, ok, err := w.state.GetCursor(ctx, site)
	if err != nil {
		return result, errs.New(errs.HotStore, "cursor_read_failed", "failed to read sync cursor", err)
	}
	now := time.Now().UTC()
	if !ok {
		cursor = now.AddDate(0, 0, -w.cfg.HotWindowDays).UnixMilli()
	}

	startMS := cursor
	endMS := now.Add(-w.cfg.ProcessingLag).UnixMilli()

	if endMS <= startMS {
		log.Debug().Int64("start", startMS).Int64("end", endMS).Msg("window empty, nothing to sync")
		result.Outcome = "noop"
		result.Detail = "window empty"
		return result, nil
	}

	log.Info().Int64("start", startMS).Int64("end", endMS).Msg("starting sync window")

	points, err := w.upstream.ConfiguredPoints(ctx, site)
	if err != nil {
		return result, err
	}

	pointByName := make(map[string]models.Point, len(points))
	for _, p := range points {
		pt, upErr := w.hot.UpsertPoint(ctx, site, p.Name, p.DisplayName, "")
		if upErr != nil {
			return result, errs.New(errs.HotStore, "point_upsert_failed", "failed to upsert point", upErr)
		}
		pointByName[p.Name] = pt
	}

	raw, err := w.upstream.FetchAllSamples(ctx, site, startMS, endMS, w.cfg.PageSize)
	if err != nil {
		return result, err
	}

	samples := make([]models.Sample, 0, len(raw))
	for _, r := range raw {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			continue
		}
		pt, known := pointByName[r.Name]
		if !known {
			continue
		}
		ts, parseErr := upstream.ParseSampleTime(r.Time)
		if parseErr != nil {
			continue
		}
		samples = append(samples, models.Sample{
			PointID: pt.ID, PointName: r.Name, TimestampMS: ts, Value: r.Value,
		})
	}

	for i := 0; i < len(samples); i += hotBatchSize {
		end := i + hotBatchSize
		if end > len(samples) {
			end = len(samples)
		}
		if err := w.hot.UpsertSamples(ctx, samples[i:end]); err != nil {
			return result, errs.New(errs.HotStore, "sample_upsert_failed", "failed to upsert sample batch", err)
		}
		result.RowsWritten += int64(end - i)
	}

	if err := w.state.SetCursor(ctx, site, endMS); err != nil {
		return result, errs.New(errs.HotStore, "cursor_write_failed", "failed to advance sync cursor", err)
	}

	metrics.SyncRowsTotal.WithLabelValues(site).Add(float64(result.RowsWritten))
	result.Outcome = "success"
	log.Info().Int64("rows_written", result.RowsWritten).Msg("sync window complete")
	return result, nil
}
