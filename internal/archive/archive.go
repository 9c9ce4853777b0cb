// Package archive implements the hot-to-cold hand-off worker: for each
// (site, day) partition older than the hot retention window, read the
// day's rows out of the hot store with one range query (the whole day is
// held in memory as a slice), encode them to a Parquet partition in
// fixed-size batches,
// upload and verify it in the cold store, and only then delete the hot
// rows. Upload-then-verify-then-delete is the one ordering this package
// must never invert — a crash between upload and delete just leaves a
// duplicate the query worker already knows how to dedupe.
package archive

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sensorlake/internal/codec"
	"sensorlake/internal/coldstore"
	"sensorlake/internal/errs"
	"sensorlake/internal/hotstore"
	"sensorlake/internal/logx"
	"sensorlake/internal/metrics"
	"sensorlake/internal/models"
	"sensorlake/internal/statestore"
)

// Config controls one worker instance's behavior.
type Config struct {
	HotWindowDays int
}

// Worker hands off aged-out hot partitions to cold storage on each
// invocation. A scheduler invokes Run once per cron tick.
type Worker struct {
	hot   hotstore.Store
	cold  coldstore.Store
	state statestore.Store
	cfg   Config
}

func NewWorker(hot hotstore.Store, cold coldstore.Store, state statestore.Store, cfg Config) *Worker {
	return &Worker{hot: hot, cold: cold, state: state, cfg: cfg}
}

// PartitionResult summarizes one (site, day) partition's outcome.
type PartitionResult struct {
	Day      string
	Outcome  string // "archived" | "already_archived" | "empty" | "failed"
	RowCount int64
	Detail   string
}

// Run processes every partition for site strictly older than
// now - HotWindowDays that is not yet confirmed archived. Partitions are
// processed independently: a failure on one day does not block the rest.
func (w *Worker) Run(ctx context.Context, site string) ([]PartitionResult, error) {
	runID := uuid.NewString()
	log := logx.WithRun(logx.WithSite(logx.WithWorker("archive"), site), runID)

	boundary := time.Now().UTC().AddDate(0, 0, -w.cfg.HotWindowDays)
	boundary = time.Date(boundary.Year(), boundary.Month(), boundary.Day(), 0, 0, 0, 0, time.UTC)

	oldestMS, ok, err := w.hot.OldestSampleBefore(ctx, site, boundary.UnixMilli())
	if err != nil {
		return nil, errs.New(errs.HotStore, "oldest_sample_query_failed", "failed to find oldest hot sample", err)
	}
	if !ok {
		log.Debug().Msg("no hot rows older than the archive boundary")
		return nil, nil
	}

	points, err := w.hot.ListPoints(ctx, site)
	if err != nil {
		return nil, errs.New(errs.HotStore, "list_points_failed", "failed to list points for archival", err)
	}
	pointIDs := make([]int64, len(points))
	for i, p := range points {
		pointIDs[i] = p.ID
	}

	day := time.UnixMilli(oldestMS).UTC()
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	var results []PartitionResult
	for day.Before(boundary) {
		start := time.Now()
		dayLog := log.With().Str("day", day.Format("2006-01-02")).Logger()
		res, perr := w.processPartition(ctx, site, day, pointIDs, runID, dayLog)
		dur := time.Since(start)

		metrics.ArchiveRunsTotal.WithLabelValues(site, res.Outcome).Inc()
		metrics.ArchiveRunDuration.WithLabelValues(site).Observe(dur.Seconds())
		results = append(results, res)

		if perr != nil {
			dayLog.Error().Err(perr).Msg("partition archival failed, continuing with next day")
		}
		day = day.AddDate(0, 0, 1)
	}

	return results, nil
}

func dayBounds(day time.Time) (int64, int64) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	return start.UnixMilli(), end.UnixMilli()
}

func (w *Worker) processPartition(ctx context.Context, site string, day time.Time, pointIDs []int64, runID string, log zerolog.Logger) (PartitionResult, error) {
	dayStr := day.Format("2006-01-02")
	dayStart, dayEnd := dayBounds(day)
	path := coldstore.PathFor(site, day)
	res := PartitionResult{Day: dayStr}

	exists, size, err := w.cold.Head(ctx, path)
	if err != nil {
		res.Outcome = "failed"
		return res, errs.New(errs.ColdStore, "head_failed", "failed to probe cold store", err)
	}

	if exists && size > 0 {
		// Skip-if-archived: the file is already there. Reconcile state if it
		// disagrees, then clear any lingering hot rows for idempotent
		// recovery from a prior crash between upload and delete.
		if _, known, _ := w.state.GetArchiveState(ctx, site, dayStr); !known {
			if err := w.state.SetArchiveState(ctx, models.ArchiveState{
				Site: site, Day: dayStr, Archived: true, FilePath: path, RunID: runID, UpdatedAt: time.Now().UTC(),
			}); err != nil {
				log.Warn().Err(err).Msg("failed to reconcile archive state for pre-existing cold file")
			}
		}
		if deleted, err := w.hot.DeleteRange(ctx, pointIDs, dayStart, dayEnd); err != nil {
			log.Warn().Err(err).Msg("failed to clear lingering hot rows for already-archived partition")
		} else if deleted > 0 {
			log.Info().Int64("rows_deleted", deleted).Msg("cleared lingering hot rows for already-archived partition")
		}
		res.Outcome = "already_archived"
		return res, nil
	}

	samples, err := w.hot.QueryRange(ctx, pointIDs, dayStart, dayEnd)
	if err != nil {
		res.Outcome = "failed"
		return res, errs.New(errs.HotStore, "query_range_failed", "failed to read hot rows for partition", err)
	}
	if len(samples) == 0 {
		res.Outcome = "empty"
		return res, nil
	}

	codec.SortSamples(samples)

	var buf bytes.Buffer
	enc, err := codec.NewWriter(&buf)
	if err != nil {
		res.Outcome = "failed"
		return res, errs.New(errs.Integrity, "codec_open_failed", "failed to open partition encoder", err)
	}
	const encodeBatch = 8192
	for i := 0; i < len(samples); i += encodeBatch {
		end := i + encodeBatch
		if end > len(samples) {
			end = len(samples)
		}
		if err := enc.WriteBatch(samples[i:end]); err != nil {
			res.Outcome = "failed"
			return res, errs.New(errs.Integrity, "codec_write_failed", "failed to encode partition batch", err)
		}
	}
	if err := enc.Close(); err != nil {
		res.Outcome = "failed"
		return res, errs.New(errs.Integrity, "codec_close_failed", "failed to finalize partition file", err)
	}

	if err := w.cold.Put(ctx, path, bytes.NewReader(buf.Bytes()), int64(buf.Len())); err != nil {
		res.Outcome = "failed"
		return res, errs.New(errs.ColdStore, "upload_failed", "failed to upload partition", err)
	}

	uploadedExists, uploadedSize, err := w.cold.Head(ctx, path)
	if err != nil || !uploadedExists || uploadedSize == 0 {
		res.Outcome = "failed"
		return res, errs.New(errs.Integrity, "verify_failed", "uploaded partition failed verification", err)
	}

	deleted, err := w.hot.DeleteRange(ctx, pointIDs, dayStart, dayEnd)
	if err != nil {
		// The cold file is verified and correct; leaving the hot rows in
		// place is safe, the query worker dedupes on overlap.
		res.Outcome = "failed"
		res.RowCount = int64(len(samples))
		return res, errs.New(errs.HotStore, "delete_failed", "failed to delete archived hot rows", err)
	}
	if deleted != int64(len(samples)) {
		log.Warn().Int64("expected", int64(len(samples))).Int64("deleted", deleted).
			Msg("hot delete count does not match archived row count, leaving cold file in place")
	}

	if err := w.state.SetArchiveState(ctx, models.ArchiveState{
		Site: site, Day: dayStr, Archived: true, RowCount: int64(len(samples)),
		FilePath: path, RunID: runID, UpdatedAt: time.Now().UTC(),
	}); err != nil {
		log.Warn().Err(err).Msg("failed to persist archive state after successful hand-off")
	}

	res.Outcome = "archived"
	res.RowCount = int64(len(samples))
	log.Info().Int64("rows", res.RowCount).Str("path", path).Msg("partition archived")
	return res, nil
}

// Reconcile scans every (site, day) partition the state store knows about
// and fixes disagreements between cold-store reality and the archive
// state record: a file present but not marked archived, or marked archived
// with no file backing it.
func Reconcile(ctx context.Context, cold coldstore.Store, state statestore.Store, site string) ([]string, error) {
	states, err := state.ListArchiveStates(ctx, site)
	if err != nil {
		return nil, errs.New(errs.HotStore, "list_archive_states_failed", "failed to list archive states", err)
	}

	var fixed []string
	for _, as := range states {
		day, err := time.Parse("2006-01-02", as.Day)
		if err != nil {
			continue
		}
		path := coldstore.PathFor(site, day)
		exists, size, err := cold.Head(ctx, path)
		if err != nil {
			return fixed, errs.New(errs.ColdStore, "reconcile_head_failed", "failed to probe cold store during reconcile", err)
		}
		actuallyArchived := exists && size > 0
		if actuallyArchived == as.Archived {
			continue
		}
		as.Archived = actuallyArchived
		as.UpdatedAt = time.Now().UTC()
		if err := state.SetArchiveState(ctx, as); err != nil {
			return fixed, errs.New(errs.HotStore, "reconcile_write_failed", "failed to persist reconciled archive state", err)
		}
		fixed = append(fixed, as.Day)
	}
	return fixed, nil
}
