// Package backfill implements the deep history loader: a manually
// triggered worker that imports a [start_date, end_date] range for a site
// a few days at a time, resuming from its last completed day across
// invocations. Like the archival worker, it never overwrites a cold
// file that already exists at the canonical path — archival output always
// wins, and a re-run of backfill over a previously-archived range is a
// conservative no-op for those days.
package backfill

import (
	"bytes"
	"context"
	"fmt"
	"math"
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
	"sensorlake/internal/upstream"
)

const dateLayout = "2006-01-02"

// Config controls one worker instance's behavior.
type Config struct {
	MaxDaysPerInvocation int
	MaxRangeDays         int
	PageSize             int
}

// Worker imports historical samples for a site a few days at a time,
// driven by a job record in the state store so progress survives a crash
// or a cancellation mid-run.
type Worker struct {
	upstream *upstream.Client
	hot      hotstore.Store
	cold     coldstore.Store
	state    statestore.Store
	cfg      Config
}

func NewWorker(up *upstream.Client, hot hotstore.Store, cold coldstore.Store, state statestore.Store, cfg Config) *Worker {
	if cfg.MaxDaysPerInvocation <= 0 {
		cfg.MaxDaysPerInvocation = 5
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 5000
	}
	return &Worker{upstream: up, hot: hot, cold: cold, state: state, cfg: cfg}
}

// CreateJob validates and persists a new backfill job. It rejects ranges
// exceeding MaxRangeDays and rejects a new job while one is already
// queued or in_progress for the site.
func (w *Worker) CreateJob(ctx context.Context, site, startDate, endDate string, continueOnError bool) (models.BackfillJob, error) {
	start, err := time.Parse(dateLayout, startDate)
	if err != nil {
		return models.BackfillJob{}, errs.New(errs.Validation, "bad_start_date", "start_date must be YYYY-MM-DD", err)
	}
	end, err := time.Parse(dateLayout, endDate)
	if err != nil {
		return models.BackfillJob{}, errs.New(errs.Validation, "bad_end_date", "end_date must be YYYY-MM-DD", err)
	}
	if end.Before(start) {
		return models.BackfillJob{}, errs.New(errs.Validation, "range_inverted", "end_date must not precede start_date", nil)
	}
	days := int(end.Sub(start).Hours()/24) + 1
	if w.cfg.MaxRangeDays > 0 && days > w.cfg.MaxRangeDays {
		return models.BackfillJob{}, errs.New(errs.Validation, "range_too_large",
			fmt.Sprintf("range spans %d days, exceeding the %d day maximum", days, w.cfg.MaxRangeDays), nil)
	}

	if _, active, err := w.state.ActiveBackfillJob(ctx, site); err != nil {
		return models.BackfillJob{}, errs.New(errs.HotStore, "active_job_check_failed", "failed to check for an active backfill job", err)
	} else if active {
		return models.BackfillJob{}, errs.New(errs.Validation, "job_in_progress", "a backfill job is already in progress for this site", nil)
	}

	job := models.BackfillJob{
		JobID: uuid.NewString(), Site: site, StartDate: startDate, EndDate: endDate,
		Status: models.BackfillQueued, ContinueOnError: continueOnError,
		CreatedAt: time.Now().UTC(), Version: 1,
	}
	if err := w.state.CreateBackfillJob(ctx, job); err != nil {
		return models.BackfillJob{}, errs.New(errs.HotStore, "job_create_failed", "failed to persist backfill job", err)
	}
	return job, nil
}

// Cancel marks a job cancelled. A job already completed or cancelled is
// left untouched.
func (w *Worker) Cancel(ctx context.Context, jobID string) (models.BackfillJob, error) {
	job, ok, err := w.state.GetBackfillJob(ctx, jobID)
	if err != nil {
		return models.BackfillJob{}, errs.New(errs.HotStore, "job_read_failed", "failed to read backfill job", err)
	}
	if !ok {
		return models.BackfillJob{}, errs.New(errs.Validation, "job_not_found", "no such backfill job", nil)
	}
	if job.Status == models.BackfillCompleted || job.Status == models.BackfillCancelled {
		return job, nil
	}
	return w.state.UpdateBackfillJob(ctx, jobID, job.Version, func(j *models.BackfillJob) {
		j.Status = models.BackfillCancelled
		now := time.Now().UTC()
		j.FinishedAt = &now
	})
}

// Status returns the current job record.
func (w *Worker) Status(ctx context.Context, jobID string) (models.BackfillJob, bool, error) {
	return w.state.GetBackfillJob(ctx, jobID)
}

// TickActive drives the site's active job (queued or in_progress) forward
// by one Tick, if one exists. It is a no-op when no job is active, so a
// scheduler can call it unconditionally on a fixed cadence per site and
// let a job started through CreateJob resume on the next tick without an
// operator attaching a CLI to watch it.
func (w *Worker) TickActive(ctx context.Context, site string) (models.BackfillJob, bool, error) {
	job, active, err := w.state.ActiveBackfillJob(ctx, site)
	if err != nil {
		return models.BackfillJob{}, false, errs.New(errs.HotStore, "active_job_check_failed", "failed to check for an active backfill job", err)
	}
	if !active {
		return models.BackfillJob{}, false, nil
	}
	job, err = w.Tick(ctx, job.JobID)
	return job, true, err
}

// Tick processes up to Config.MaxDaysPerInvocation not-yet-completed days
// of jobID. A scheduler calls Tick repeatedly until the job reaches a
// terminal status.
func (w *Worker) Tick(ctx context.Context, jobID string) (models.BackfillJob, error) {
	job, ok, err := w.state.GetBackfillJob(ctx, jobID)
	if err != nil {
		return models.BackfillJob{}, errs.New(errs.HotStore, "job_read_failed", "failed to read backfill job", err)
	}
	if !ok {
		return models.BackfillJob{}, errs.New(errs.Validation, "job_not_found", "no such backfill job", nil)
	}
	if job.Status == models.BackfillCancelled || job.Status == models.BackfillCompleted || job.Status == models.BackfillFailed {
		return job, nil
	}

	runID := uuid.NewString()
	log := logx.WithRun(logx.WithSite(logx.WithWorker("backfill"), job.Site), runID)

	if job.Status == models.BackfillQueued {
		started := time.Now().UTC()
		job, err = w.state.UpdateBackfillJob(ctx, job.JobID, job.Version, func(j *models.BackfillJob) {
			j.Status = models.BackfillInProgress
			j.StartedAt = &started
		})
		if err != nil {
			return models.BackfillJob{}, errs.New(errs.HotStore, "job_start_failed", "failed to transition job to in_progress", err)
		}
	}

	points, err := w.upstream.ConfiguredPoints(ctx, job.Site)
	if err != nil {
		return w.failJob(ctx, job, err, log)
	}
	pointByName := make(map[string]bool, len(points))
	for _, p := range points {
		if _, err := w.hot.UpsertPoint(ctx, job.Site, p.Name, p.DisplayName, ""); err != nil {
			return models.BackfillJob{}, errs.New(errs.HotStore, "point_upsert_failed", "failed to upsert point", err)
		}
		pointByName[p.Name] = true
	}

	completed := make(map[string]bool, len(job.CompletedDays))
	for _, d := range job.CompletedDays {
		completed[d] = true
	}

	start, _ := time.Parse(dateLayout, job.StartDate)
	end, _ := time.Parse(dateLayout, job.EndDate)

	processedThisTick := 0
	for day := start; !day.After(end) && processedThisTick < w.cfg.MaxDaysPerInvocation; day = day.AddDate(0, 0, 1) {
		dayStr := day.Format(dateLayout)
		if completed[dayStr] {
			continue
		}

		// Re-read the job before every day: a cancel issued mid-run must
		// stop processing immediately rather than finish the tick.
		fresh, ok, err := w.state.GetBackfillJob(ctx, job.JobID)
		if err != nil {
			return models.BackfillJob{}, errs.New(errs.HotStore, "job_read_failed", "failed to re-read backfill job", err)
		}
		if !ok || fresh.Status == models.BackfillCancelled {
			log.Info().Str("day", dayStr).Msg("job cancelled, stopping before emitting a partial file")
			return fresh, nil
		}
		job = fresh

		written, err := w.processDay(ctx, job.Site, day, pointByName)
		processedThisTick++

		if err != nil {
			outcome := "failed"
			if errs.KindOf(err) == errs.Auth {
				// Upstream auth failures fail the whole job fast, ignoring
				// continue_on_error.
				metrics.BackfillDaysTotal.WithLabelValues(job.Site, outcome).Inc()
				return w.failJob(ctx, job, err, log)
			}
			metrics.BackfillDaysTotal.WithLabelValues(job.Site, outcome).Inc()
			log.Warn().Err(err).Str("day", dayStr).Msg("day failed")

			dayErr := err
			job, err = w.state.UpdateBackfillJob(ctx, job.JobID, job.Version, func(j *models.BackfillJob) {
				j.LastError = dayErr.Error()
			})
			if err != nil {
				return models.BackfillJob{}, errs.New(errs.HotStore, "job_update_failed", "failed to record day failure", err)
			}
			if !job.ContinueOnError {
				return w.failJob(ctx, job, dayErr, log)
			}
			continue
		}

		metrics.BackfillDaysTotal.WithLabelValues(job.Site, "success").Inc()
		job, err = w.state.UpdateBackfillJob(ctx, job.JobID, job.Version, func(j *models.BackfillJob) {
			j.CompletedDays = append(j.CompletedDays, dayStr)
			j.SamplesWritten += written
		})
		if err != nil {
			return models.BackfillJob{}, errs.New(errs.HotStore, "job_update_failed", "failed to record completed day", err)
		}
		completed[dayStr] = true
	}

	if allDaysCompleted(start, end, completed) {
		finished := time.Now().UTC()
		job, err = w.state.UpdateBackfillJob(ctx, job.JobID, job.Version, func(j *models.BackfillJob) {
			j.Status = models.BackfillCompleted
			j.FinishedAt = &finished
		})
		if err != nil {
			return models.BackfillJob{}, errs.New(errs.HotStore, "job_complete_failed", "failed to mark job completed", err)
		}
		log.Info().Int64("samples_written", job.SamplesWritten).Msg("backfill job completed")
	}

	return job, nil
}

func (w *Worker) failJob(ctx context.Context, job models.BackfillJob, cause error, log zerolog.Logger) (models.BackfillJob, error) {
	finished := time.Now().UTC()
	failed, err := w.state.UpdateBackfillJob(ctx, job.JobID, job.Version, func(j *models.BackfillJob) {
		j.Status = models.BackfillFailed
		j.LastError = cause.Error()
		j.FinishedAt = &finished
	})
	if err != nil {
		return models.BackfillJob{}, errs.New(errs.HotStore, "job_fail_failed", "failed to mark job failed", err)
	}
	log.Error().Err(cause).Msg("backfill job failed")
	return failed, cause
}

func allDaysCompleted(start, end time.Time, completed map[string]bool) bool {
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if !completed[day.Format(dateLayout)] {
			return false
		}
	}
	return true
}

// processDay fetches, filters, and uploads one day's samples, skipping
// upload entirely if a cold file already exists at the canonical path.
// It returns the number of samples written to the new partition (zero if
// skipped or if the day had no samples after filtering).
func (w *Worker) processDay(ctx context.Context, site string, day time.Time, knownPoints map[string]bool) (int64, error) {
	path := coldstore.PathFor(site, day)
	if exists, size, err := w.cold.Head(ctx, path); err != nil {
		return 0, errs.New(errs.ColdStore, "head_failed", "failed to probe cold store", err)
	} else if exists && size > 0 {
		return 0, nil
	}

	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).UnixMilli()
	dayEnd := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1).UnixMilli()

	raw, err := w.upstream.FetchAllSamples(ctx, site, dayStart, dayEnd, w.cfg.PageSize)
	if err != nil {
		return 0, err
	}

	samples := make([]models.Sample, 0, len(raw))
	for _, r := range raw {
		if !knownPoints[r.Name] {
			continue
		}
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			continue
		}
		ts, err := upstream.ParseSampleTime(r.Time)
		if err != nil {
			continue
		}
		samples = append(samples, models.Sample{PointName: r.Name, TimestampMS: ts, Value: r.Value})
	}
	if len(samples) == 0 {
		return 0, nil
	}

	data, err := codec.EncodeAll(samples)
	if err != nil {
		return 0, errs.New(errs.Integrity, "codec_failed", "failed to encode backfill partition", err)
	}

	if err := w.cold.Put(ctx, path, bytes.NewReader(data), int64(len(data))); err != nil {
		return 0, errs.New(errs.ColdStore, "upload_failed", "failed to upload backfill partition", err)
	}

	if exists, size, err := w.cold.Head(ctx, path); err != nil || !exists || size == 0 {
		return 0, errs.New(errs.Integrity, "verify_failed", "uploaded backfill partition failed verification", err)
	}

	return int64(len(samples)), nil
}
