// Package statestore holds the small bookkeeping tables that aren't
// sample data: sync cursors, the per-site sync lock, backfill job
// records, archive state per (site, day), run history, and the query
// result cache. It lives in the same Postgres instance as the hot store
// (a separate schema), grounded in the lease/checkpoint patterns the
// repository layer already uses for worker coordination.
package statestore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sensorlake/internal/errs"
	"sensorlake/internal/models"
)

// ErrVersionConflict is returned by UpdateBackfillJob when the caller's
// expected version no longer matches the stored row (lost the CAS race).
var ErrVersionConflict = fmt.Errorf("backfill job version conflict")

// ErrJobInProgress guards the "at most one in_progress backfill per site"
// invariant.
var ErrJobInProgress = fmt.Errorf("a backfill job is already in progress for this site")

type Store interface {
	// Sync cursor: the timestamp through which a site's ingest is known
	// complete and contiguous.
	GetCursor(ctx context.Context, site string) (int64, bool, error)
	SetCursor(ctx context.Context, site string, cursorMS int64) error

	// AcquireSyncLock claims the advisory lock for site, reclaiming it if the
	// previous holder's lease has expired. Returns false if another live
	// holder has it.
	AcquireSyncLock(ctx context.Context, site, owner string, ttl time.Duration) (bool, error)
	ReleaseSyncLock(ctx context.Context, site, owner string) error

	CreateBackfillJob(ctx context.Context, job models.BackfillJob) error
	GetBackfillJob(ctx context.Context, jobID string) (models.BackfillJob, bool, error)
	ListBackfillJobs(ctx context.Context, site string) ([]models.BackfillJob, error)
	ActiveBackfillJob(ctx context.Context, site string) (models.BackfillJob, bool, error)
	// UpdateBackfillJob applies mutate to the stored job under a
	// compare-and-swap on Version; it returns ErrVersionConflict if the row
	// changed since the caller last read it.
	UpdateBackfillJob(ctx context.Context, jobID string, expectedVersion int64, mutate func(*models.BackfillJob)) (models.BackfillJob, error)

	GetArchiveState(ctx context.Context, site, day string) (models.ArchiveState, bool, error)
	SetArchiveState(ctx context.Context, state models.ArchiveState) error
	ListArchiveStates(ctx context.Context, site string) ([]models.ArchiveState, error)

	RecordRun(ctx context.Context, run models.RunSummary) error
	ListRuns(ctx context.Context, worker, site string, limit int) ([]models.RunSummary, error)

	CacheGet(ctx context.Context, key string) ([]byte, bool, error)
	CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS state;

CREATE TABLE IF NOT EXISTS state.sync_cursors (
	site       TEXT PRIMARY KEY,
	cursor_ms  BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS state.sync_locks (
	site       TEXT PRIMARY KEY,
	owner      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS state.backfill_jobs (
	job_id           TEXT PRIMARY KEY,
	site             TEXT NOT NULL,
	start_date       TEXT NOT NULL,
	end_date         TEXT NOT NULL,
	status           TEXT NOT NULL,
	completed_days   TEXT[] NOT NULL DEFAULT '{}',
	samples_written  BIGINT NOT NULL DEFAULT 0,
	continue_on_error BOOLEAN NOT NULL DEFAULT FALSE,
	last_error       TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	version          BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_backfill_jobs_site_status ON state.backfill_jobs (site, status);

CREATE TABLE IF NOT EXISTS state.archive_state (
	site       TEXT NOT NULL,
	day        TEXT NOT NULL,
	archived   BOOLEAN NOT NULL DEFAULT FALSE,
	row_count  BIGINT NOT NULL DEFAULT 0,
	file_path  TEXT,
	run_id     TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (site, day)
);

CREATE TABLE IF NOT EXISTS state.run_history (
	run_id       TEXT PRIMARY KEY,
	worker       TEXT NOT NULL,
	site         TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	ended_at     TIMESTAMPTZ NOT NULL,
	rows_written BIGINT NOT NULL DEFAULT 0,
	outcome      TEXT NOT NULL,
	detail       TEXT
);
CREATE INDEX IF NOT EXISTS idx_run_history_worker_site ON state.run_history (worker, site, started_at DESC);

CREATE TABLE IF NOT EXISTS state.query_cache (
	cache_key  TEXT PRIMARY KEY,
	body       BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaDDL)
	return err
}

func (s *PGStore) GetCursor(ctx context.Context, site string) (int64, bool, error) {
	var cursor int64
	err := s.db.QueryRow(ctx, `SELECT cursor_ms FROM state.sync_cursors WHERE site = $1`, site).Scan(&cursor)
	if err == pgx.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cursor, true, nil
}

func (s *PGStore) SetCursor(ctx context.Context, site string, cursorMS int64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO state.sync_cursors (site, cursor_ms, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (site) DO UPDATE SET
			cursor_ms = GREATEST(state.sync_cursors.cursor_ms, EXCLUDED.cursor_ms),
			updated_at = NOW()`,
		site, cursorMS,
	)
	return err
}

// AcquireSyncLock is an insert-on-claim with TTL reclaim: a fresh claim
// succeeds outright; a claim on an expired lock steals it; a claim against a
// live lock held by someone else fails.
func (s *PGStore) AcquireSyncLock(ctx context.Context, site, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO state.sync_locks (site, owner, expires_at)
		VALUES ($1, $2, NOW() + $3::interval)
		ON CONFLICT (site) DO UPDATE SET
			owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at
		WHERE state.sync_locks.expires_at < NOW()`,
		site, owner, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) ReleaseSyncLock(ctx context.Context, site, owner string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM state.sync_locks WHERE site = $1 AND owner = $2`, site, owner)
	return err
}

func (s *PGStore) CreateBackfillJob(ctx context.Context, job models.BackfillJob) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO state.backfill_jobs (
			job_id, site, start_date, end_date, status, completed_days,
			samples_written, continue_on_error, created_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)`,
		job.JobID, job.Site, job.StartDate, job.EndDate, job.Status, job.CompletedDays,
		job.SamplesWritten, job.ContinueOnError, job.CreatedAt,
	)
	return err
}

func scanBackfillJob(row pgx.Row) (models.BackfillJob, error) {
	var j models.BackfillJob
	err := row.Scan(
		&j.JobID, &j.Site, &j.StartDate, &j.EndDate, &j.Status, &j.CompletedDays,
		&j.SamplesWritten, &j.ContinueOnError, &j.LastError, &j.CreatedAt,
		&j.StartedAt, &j.FinishedAt, &j.Version,
	)
	return j, err
}

const backfillJobCols = `job_id, site, start_date, end_date, status, completed_days,
	samples_written, continue_on_error, COALESCE(last_error, ''), created_at,
	started_at, finished_at, version`

func (s *PGStore) GetBackfillJob(ctx context.Context, jobID string) (models.BackfillJob, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT `+backfillJobCols+` FROM state.backfill_jobs WHERE job_id = $1`, jobID)
	j, err := scanBackfillJob(row)
	if err == pgx.ErrNoRows {
		return models.BackfillJob{}, false, nil
	}
	if err != nil {
		return models.BackfillJob{}, false, err
	}
	return j, true, nil
}

func (s *PGStore) ListBackfillJobs(ctx context.Context, site string) ([]models.BackfillJob, error) {
	rows, err := s.db.Query(ctx, `SELECT `+backfillJobCols+` FROM state.backfill_jobs WHERE site = $1 ORDER BY created_at DESC`, site)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.BackfillJob
	for rows.Next() {
		j, err := scanBackfillJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PGStore) ActiveBackfillJob(ctx context.Context, site string) (models.BackfillJob, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT `+backfillJobCols+` FROM state.backfill_jobs
		WHERE site = $1 AND status IN ($2, $3) LIMIT 1`,
		site, models.BackfillQueued, models.BackfillInProgress,
	)
	j, err := scanBackfillJob(row)
	if err == pgx.ErrNoRows {
		return models.BackfillJob{}, false, nil
	}
	if err != nil {
		return models.BackfillJob{}, false, err
	}
	return j, true, nil
}

// UpdateBackfillJob reads the job, applies mutate, then writes it back only
// if the row's version still matches expectedVersion — the same
// insert/update-guarded-by-predicate CAS shape the lease table uses.
func (s *PGStore) UpdateBackfillJob(ctx context.Context, jobID string, expectedVersion int64, mutate func(*models.BackfillJob)) (models.BackfillJob, error) {
	job, ok, err := s.GetBackfillJob(ctx, jobID)
	if err != nil {
		return models.BackfillJob{}, err
	}
	if !ok {
		return models.BackfillJob{}, fmt.Errorf("backfill job %s not found", jobID)
	}
	if job.Version != expectedVersion {
		return models.BackfillJob{}, ErrVersionConflict
	}

	mutate(&job)
	tag, err := s.db.Exec(ctx, `
		UPDATE state.backfill_jobs SET
			status = $1, completed_days = $2, samples_written = $3,
			last_error = $4, started_at = $5, finished_at = $6, version = version + 1
		WHERE job_id = $7 AND version = $8`,
		job.Status, job.CompletedDays, job.SamplesWritten,
		job.LastError, job.StartedAt, job.FinishedAt, jobID, expectedVersion,
	)
	if err != nil {
		return models.BackfillJob{}, err
	}
	if tag.RowsAffected() == 0 {
		return models.BackfillJob{}, ErrVersionConflict
	}
	job.Version = expectedVersion + 1
	return job, nil
}

func (s *PGStore) GetArchiveState(ctx context.Context, site, day string) (models.ArchiveState, bool, error) {
	var a models.ArchiveState
	err := s.db.QueryRow(ctx, `
		SELECT site, day, archived, row_count, COALESCE(file_path, ''), COALESCE(run_id, ''), updated_at
		FROM state.archive_state WHERE site = $1 AND day = $2`,
		site, day,
	).Scan(&a.Site, &a.Day, &a.Archived, &a.RowCount, &a.FilePath, &a.RunID, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return models.ArchiveState{}, false, nil
	}
	if err != nil {
		return models.ArchiveState{}, false, err
	}
	return a, true, nil
}

func (s *PGStore) SetArchiveState(ctx context.Context, state models.ArchiveState) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO state.archive_state (site, day, archived, row_count, file_path, run_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (site, day) DO UPDATE SET
			archived = EXCLUDED.archived, row_count = EXCLUDED.row_count,
			file_path = EXCLUDED.file_path, run_id = EXCLUDED.run_id, updated_at = NOW()`,
		state.Site, state.Day, state.Archived, state.RowCount, state.FilePath, state.RunID,
	)
	return err
}

func (s *PGStore) ListArchiveStates(ctx context.Context, site string) ([]models.ArchiveState, error) {
	rows, err := s.db.Query(ctx, `
		SELECT site, day, archived, row_count, COALESCE(file_path, ''), COALESCE(run_id, ''), updated_at
		FROM state.archive_state WHERE site = $1 ORDER BY day DESC`,
		site,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ArchiveState
	for rows.Next() {
		var a models.ArchiveState
		if err := rows.Scan(&a.Site, &a.Day, &a.Archived, &a.RowCount, &a.FilePath, &a.RunID, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) RecordRun(ctx context.Context, run models.RunSummary) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO state.run_history (run_id, worker, site, started_at, ended_at, rows_written, outcome, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO NOTHING`,
		run.RunID, run.Worker, run.Site, run.StartedAt, run.EndedAt, run.RowsWritten, run.Outcome, run.Detail,
	)
	return err
}

func (s *PGStore) ListRuns(ctx context.Context, worker, site string, limit int) ([]models.RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT run_id, worker, site, started_at, ended_at, rows_written, outcome, COALESCE(detail, '')
		FROM state.run_history
		WHERE ($1 = '' OR worker = $1) AND ($2 = '' OR site = $2)
		ORDER BY started_at DESC LIMIT $3`,
		worker, site, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RunSummary
	for rows.Next() {
		var r models.RunSummary
		if err := rows.Scan(&r.RunID, &r.Worker, &r.Site, &r.StartedAt, &r.EndedAt, &r.RowsWritten, &r.Outcome, &r.Detail); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) CacheGet(ctx context.Context, cacheKey string) ([]byte, bool, error) {
	var body []byte
	err := s.db.QueryRow(ctx, `
		SELECT body FROM state.query_cache WHERE cache_key = $1 AND expires_at > NOW()`,
		cacheKey,
	).Scan(&body)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.New(errs.CacheUnavailable, "cache_read_failed", "query cache read failed", err)
	}
	return body, true, nil
}

func (s *PGStore) CacheSet(ctx context.Context, cacheKey string, value []byte, ttl time.Duration) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO state.query_cache (cache_key, body, expires_at)
		VALUES ($1, $2, NOW() + $3::interval)
		ON CONFLICT (cache_key) DO UPDATE SET body = EXCLUDED.body, expires_at = EXCLUDED.expires_at`,
		cacheKey, value, fmt.Sprintf("%d milliseconds", ttl.Milliseconds()),
	)
	if err != nil {
		return errs.New(errs.CacheUnavailable, "cache_write_failed", "query cache write failed", err)
	}
	return nil
}
