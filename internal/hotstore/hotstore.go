// Package hotstore is the keyed SQL row store for the most recent window
// of samples (the "hot" tier). Writes are idempotent upserts on
// (point_id, timestamp_ms); reads serve point-range queries directly
// without touching cold storage.
package hotstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sensorlake/internal/models"
)

// Store is the capability interface every worker depends on, so tests can
// substitute an in-memory fake instead of a real Postgres connection.
type Store interface {
	// UpsertPoint returns the existing point if (siteName, name) is already
	// known, assigning a new surrogate ID only on first sight (invariant:
	// point IDs never change once assigned).
	UpsertPoint(ctx context.Context, siteName, name, displayName, dataType string) (models.Point, error)
	ListPoints(ctx context.Context, siteName string) ([]models.Point, error)
	GetPoint(ctx context.Context, siteName, name string) (models.Point, bool, error)

	// UpsertSamples idempotently writes samples, keyed on (point_id,
	// timestamp_ms); a re-delivered sample overwrites the prior value rather
	// than duplicating the row.
	UpsertSamples(ctx context.Context, samples []models.Sample) error

	// QueryRange returns samples for the given points in [startMS, endMS),
	// ordered by (point_id, timestamp_ms).
	QueryRange(ctx context.Context, pointIDs []int64, startMS, endMS int64) ([]models.Sample, error)

	// DeleteRange removes samples for the given point ids in [startMS, endMS)
	// and returns the number of rows removed. Used by the archival worker
	// after a cold file has been uploaded and verified.
	DeleteRange(ctx context.Context, pointIDs []int64, startMS, endMS int64) (int64, error)

	// OldestSampleBefore reports the earliest timestamp still resident in the
	// hot store for a site, used by the archival worker to find candidate
	// partitions to hand off.
	OldestSampleBefore(ctx context.Context, siteName string, before int64) (int64, bool, error)
}

// PGStore is the Postgres-backed implementation, grounded in the pooled
// pgx access pattern used throughout the repository layer.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS hot;

CREATE TABLE IF NOT EXISTS hot.points (
	id           BIGSERIAL PRIMARY KEY,
	site_name    TEXT NOT NULL,
	name         TEXT NOT NULL,
	display_name TEXT,
	data_type    TEXT NOT NULL DEFAULT 'analog',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (site_name, name)
);

CREATE TABLE IF NOT EXISTS hot.samples (
	point_id     BIGINT NOT NULL REFERENCES hot.points(id),
	timestamp_ms BIGINT NOT NULL,
	value        DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (point_id, timestamp_ms)
);

CREATE INDEX IF NOT EXISTS idx_hot_samples_point_ts ON hot.samples (point_id, timestamp_ms);
`

// EnsureSchema creates the hot schema and tables if they do not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schemaDDL)
	return err
}

func (s *PGStore) UpsertPoint(ctx context.Context, siteName, name, displayName, dataType string) (models.Point, error) {
	if dataType == "" {
		dataType = models.DefaultDataType
	}
	var p models.Point
	err := s.db.QueryRow(ctx, `
		INSERT INTO hot.points (site_name, name, display_name, data_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (site_name, name) DO UPDATE SET
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), hot.points.display_name),
			updated_at = NOW()
		RETURNING id, site_name, name, COALESCE(display_name, ''), data_type, created_at, updated_at`,
		siteName, name, displayName, dataType,
	).Scan(&p.ID, &p.SiteName, &p.Name, &p.DisplayName, &p.DataType, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return models.Point{}, fmt.Errorf("upsert point: %w", err)
	}
	return p, nil
}

func (s *PGStore) GetPoint(ctx context.Context, siteName, name string) (models.Point, bool, error) {
	var p models.Point
	err := s.db.QueryRow(ctx, `
		SELECT id, site_name, name, COALESCE(display_name, ''), data_type, created_at, updated_at
		FROM hot.points WHERE site_name = $1 AND name = $2`,
		siteName, name,
	).Scan(&p.ID, &p.SiteName, &p.Name, &p.DisplayName, &p.DataType, &p.CreatedAt, &p.UpdatedAt)
	if err == pgx.ErrNoRows {
		return models.Point{}, false, nil
	}
	if err != nil {
		return models.Point{}, false, err
	}
	return p, true, nil
}

func (s *PGStore) ListPoints(ctx context.Context, siteName string) ([]models.Point, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, site_name, name, COALESCE(display_name, ''), data_type, created_at, updated_at
		FROM hot.points WHERE site_name = $1 ORDER BY name`,
		siteName,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Point
	for rows.Next() {
		var p models.Point
		if err := rows.Scan(&p.ID, &p.SiteName, &p.Name, &p.DisplayName, &p.DataType, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGStore) UpsertSamples(ctx context.Context, samples []models.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, smp := range samples {
		batch.Queue(`
			INSERT INTO hot.samples (point_id, timestamp_ms, value)
			VALUES ($1, $2, $3)
			ON CONFLICT (point_id, timestamp_ms) DO UPDATE SET value = EXCLUDED.value`,
			smp.PointID, smp.TimestampMS, smp.Value,
		)
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(samples); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert sample batch item %d: %w", i, err)
		}
	}
	return nil
}

func (s *PGStore) QueryRange(ctx context.Context, pointIDs []int64, startMS, endMS int64) ([]models.Sample, error) {
	if len(pointIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT s.point_id, p.name, s.timestamp_ms, s.value
		FROM hot.samples s
		JOIN hot.points p ON p.id = s.point_id
		WHERE s.point_id = ANY($1) AND s.timestamp_ms >= $2 AND s.timestamp_ms < $3
		ORDER BY s.point_id, s.timestamp_ms`,
		pointIDs, startMS, endMS,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Sample
	for rows.Next() {
		var smp models.Sample
		if err := rows.Scan(&smp.PointID, &smp.PointName, &smp.TimestampMS, &smp.Value); err != nil {
			return nil, err
		}
		out = append(out, smp)
	}
	return out, rows.Err()
}

func (s *PGStore) DeleteRange(ctx context.Context, pointIDs []int64, startMS, endMS int64) (int64, error) {
	if len(pointIDs) == 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `
		DELETE FROM hot.samples
		WHERE point_id = ANY($1) AND timestamp_ms >= $2 AND timestamp_ms < $3`,
		pointIDs, startMS, endMS,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PGStore) OldestSampleBefore(ctx context.Context, siteName string, before int64) (int64, bool, error) {
	var ts *int64
	err := s.db.QueryRow(ctx, `
		SELECT MIN(s.timestamp_ms)
		FROM hot.samples s
		JOIN hot.points p ON p.id = s.point_id
		WHERE p.site_name = $1 AND s.timestamp_ms < $2`,
		siteName, before,
	).Scan(&ts)
	if err != nil {
		return 0, false, err
	}
	if ts == nil {
		return 0, false, nil
	}
	return *ts, true, nil
}
