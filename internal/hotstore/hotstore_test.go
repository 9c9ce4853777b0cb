package hotstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorlake/internal/models"
)

func TestMemoryStore_UpsertPointStableID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p1, err := s.UpsertPoint(ctx, "site-a", "AHU1.SAT", "AHU-1 Supply Air Temp", "analog")
	require.NoError(t, err)

	p2, err := s.UpsertPoint(ctx, "site-a", "AHU1.SAT", "renamed display", "analog")
	require.NoError(t, err)

	assert.Equal(t, p1.ID, p2.ID, "point id must not change on re-upsert")
	assert.Equal(t, "renamed display", p2.DisplayName)
}

func TestMemoryStore_UpsertSamplesIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p, _ := s.UpsertPoint(ctx, "site-a", "AHU1.SAT", "", "analog")

	err := s.UpsertSamples(ctx, []models.Sample{{PointID: p.ID, TimestampMS: 1000, Value: 72.1}})
	require.NoError(t, err)
	err = s.UpsertSamples(ctx, []models.Sample{{PointID: p.ID, TimestampMS: 1000, Value: 72.5}})
	require.NoError(t, err)

	rows, err := s.QueryRange(ctx, []int64{p.ID}, 0, 2000)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 72.5, rows[0].Value)
}

func TestMemoryStore_QueryRangeOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p, _ := s.UpsertPoint(ctx, "site-a", "AHU1.SAT", "", "analog")

	require.NoError(t, s.UpsertSamples(ctx, []models.Sample{
		{PointID: p.ID, TimestampMS: 3000, Value: 3},
		{PointID: p.ID, TimestampMS: 1000, Value: 1},
		{PointID: p.ID, TimestampMS: 2000, Value: 2},
	}))

	rows, err := s.QueryRange(ctx, []int64{p.ID}, 0, 5000)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []int64{1000, 2000, 3000}, []int64{rows[0].TimestampMS, rows[1].TimestampMS, rows[2].TimestampMS})
}

func TestMemoryStore_DeleteRange(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p, _ := s.UpsertPoint(ctx, "site-a", "AHU1.SAT", "", "analog")
	require.NoError(t, s.UpsertSamples(ctx, []models.Sample{
		{PointID: p.ID, TimestampMS: 1000, Value: 1},
		{PointID: p.ID, TimestampMS: 2000, Value: 2},
	}))

	n, err := s.DeleteRange(ctx, []int64{p.ID}, 0, 1500)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := s.QueryRange(ctx, []int64{p.ID}, 0, 5000)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2000), rows[0].TimestampMS)
}

func TestMemoryStore_OldestSampleBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p, _ := s.UpsertPoint(ctx, "site-a", "AHU1.SAT", "", "analog")
	require.NoError(t, s.UpsertSamples(ctx, []models.Sample{
		{PointID: p.ID, TimestampMS: 5000, Value: 1},
		{PointID: p.ID, TimestampMS: 9000, Value: 2},
	}))

	ts, ok, err := s.OldestSampleBefore(ctx, "site-a", 10000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5000), ts)

	_, ok, err = s.OldestSampleBefore(ctx, "site-a", 1000)
	require.NoError(t, err)
	assert.False(t, ok)
}
