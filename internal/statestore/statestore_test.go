package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorlake/internal/models"
)

func TestMemoryStore_CursorIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.SetCursor(ctx, "site-a", 5000))
	require.NoError(t, s.SetCursor(ctx, "site-a", 3000)) // must not move backwards

	cur, ok, err := s.GetCursor(ctx, "site-a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5000), cur)
}

func TestMemoryStore_SyncLockMutualExclusion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.AcquireSyncLock(ctx, "site-a", "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireSyncLock(ctx, "site-a", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire a live lock")

	require.NoError(t, s.ReleaseSyncLock(ctx, "site-a", "worker-1"))

	ok, err = s.AcquireSyncLock(ctx, "site-a", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be acquirable after release")
}

func TestMemoryStore_SyncLockTTLReclaim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.AcquireSyncLock(ctx, "site-a", "worker-1", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = s.AcquireSyncLock(ctx, "site-a", "worker-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lock must be reclaimable")
}

func TestMemoryStore_BackfillJobCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := models.BackfillJob{JobID: "job-1", Site: "site-a", Status: models.BackfillQueued, CreatedAt: time.Now()}
	require.NoError(t, s.CreateBackfillJob(ctx, job))

	stored, _, _ := s.GetBackfillJob(ctx, "job-1")
	updated, err := s.UpdateBackfillJob(ctx, "job-1", stored.Version, func(j *models.BackfillJob) {
		j.Status = models.BackfillInProgress
	})
	require.NoError(t, err)
	assert.Equal(t, models.BackfillInProgress, updated.Status)

	_, err = s.UpdateBackfillJob(ctx, "job-1", stored.Version, func(j *models.BackfillJob) {
		j.Status = models.BackfillCompleted
	})
	assert.ErrorIs(t, err, ErrVersionConflict, "stale version must be rejected")
}

func TestMemoryStore_ActiveBackfillJobGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CreateBackfillJob(ctx, models.BackfillJob{
		JobID: "job-1", Site: "site-a", Status: models.BackfillInProgress, CreatedAt: time.Now(),
	}))

	_, found, err := s.ActiveBackfillJob(ctx, "site-a")
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = s.ActiveBackfillJob(ctx, "site-b")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStore_CacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, ok, err := s.CacheGet(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.CacheSet(ctx, "k1", []byte("payload"), time.Minute))
	body, ok, err := s.CacheGet(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "payload", string(body))
}

func TestMemoryStore_CacheExpires(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.CacheSet(ctx, "k1", []byte("payload"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := s.CacheGet(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}
