package statestore

import (
	"context"
	"sync"
	"time"

	"sensorlake/internal/models"
)

type memLock struct {
	owner     string
	expiresAt time.Time
}

// MemoryStore is an in-process fake of Store for unit tests.
type MemoryStore struct {
	mu        sync.Mutex
	cursors   map[string]int64
	locks     map[string]memLock
	jobs      map[string]models.BackfillJob
	archives  map[string]models.ArchiveState // key: site|day
	runs      []models.RunSummary
	cache     map[string]cacheEntry
}

type cacheEntry struct {
	body      []byte
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cursors:  make(map[string]int64),
		locks:    make(map[string]memLock),
		jobs:     make(map[string]models.BackfillJob),
		archives: make(map[string]models.ArchiveState),
		cache:    make(map[string]cacheEntry),
	}
}

func (m *MemoryStore) GetCursor(ctx context.Context, site string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[site]
	return c, ok, nil
}

func (m *MemoryStore) SetCursor(ctx context.Context, site string, cursorMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cursors[site]; !ok || cursorMS > cur {
		m.cursors[site] = cursorMS
	}
	return nil
}

func (m *MemoryStore) AcquireSyncLock(ctx context.Context, site, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[site]; ok && l.expiresAt.After(time.Now()) {
		return false, nil
	}
	m.locks[site] = memLock{owner: owner, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (m *MemoryStore) ReleaseSyncLock(ctx context.Context, site, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[site]; ok && l.owner == owner {
		delete(m.locks, site)
	}
	return nil
}

func (m *MemoryStore) CreateBackfillJob(ctx context.Context, job models.BackfillJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job.Version = 1
	m.jobs[job.JobID] = job
	return nil
}

func (m *MemoryStore) GetBackfillJob(ctx context.Context, jobID string) (models.BackfillJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	return j, ok, nil
}

func (m *MemoryStore) ListBackfillJobs(ctx context.Context, site string) ([]models.BackfillJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BackfillJob
	for _, j := range m.jobs {
		if j.Site == site {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *MemoryStore) ActiveBackfillJob(ctx context.Context, site string) (models.BackfillJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Site == site && (j.Status == models.BackfillQueued || j.Status == models.BackfillInProgress) {
			return j, true, nil
		}
	}
	return models.BackfillJob{}, false, nil
}

func (m *MemoryStore) UpdateBackfillJob(ctx context.Context, jobID string, expectedVersion int64, mutate func(*models.BackfillJob)) (models.BackfillJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.BackfillJob{}, ErrVersionConflict
	}
	if job.Version != expectedVersion {
		return models.BackfillJob{}, ErrVersionConflict
	}
	mutate(&job)
	job.Version++
	m.jobs[jobID] = job
	return job, nil
}

func archiveKey(site, day string) string { return site + "|" + day }

func (m *MemoryStore) GetArchiveState(ctx context.Context, site, day string) (models.ArchiveState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.archives[archiveKey(site, day)]
	return a, ok, nil
}

func (m *MemoryStore) SetArchiveState(ctx context.Context, state models.ArchiveState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[archiveKey(state.Site, state.Day)] = state
	return nil
}

func (m *MemoryStore) ListArchiveStates(ctx context.Context, site string) ([]models.ArchiveState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ArchiveState
	for _, a := range m.archives {
		if a.Site == site {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecordRun(ctx context.Context, run models.RunSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, worker, site string, limit int) ([]models.RunSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RunSummary
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		r := m.runs[i]
		if (worker == "" || r.Worker == worker) && (site == "" || r.Site == site) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) CacheGet(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[key]
	if !ok || e.expiresAt.Before(time.Now()) {
		return nil, false, nil
	}
	return e.body, true, nil
}

func (m *MemoryStore) CacheSet(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[key] = cacheEntry{body: value, expiresAt: time.Now().Add(ttl)}
	return nil
}
