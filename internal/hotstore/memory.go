package hotstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"sensorlake/internal/models"
)

// MemoryStore is an in-process fake of Store for unit tests — no network,
// no Postgres, just maps guarded by a mutex.
type MemoryStore struct {
	mu       sync.Mutex
	nextID   int64
	points   map[string]models.Point // key: site|name
	pointsByID map[int64]models.Point
	samples  map[int64]map[int64]float64 // point_id -> timestamp_ms -> value
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		points:     make(map[string]models.Point),
		pointsByID: make(map[int64]models.Point),
		samples:    make(map[int64]map[int64]float64),
	}
}

func key(site, name string) string { return site + "|" + name }

func (m *MemoryStore) UpsertPoint(ctx context.Context, siteName, name, displayName, dataType string) (models.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if dataType == "" {
		dataType = models.DefaultDataType
	}
	k := key(siteName, name)
	if p, ok := m.points[k]; ok {
		if displayName != "" {
			p.DisplayName = displayName
		}
		p.UpdatedAt = time.Now()
		m.points[k] = p
		m.pointsByID[p.ID] = p
		return p, nil
	}

	m.nextID++
	p := models.Point{
		ID: m.nextID, SiteName: siteName, Name: name, DisplayName: displayName,
		DataType: dataType, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	m.points[k] = p
	m.pointsByID[p.ID] = p
	return p, nil
}

func (m *MemoryStore) GetPoint(ctx context.Context, siteName, name string) (models.Point, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.points[key(siteName, name)]
	return p, ok, nil
}

func (m *MemoryStore) ListPoints(ctx context.Context, siteName string) ([]models.Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Point
	for _, p := range m.points {
		if p.SiteName == siteName {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpsertSamples(ctx context.Context, samples []models.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, smp := range samples {
		byTS, ok := m.samples[smp.PointID]
		if !ok {
			byTS = make(map[int64]float64)
			m.samples[smp.PointID] = byTS
		}
		byTS[smp.TimestampMS] = smp.Value
	}
	return nil
}

func (m *MemoryStore) QueryRange(ctx context.Context, pointIDs []int64, startMS, endMS int64) ([]models.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Sample
	ids := append([]int64(nil), pointIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, pid := range ids {
		name := m.pointsByID[pid].Name
		byTS := m.samples[pid]
		var tss []int64
		for ts := range byTS {
			if ts >= startMS && ts < endMS {
				tss = append(tss, ts)
			}
		}
		sort.Slice(tss, func(i, j int) bool { return tss[i] < tss[j] })
		for _, ts := range tss {
			out = append(out, models.Sample{PointID: pid, PointName: name, TimestampMS: ts, Value: byTS[ts]})
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteRange(ctx context.Context, pointIDs []int64, startMS, endMS int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, pid := range pointIDs {
		byTS, ok := m.samples[pid]
		if !ok {
			continue
		}
		for ts := range byTS {
			if ts >= startMS && ts < endMS {
				delete(byTS, ts)
				n++
			}
		}
	}
	return n, nil
}

func (m *MemoryStore) OldestSampleBefore(ctx context.Context, siteName string, before int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found bool
	var oldest int64
	for pid, byTS := range m.samples {
		p, ok := m.pointsByID[pid]
		if !ok || p.SiteName != siteName {
			continue
		}
		for ts := range byTS {
			if ts < before && (!found || ts < oldest) {
				oldest = ts
				found = true
			}
		}
	}
	return oldest, found, nil
}
