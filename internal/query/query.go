// Package query implements the merge-and-serve worker: resolve a
// {site, point_names, start_time, end_time} request to hot rows, cold
// partitions, or both, merge them with hot winning on overlap, and cache
// the normalized response under a content hash of the request.
package query

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

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
	HotWindowDays      int
	MaxQueryRangeDays  int
	MaxSeriesPerQuery  int
	ColdFetchConcurrency int
	ColdFileMaxBytes   int64
	Timeout            time.Duration
}

// Request is a validated query input.
type Request struct {
	Site        string
	PointNames  []string
	StartMS     int64
	EndMS       int64
	Aggregation *Aggregation
}

// Aggregation buckets merged samples into fixed windows, reduced by Fn.
type Aggregation struct {
	WindowMS int64
	Fn       string // "mean" | "min" | "max" | "last"
}

// Worker answers Query requests by routing across the hot and cold tiers.
type Worker struct {
	hot   hotstore.Store
	cold  coldstore.Store
	state statestore.Store
	cfg   Config
}

func NewWorker(hot hotstore.Store, cold coldstore.Store, state statestore.Store, cfg Config) *Worker {
	if cfg.ColdFetchConcurrency <= 0 {
		cfg.ColdFetchConcurrency = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Worker{hot: hot, cold: cold, state: state, cfg: cfg}
}

// Validate checks a raw request against the documented input constraints.
func (w *Worker) Validate(req Request, now time.Time) error {
	if req.Site == "" {
		return errs.New(errs.Validation, "missing_site", "site is required", nil)
	}
	if len(req.PointNames) == 0 {
		return errs.New(errs.Validation, "missing_point_names", "point_names must be non-empty", nil)
	}
	if w.cfg.MaxSeriesPerQuery > 0 && len(req.PointNames) > w.cfg.MaxSeriesPerQuery {
		return errs.New(errs.Validation, "too_many_series",
			fmt.Sprintf("requested %d series, exceeding the %d maximum", len(req.PointNames), w.cfg.MaxSeriesPerQuery), nil)
	}
	if req.StartMS >= req.EndMS {
		return errs.New(errs.Validation, "range_inverted", "start_time must precede end_time", nil)
	}
	if req.EndMS > now.UnixMilli() {
		return errs.New(errs.Validation, "range_in_future", "end_time must not be after now", nil)
	}
	if w.cfg.MaxQueryRangeDays > 0 {
		maxSpan := int64(w.cfg.MaxQueryRangeDays) * 24 * 3600 * 1000
		if req.EndMS-req.StartMS > maxSpan {
			return errs.New(errs.Validation, "range_too_large",
				fmt.Sprintf("requested range exceeds the %d day maximum", w.cfg.MaxQueryRangeDays), nil)
		}
	}
	return nil
}

// Query resolves req, consulting the cache first and populating it on a
// miss. Cache failures are ignored without logging: a failed read counts
// as a miss and a failed write is dropped.
func (w *Worker) Query(ctx context.Context, req Request) (models.QueryResponse, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	log := logx.WithSite(logx.WithWorker("query"), req.Site)

	cacheKey := CacheKey(req)
	if cached, hit := w.tryCache(ctx, cacheKey, log); hit {
		metrics.QueryCacheHitsTotal.Inc()
		cached.Metadata.CacheHit = true
		cached.Metadata.QueryTimeMS = time.Since(start).Milliseconds()
		return cached, nil
	}
	metrics.QueryCacheMissesTotal.Inc()

	boundary := time.Now().UTC().AddDate(0, 0, -w.cfg.HotWindowDays).UnixMilli()

	points, err := w.hot.ListPoints(ctx, req.Site)
	if err != nil {
		return models.QueryResponse{}, errs.New(errs.HotStore, "list_points_failed", "failed to resolve requested points", err)
	}
	wanted := make(map[string]bool, len(req.PointNames))
	for _, n := range req.PointNames {
		wanted[n] = true
	}
	var pointIDs []int64
	for _, p := range points {
		if wanted[p.Name] {
			pointIDs = append(pointIDs, p.ID)
		}
	}

	var hotSamples, coldSamples []models.Sample
	var hotMeta, coldMeta *models.RangeMeta
	var sources []string

	needHot := req.EndMS >= boundary
	needCold := req.StartMS < boundary

	var g errgroup.Group
	if needHot {
		g.Go(func() error {
			// Query the full requested range, not just [boundary, E]: a
			// partition can be archived but not yet have its hot rows
			// deleted (the archival worker uploads, verifies, then deletes
			// in that order), so leftover hot rows below boundary are
			// still live and must be considered for dedup rather than
			// silently dropped.
			samples, err := w.hot.QueryRange(ctx, pointIDs, req.StartMS, req.EndMS)
			if err != nil {
				return errs.New(errs.HotStore, "query_range_failed", "failed to read hot rows", err)
			}
			hotSamples = samples
			hotMeta = &models.RangeMeta{Start: req.StartMS, End: req.EndMS, SampleCount: int64(len(samples))}
			return nil
		})
	}
	if needCold {
		g.Go(func() error {
			coldEnd := req.EndMS
			if coldEnd > boundary {
				coldEnd = boundary
			}
			samples, fileCount, err := w.queryCold(ctx, req.Site, req.StartMS, coldEnd, wanted, log)
			if err != nil {
				return err
			}
			coldSamples = samples
			coldMeta = &models.RangeMeta{Start: req.StartMS, End: coldEnd, SampleCount: int64(len(samples)), FileCount: fileCount}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.QueryResponse{}, err
	}

	if hotMeta != nil {
		sources = append(sources, "hot")
	}
	if coldMeta != nil {
		sources = append(sources, "cold")
	}

	merged := mergeDedup(hotSamples, coldSamples)
	series := toSeries(req.PointNames, merged, req.Aggregation)

	resp := models.QueryResponse{
		Series: series,
		Metadata: models.QueryMetadata{
			Sources:     sources,
			HotRange:    hotMeta,
			ColdRange:   coldMeta,
			QueryTimeMS: time.Since(start).Milliseconds(),
			CacheHit:    false,
		},
	}

	w.trySetCache(ctx, cacheKey, resp, req.EndMS, log)
	metrics.QueryDuration.WithLabelValues(strings.Join(sources, "+")).Observe(time.Since(start).Seconds())
	return resp, nil
}

// queryCold downloads and decodes every cold partition covering
// [startMS, endMS), filters to the requested points and range, bounded by
// ColdFetchConcurrency concurrent downloads.
func (w *Worker) queryCold(ctx context.Context, site string, startMS, endMS int64, wanted map[string]bool, log interface{}) ([]models.Sample, int, error) {
	startDay := time.UnixMilli(startMS).UTC()
	startDay = time.Date(startDay.Year(), startDay.Month(), startDay.Day(), 0, 0, 0, 0, time.UTC)
	var days []time.Time
	for d := startDay; d.UnixMilli() < endMS; d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}

	type dayResult struct {
		samples []models.Sample
		found   bool
	}
	results := make([]dayResult, len(days))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.ColdFetchConcurrency)

	for i, day := range days {
		i, day := i, day
		g.Go(func() error {
			path := coldstore.PathFor(site, day)
			exists, size, err := w.cold.Head(gctx, path)
			if err != nil {
				return errs.New(errs.ColdStore, "head_failed", "failed to probe cold store", err)
			}
			if !exists {
				return nil
			}
			if w.cfg.ColdFileMaxBytes > 0 && size > w.cfg.ColdFileMaxBytes {
				return errs.New(errs.Integrity, "partition_too_large",
					fmt.Sprintf("partition %s is %d bytes, exceeding the configured maximum", path, size), nil)
			}

			rc, err := w.cold.Get(gctx, path)
			if err != nil {
				return errs.New(errs.ColdStore, "download_failed", "failed to download cold partition", err)
			}
			defer rc.Close()

			var buf bytes.Buffer
			if _, err := buf.ReadFrom(rc); err != nil {
				return errs.New(errs.ColdStore, "download_read_failed", "failed to read cold partition body", err)
			}

			var dayOut []models.Sample
			err = codec.DecodeStream(gctx, bytes.NewReader(buf.Bytes()), func(batch []models.Sample) error {
				for _, s := range batch {
					if !wanted[s.PointName] {
						continue
					}
					if s.TimestampMS < startMS || s.TimestampMS >= endMS {
						continue
					}
					dayOut = append(dayOut, s)
				}
				return nil
			})
			if err != nil {
				return errs.New(errs.Integrity, "decode_failed", "failed to decode cold partition", err)
			}
			results[i] = dayResult{samples: dayOut, found: true}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	var out []models.Sample
	fileCount := 0
	for _, r := range results {
		if r.found {
			fileCount++
		}
		out = append(out, r.samples...)
	}
	return out, fileCount, nil
}

// mergeDedup concatenates hot and cold samples, keeping the hot value on a
// (point_name, timestamp_ms) collision, and sorts by (point_name,
// timestamp_ms), so each point's samples come out in ascending timestamp
// order.
func mergeDedup(hot, cold []models.Sample) []models.Sample {
	type key struct {
		name string
		ts   int64
	}
	byKey := make(map[key]models.Sample, len(hot)+len(cold))
	for _, s := range cold {
		byKey[key{s.PointName, s.TimestampMS}] = s
	}
	for _, s := range hot {
		byKey[key{s.PointName, s.TimestampMS}] = s
	}
	out := make([]models.Sample, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PointName != out[j].PointName {
			return out[i].PointName < out[j].PointName
		}
		return out[i].TimestampMS < out[j].TimestampMS
	})
	return out
}

func toSeries(names []string, merged []models.Sample, agg *Aggregation) []models.Series {
	byName := make(map[string][]models.SeriesPoint, len(names))
	for _, n := range names {
		byName[n] = nil
	}
	for _, s := range merged {
		if _, ok := byName[s.PointName]; !ok {
			continue
		}
		byName[s.PointName] = append(byName[s.PointName], models.SeriesPoint{TimestampMS: s.TimestampMS, Value: s.Value})
	}

	out := make([]models.Series, 0, len(names))
	for _, n := range names {
		pts := byName[n]
		if agg != nil {
			pts = aggregate(pts, agg)
		}
		out = append(out, models.Series{Name: n, Data: pts})
	}
	return out
}

func aggregate(points []models.SeriesPoint, agg *Aggregation) []models.SeriesPoint {
	if agg.WindowMS <= 0 || len(points) == 0 {
		return points
	}
	buckets := make(map[int64][]float64)
	var order []int64
	for _, p := range points {
		bucket := (p.TimestampMS / agg.WindowMS) * agg.WindowMS
		if _, ok := buckets[bucket]; !ok {
			order = append(order, bucket)
		}
		buckets[bucket] = append(buckets[bucket], p.Value)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	out := make([]models.SeriesPoint, 0, len(order))
	for _, b := range order {
		vals := buckets[b]
		out = append(out, models.SeriesPoint{TimestampMS: b, Value: reduce(vals, agg.Fn)})
	}
	return out
}

func reduce(vals []float64, fn string) float64 {
	switch fn {
	case "min":
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case "max":
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return m
	case "last":
		return vals[len(vals)-1]
	default: // "mean"
		var sum float64
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals))
	}
}

// CacheKey computes a SHA-256 hash of the normalized request, per the
// open question decision to use a cryptographic hash rather than a
// general-purpose 32-bit one.
func CacheKey(req Request) string {
	names := make([]string, len(req.PointNames))
	copy(names, req.PointNames)
	sort.Strings(names)

	aggStr := "none"
	if req.Aggregation != nil {
		aggStr = strconv.FormatInt(req.Aggregation.WindowMS, 10) + ":" + req.Aggregation.Fn
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|%d|%s", req.Site, strings.Join(names, ","), req.StartMS, req.EndMS, aggStr)
	return hex.EncodeToString(h.Sum(nil))
}

// cacheTTL implements the age-of-E schedule: fresher ranges get a shorter
// TTL since they're more likely to still be accumulating hot writes.
func cacheTTL(endMS int64, now time.Time) time.Duration {
	age := now.Sub(time.UnixMilli(endMS))
	switch {
	case age < 24*time.Hour:
		return 5 * time.Minute
	case age < 7*24*time.Hour:
		return 30 * time.Minute
	case age < 30*24*time.Hour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

func (w *Worker) tryCache(ctx context.Context, key string, log interface{}) (models.QueryResponse, bool) {
	raw, ok, err := w.state.CacheGet(ctx, key)
	if err != nil {
		// Cache unavailable is non-fatal: proceed as if it were a miss.
		return models.QueryResponse{}, false
	}
	if !ok {
		return models.QueryResponse{}, false
	}
	var resp models.QueryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return models.QueryResponse{}, false
	}
	return resp, true
}

func (w *Worker) trySetCache(ctx context.Context, key string, resp models.QueryResponse, endMS int64, log interface{}) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	ttl := cacheTTL(endMS, time.Now().UTC())
	_ = w.state.CacheSet(ctx, key, data, ttl)
}
