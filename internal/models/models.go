// Package models holds the plain data types shared by every store and
// worker: points, samples, and the small bookkeeping records (archive
// state, backfill jobs, query cache entries) that live in the state store.
package models

import "time"

// Point identifies one physical or logical sensor at one site. Uniqueness
// is on (SiteName, Name); ID is a surrogate assigned on first sight and
// never reassigned (invariant I5).
type Point struct {
	ID          int64     `json:"id"`
	SiteName    string    `json:"site_name"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	DataType    string    `json:"data_type"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefaultDataType is assigned to a Point when the upstream API does not
// report one.
const DefaultDataType = "analog"

// Sample is a single scalar reading. TimestampMS is milliseconds since the
// Unix epoch, UTC. NaN/missing values never reach this type: they are
// dropped at ingest (sync and backfill both filter before constructing a
// Sample).
type Sample struct {
	PointID     int64   `json:"point_id"`
	PointName   string  `json:"point_name"`
	TimestampMS int64   `json:"timestamp_ms"`
	Value       float64 `json:"value"`
}

// BackfillStatus is the lifecycle state of a BackfillJob.
type BackfillStatus string

const (
	BackfillQueued     BackfillStatus = "queued"
	BackfillInProgress BackfillStatus = "in_progress"
	BackfillCompleted  BackfillStatus = "completed"
	BackfillFailed     BackfillStatus = "failed"
	BackfillCancelled  BackfillStatus = "cancelled"
)

// BackfillJob is one manual historical-import request, persisted in the
// state store so a crashed or cancelled job can resume.
type BackfillJob struct {
	JobID            string         `json:"job_id"`
	Site             string         `json:"site"`
	StartDate        string         `json:"start_date"` // YYYY-MM-DD
	EndDate          string         `json:"end_date"`   // YYYY-MM-DD
	Status           BackfillStatus `json:"status"`
	CompletedDays    []string       `json:"completed_days"`
	SamplesWritten   int64          `json:"samples_written"`
	ContinueOnError  bool           `json:"continue_on_error"`
	LastError        string         `json:"last_error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	Version          int64          `json:"version"` // for compare-and-swap
}

// ArchiveState tracks archival progress for one (site, day) partition.
type ArchiveState struct {
	Site      string    `json:"site"`
	Day       string    `json:"day"` // YYYY-MM-DD
	Archived  bool      `json:"archived"`
	RowCount  int64     `json:"row_count"`
	FilePath  string    `json:"file_path"`
	RunID     string    `json:"run_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunSummary is a record of one worker invocation, kept in the state store
// for the admin/diagnostic surface.
type RunSummary struct {
	RunID     string    `json:"run_id"`
	Worker    string    `json:"worker"`
	Site      string    `json:"site"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	RowsWritten int64   `json:"rows_written"`
	Outcome   string    `json:"outcome"` // "success" | "failed" | "noop"
	Detail    string    `json:"detail,omitempty"`
}

// SeriesPoint is one sample in a query response. It encodes as a JSON
// object {"ts": ..., "value": ...}, not as a two-element array.
type SeriesPoint struct {
	TimestampMS int64   `json:"ts"`
	Value       float64 `json:"value"`
}

// Series is one requested point name's result.
type Series struct {
	Name string        `json:"name"`
	Data []SeriesPoint `json:"data"`
}

// RangeMeta describes how much of a tier's data contributed to a query.
type RangeMeta struct {
	Start       int64 `json:"start"`
	End         int64 `json:"end"`
	SampleCount int64 `json:"sample_count,omitempty"`
	FileCount   int   `json:"file_count,omitempty"`
}

// QueryMetadata is the metadata block returned alongside a query's series.
type QueryMetadata struct {
	Sources     []string   `json:"sources"`
	HotRange    *RangeMeta `json:"hot_range,omitempty"`
	ColdRange   *RangeMeta `json:"cold_range,omitempty"`
	QueryTimeMS int64      `json:"query_time_ms"`
	CacheHit    bool       `json:"cache_hit"`
}

// QueryResponse is the full /timeseries/query response body.
type QueryResponse struct {
	Series   []Series      `json:"series"`
	Metadata QueryMetadata `json:"metadata"`
}
