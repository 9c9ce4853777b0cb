// Package codec is the columnar encode/decode layer for cold-tier
// partitions: Parquet rows of {timestamp_ms: int64, point_name: utf8,
// value: float64}, Snappy-compressed, ordered by (timestamp_ms,
// point_name). The encoder is a batching writer — callers hand it
// samples in batches through WriteBatch. It does not read from the hot
// store itself: its callers (the archival worker, EncodeAll) already hold
// the partition's whole day of samples in one slice and split that slice
// into batches.
package codec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"sensorlake/internal/models"
)

// Schema is the Arrow schema every cold-tier file uses.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "timestamp_ms", Type: arrow.PrimitiveTypes.Int64},
	{Name: "point_name", Type: arrow.BinaryTypes.String},
	{Name: "value", Type: arrow.PrimitiveTypes.Float64},
}, nil)

const batchSize = 8192

// Writer streams samples into a Parquet file written to w. Every
// WriteBatch call appends to the same buffered row group, which Close
// flushes, so rows must arrive in (timestamp_ms, point_name) order across
// all WriteBatch calls, not only within each batch: sort the whole
// partition with SortSamples before splitting it into batches.
type Writer struct {
	w       *pqarrow.FileWriter
	alloc   memory.Allocator
	tsB     *array.Int64Builder
	nameB   *array.StringBuilder
	valB    *array.Float64Builder
	rows    int64
}

// NewWriter opens a streaming Parquet writer over w, compressed with Snappy
// per the cold-store open question decision.
func NewWriter(w io.Writer) (*Writer, error) {
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithBatchSize(batchSize),
	)
	arrowProps := pqarrow.DefaultWriterProps()

	fw, err := pqarrow.NewFileWriter(Schema, w, props, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("open parquet writer: %w", err)
	}

	alloc := memory.NewGoAllocator()
	return &Writer{
		w:     fw,
		alloc: alloc,
		tsB:   array.NewInt64Builder(alloc),
		nameB: array.NewStringBuilder(alloc),
		valB:  array.NewFloat64Builder(alloc),
	}, nil
}

// SortSamples orders samples by (timestamp_ms, point_name) in place — call
// it on the whole partition before the WriteBatch calls so the file
// preserves the required ordering.
func SortSamples(samples []models.Sample) {
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].TimestampMS != samples[j].TimestampMS {
			return samples[i].TimestampMS < samples[j].TimestampMS
		}
		return samples[i].PointName < samples[j].PointName
	})
}

// WriteBatch appends one already-sorted batch as a buffered row group
// fragment. Call Close once all batches for the partition have been
// written.
func (w *Writer) WriteBatch(samples []models.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	for _, s := range samples {
		w.tsB.Append(s.TimestampMS)
		w.nameB.Append(s.PointName)
		w.valB.Append(s.Value)
	}

	tsArr := w.tsB.NewInt64Array()
	nameArr := w.nameB.NewStringArray()
	valArr := w.valB.NewFloat64Array()
	defer tsArr.Release()
	defer nameArr.Release()
	defer valArr.Release()

	record := array.NewRecord(Schema, []arrow.Array{tsArr, nameArr, valArr}, int64(len(samples)))
	defer record.Release()

	if err := w.w.WriteBuffered(record); err != nil {
		return fmt.Errorf("write record batch: %w", err)
	}
	w.rows += int64(len(samples))
	return nil
}

// Rows returns the number of rows written so far.
func (w *Writer) Rows() int64 { return w.rows }

// Close flushes the buffered row group and finalizes the file footer.
func (w *Writer) Close() error {
	if err := w.w.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

// EncodeAll is a convenience wrapper for callers (tests, the backfill
// worker's small per-day batches) that already have every sample for a
// partition in memory; it still drives the batching writer underneath
// rather than a one-shot buffer-everything encoder.
func EncodeAll(samples []models.Sample) ([]byte, error) {
	sorted := make([]models.Sample, len(samples))
	copy(sorted, samples)
	SortSamples(sorted)

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	for start := 0; start < len(sorted); start += batchSize {
		end := start + batchSize
		if end > len(sorted) {
			end = len(sorted)
		}
		if err := w.WriteBatch(sorted[start:end]); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeStream reads a Parquet partition and invokes fn once per decoded
// record batch, so decoded samples are handed over a batch at a time;
// what fn keeps is up to the caller (the query worker keeps every row
// that matches its points and time range). Parquet's footer-at-end
// layout requires random access to open, so the reader takes a
// *bytes.Reader over a downloaded object rather than the raw streaming
// download body: the encoded partition is held in memory in full.
func DecodeStream(ctx context.Context, r *bytes.Reader, fn func([]models.Sample) error) error {
	pf, err := file.NewParquetReader(r)
	if err != nil {
		return fmt.Errorf("open parquet reader: %w", err)
	}
	defer pf.Close()

	arrowRdr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: batchSize}, memory.NewGoAllocator())
	if err != nil {
		return fmt.Errorf("open arrow reader: %w", err)
	}

	rr, err := arrowRdr.GetRecordReader(ctx, nil, nil)
	if err != nil {
		return fmt.Errorf("open record reader: %w", err)
	}
	defer rr.Release()

	for rr.Next() {
		rec := rr.Record()
		samples, err := recordToSamples(rec)
		if err != nil {
			return err
		}
		if err := fn(samples); err != nil {
			return err
		}
	}
	return rr.Err()
}

// DecodeAll reads every sample out of a partition, for callers (the codec
// tests) that want the whole day at once.
func DecodeAll(ctx context.Context, data []byte) ([]models.Sample, error) {
	var out []models.Sample
	r := bytes.NewReader(data)
	err := DecodeStream(ctx, r, func(batch []models.Sample) error {
		out = append(out, batch...)
		return nil
	})
	return out, err
}

func recordToSamples(rec arrow.Record) ([]models.Sample, error) {
	tsCol, ok := rec.Column(0).(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("unexpected column 0 type %T", rec.Column(0))
	}
	nameCol, ok := rec.Column(1).(*array.String)
	if !ok {
		return nil, fmt.Errorf("unexpected column 1 type %T", rec.Column(1))
	}
	valCol, ok := rec.Column(2).(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("unexpected column 2 type %T", rec.Column(2))
	}

	n := int(rec.NumRows())
	out := make([]models.Sample, n)
	for i := 0; i < n; i++ {
		out[i] = models.Sample{
			PointName:   nameCol.Value(i),
			TimestampMS: tsCol.Value(i),
			Value:       valCol.Value(i),
		}
	}
	return out, nil
}
