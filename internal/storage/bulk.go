package storage

import (
	"context"

	"datadiff/internal/faults"
)

// Batch size bounds. Dataset uploads run to a few hundred thousand rows;
// batches below 500 waste round trips and batches above 2000 add no
// throughput.
const (
	DefaultBatchSize = 1000
	MinBatchSize     = 500
	MaxBatchSize     = 2000
)

// maxBindParams bounds batch * columns per statement. Postgres rejects
// statements past 65535 bind parameters; a margin keeps any driver-added
// parameters from tipping a full batch over.
const maxBindParams = 65000

// ClampBatchSize applies the default and bounds. Zero or negative means
// DefaultBatchSize.
func ClampBatchSize(n int) int {
	switch {
	case n <= 0:
		return DefaultBatchSize
	case n < MinBatchSize:
		return MinBatchSize
	case n > MaxBatchSize:
		return MaxBatchSize
	default:
		return n
	}
}

// BulkWriter applies inserts and updates to one table in bounded batches.
//
// Failure semantics: a failed batch stops the remaining batches and the
// error is a WriteError carrying how many rows committed before the
// failure. Earlier batches stay committed; the caller reports partial
// progress rather than pretending atomicity the backends don't offer.
type BulkWriter struct {
	Repo      Repository
	Table     string
	BatchSize int

	// OnBatch, when set, is called after each committed batch with the
	// cumulative number of rows written in this call. Used for progress.
	OnBatch func(written int64)
}

// batchFor caps the configured batch size so a batch of rows with ncols
// cells each stays under maxBindParams. Wide tables get smaller batches
// instead of a statement the backend rejects.
func (w *BulkWriter) batchFor(ncols int) int {
	size := ClampBatchSize(w.BatchSize)
	if ncols > 0 {
		if lim := maxBindParams / ncols; lim < size {
			size = lim
		}
		if size < 1 {
			size = 1
		}
	}
	return size
}

// InsertAll writes rows aligned with columns, batched.
func (w *BulkWriter) InsertAll(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	return w.apply(ctx, rows, len(columns), func(chunk [][]any) (int64, error) {
		return w.Repo.InsertRows(ctx, w.Table, columns, chunk)
	})
}

// UpdateAll updates rows by keyColumns, batched.
func (w *BulkWriter) UpdateAll(ctx context.Context, columns, keyColumns []string, rows [][]any) (int64, error) {
	return w.apply(ctx, rows, len(columns)+len(keyColumns), func(chunk [][]any) (int64, error) {
		return w.Repo.UpdateRowsByKeys(ctx, w.Table, columns, keyColumns, chunk)
	})
}

// DeleteAll removes rows by key tuple, batched. Callers gate this on the
// dataset's deletion policy; nothing in the writer applies deletes
// implicitly.
func (w *BulkWriter) DeleteAll(ctx context.Context, keyColumns []string, keys [][]any) (int64, error) {
	return w.apply(ctx, keys, len(keyColumns), func(chunk [][]any) (int64, error) {
		return w.Repo.DeleteRowsByKeys(ctx, w.Table, keyColumns, chunk)
	})
}

func (w *BulkWriter) apply(ctx context.Context, rows [][]any, ncols int, do func(chunk [][]any) (int64, error)) (int64, error) {
	var written int64
	size := w.batchFor(ncols)

	for start := 0; start < len(rows); start += size {
		// Cancellation is honored between batches, never inside one.
		if err := ctx.Err(); err != nil {
			return written, &faults.WriteError{Table: w.Table, Committed: written, Err: err}
		}

		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		n, err := do(rows[start:end])
		written += n
		if err != nil {
			return written, &faults.WriteError{Table: w.Table, Committed: written, Err: err}
		}
		if w.OnBatch != nil {
			w.OnBatch(written)
		}
	}
	return written, nil
}
