package diff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"datadiff/internal/dataset"
	"datadiff/internal/faults"
	"datadiff/internal/fileregistry"
	"datadiff/internal/metrics"
	"datadiff/internal/parser"
	"datadiff/internal/parser/tabular"
	"datadiff/internal/progress"
	"datadiff/internal/schema"
	"datadiff/internal/storage"
)

// Logger is the minimal logging interface used by the diff engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// typeSampleRows caps how many parsed rows feed type inference. Uploads
// are often hundreds of thousands of rows; the first few hundred settle
// every practical column type.
const typeSampleRows = 200

const reportContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// UploadMeta describes the incoming file. FileID optionally names an
// already-registered upload record whose status the engine advances
// through importing/imported/error.
type UploadMeta struct {
	Filename    string
	ContentType string
	FileID      string
}

// Result summarizes one diff-upload.
//
// DeletedCount is always 0 in the default path: rows missing from an
// upload are reported, never removed. DegradedKey is true when the
// dataset has no configured identity and the first column stood in.
type Result struct {
	DatasetKey     string   `json:"datasetKey"`
	DisplayName    string   `json:"displayName"`
	TargetTable    string   `json:"targetTable"`
	TotalRows      int64    `json:"totalRows"`
	AddedCount     int64    `json:"addedCount"`
	UpdatedCount   int64    `json:"updatedCount"`
	DeletedCount   int64    `json:"deletedCount"`
	UniqueColumns  []string `json:"uniqueColumns"`
	DegradedKey    bool     `json:"degradedKey"`
	ReportFileID   string   `json:"reportFileId"`
	ReportFilename string   `json:"reportFilename"`
}

// Engine orchestrates one upload end to end: parse, resolve schema,
// classify against current table contents, write in batches, export the
// audit workbook.
//
// Concurrent uploads to different dataset keys proceed independently.
// Uploads to the same key serialize on a per-key mutex in this process
// and on the backend dataset lock across processes; the second upload
// waits rather than failing.
type Engine struct {
	Repo     storage.Repository
	Schema   *schema.Registry
	Files    *fileregistry.Registry
	Progress *progress.Tracker
	Metrics  metrics.Backend
	Logger   Logger

	// BatchSize is clamped by the bulk writer. Zero means the default.
	BatchSize int

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

// rowPlan is the pending decision for one key tuple. Later rows with the
// same key overwrite earlier ones, so the plan is mutable until writing.
type rowPlan struct {
	add    bool
	row    []any
	before []any // existing table row, nil when add
}

// DiffUpload runs the full reconciliation for one uploaded file.
//
// Progress for ds.Key moves receiving -> parsing -> diffing -> writing ->
// done; any failure parks it in the error stage with whatever row counts
// were reached. When writes fail mid-way the returned error carries the
// committed row count; rows written before the failure stay written.
func (e *Engine) DiffUpload(ctx context.Context, ds *dataset.Dataset, src io.Reader, meta UploadMeta) (*Result, error) {
	lock := e.keyLock(ds.Key)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	logf := e.logf()
	prog := e.tracker()
	prog.Start(ds.Key)

	res, err := e.run(ctx, ds, src, meta, prog, logf)
	if err != nil {
		prog.SetError(ds.Key, err)
		if meta.FileID != "" {
			committed, _ := faults.CommittedRows(err)
			if merr := e.Files.MarkError(ctx, meta.FileID, committed); merr != nil {
				logf("dataset=%s file=%s mark error failed: %v", ds.Key, meta.FileID, merr)
			}
		}
		e.metrics().IncCounter("datadiff_uploads_failed_total", 1, metrics.Labels{"dataset": ds.Key})
		return nil, err
	}

	prog.Done(ds.Key)
	m := e.metrics()
	labels := metrics.Labels{"dataset": ds.Key}
	m.IncCounter("datadiff_upload_rows_total", float64(res.TotalRows), labels)
	m.IncCounter("datadiff_rows_added_total", float64(res.AddedCount), labels)
	m.IncCounter("datadiff_rows_updated_total", float64(res.UpdatedCount), labels)
	m.ObserveHistogram("datadiff_upload_duration_seconds", time.Since(start).Seconds(), labels)
	logf("dataset=%s table=%s rows=%d added=%d updated=%d duration=%s",
		ds.Key, res.TargetTable, res.TotalRows, res.AddedCount, res.UpdatedCount,
		time.Since(start).Truncate(time.Millisecond))
	return res, nil
}

func (e *Engine) run(ctx context.Context, ds *dataset.Dataset, src io.Reader, meta UploadMeta, prog *progress.Tracker, logf func(string, ...any)) (*Result, error) {
	if err := e.Repo.AcquireDatasetLock(ctx, ds.Key); err != nil {
		return nil, fmt.Errorf("acquire dataset lock %s: %w", ds.Key, err)
	}
	defer func() {
		if err := e.Repo.ReleaseDatasetLock(context.WithoutCancel(ctx), ds.Key); err != nil {
			logf("dataset=%s release lock failed: %v", ds.Key, err)
		}
	}()

	prog.Update(ds.Key, progress.StageReceiving, 5, 0, 0)

	// Parse. Rows are buffered: classification needs the full upload
	// before any write so duplicate keys within the file collapse to the
	// last occurrence.
	stream, err := tabular.Open(ctx, src, parser.Options{
		ContentType: meta.ContentType,
		Filename:    meta.Filename,
		HeaderRow:   ds.HeaderRow,
	})
	if err != nil {
		return nil, err
	}
	prog.Update(ds.Key, progress.StageParsing, 10, 0, 0)

	var (
		rows  [][]any
		lines []int
	)
	for r := range stream.C {
		row := make([]any, len(r.V))
		copy(row, r.V)
		rows = append(rows, row)
		lines = append(lines, r.Line)
		r.Free()
		if len(rows)%5000 == 0 {
			prog.Update(ds.Key, progress.StageParsing, 10, int64(len(rows)), 0)
		}
	}
	if err := stream.Wait(); err != nil {
		return nil, err
	}
	columns := stream.Columns
	rawHeader := stream.Raw
	prog.Update(ds.Key, progress.StageParsing, 30, int64(len(rows)), int64(len(rows)))

	// Correction datasets harmonize rows before anything else sees them;
	// rejected rows leave the pipeline here and only appear in the report.
	var corr correctionOutcome
	if ds.Correction {
		corr = applyCorrection(columns, rows, lines, kehuFuwuRules)
		rows = corr.Rows
		if n := len(corr.Errors); n > 0 {
			logf("dataset=%s correction rejected %d rows", ds.Key, n)
		}
	}
	total := int64(len(rows))

	sample := rows
	if len(sample) > typeSampleRows {
		sample = sample[:typeSampleRows]
	}
	resolution, err := e.Schema.Resolve(ctx, ds.Key, ds.Table, schema.InferTypes(columns, sample))
	if err != nil {
		return nil, err
	}
	prog.Update(ds.Key, progress.StageDiffing, 40, 0, total)

	keyCols, keyIdx, degraded, err := resolveKeys(ds, columns)
	if err != nil {
		return nil, err
	}
	if degraded {
		logf("dataset=%s no unique columns configured, keying on %q", ds.Key, keyCols[0])
	}

	existing, err := e.loadExisting(ctx, resolution, columns, keyIdx)
	if err != nil {
		return nil, err
	}
	prog.Update(ds.Key, progress.StageDiffing, 50, 0, total)

	added, updated := classify(columns, keyIdx, rows, existing)
	prog.Update(ds.Key, progress.StageDiffing, 60, total, total)

	if meta.FileID != "" {
		if err := e.Files.MarkImporting(ctx, meta.FileID, ds.Table); err != nil {
			return nil, fmt.Errorf("mark importing: %w", err)
		}
	}

	written, err := e.write(ctx, ds, columns, keyCols, added, updated, total, prog)
	if err != nil {
		return nil, err
	}

	report, err := e.exportReport(ctx, ds, reportInput{
		RawHeader:        rawHeader,
		Columns:          columns,
		Added:            added,
		Updated:          updated,
		Correction:       ds.Correction,
		CorrectionErrors: corr.Errors,
		CorrectionBefore: corr.Before,
		CorrectionAfter:  corr.After,
		CorrectionEdits:  corr.Edits,
	})
	if err != nil {
		return nil, err
	}

	if meta.FileID != "" {
		if err := e.Files.MarkImported(ctx, meta.FileID, ds.Table, written); err != nil {
			return nil, fmt.Errorf("mark imported: %w", err)
		}
	}

	return &Result{
		DatasetKey:     ds.Key,
		DisplayName:    ds.DisplayName,
		TargetTable:    ds.Table,
		TotalRows:      total,
		AddedCount:     int64(len(added)),
		UpdatedCount:   int64(len(updated)),
		DeletedCount:   0,
		UniqueColumns:  keyCols,
		DegradedKey:    degraded,
		ReportFileID:   report.ID,
		ReportFilename: report.Filename,
	}, nil
}

// resolveKeys maps the dataset's configured identity onto the upload's
// columns. No configured identity falls back to the first column and
// flags the result degraded; a configured column missing from the upload
// is a configuration fault, not something to guess around.
func resolveKeys(ds *dataset.Dataset, columns []string) (keyCols []string, keyIdx []int, degraded bool, err error) {
	if len(ds.UniqueColumns) == 0 {
		if len(columns) == 0 {
			return nil, nil, false, &faults.DiffConfigError{Dataset: ds.Key}
		}
		return []string{columns[0]}, []int{0}, true, nil
	}
	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		idx[c] = i
	}
	keyIdx = make([]int, 0, len(ds.UniqueColumns))
	for _, c := range ds.UniqueColumns {
		i, ok := idx[c]
		if !ok {
			return nil, nil, false, &faults.DiffConfigError{Dataset: ds.Key, Column: c}
		}
		keyIdx = append(keyIdx, i)
	}
	return ds.UniqueColumns, keyIdx, false, nil
}

// loadExisting streams the current table projected onto the upload's
// columns and indexes each row by its normalized key tuple. A table
// created by this very upload has nothing to load.
func (e *Engine) loadExisting(ctx context.Context, res *schema.Resolution, columns []string, keyIdx []int) (map[string][]any, error) {
	existing := make(map[string][]any)
	if res.IsNew {
		return existing, nil
	}
	err := e.Repo.StreamRows(ctx, res.Table, columns, func(row []any) error {
		kept := make([]any, len(row))
		copy(kept, row)
		existing[keyOf(kept, keyIdx)] = kept
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load existing rows: %w", err)
	}
	return existing, nil
}

// classify splits the upload into added and updated rows, dropping
// unchanged ones. Duplicate keys within the upload collapse to the last
// occurrence, re-evaluated against the same stored row.
func classify(columns []string, keyIdx []int, rows [][]any, existing map[string][]any) ([][]any, []UpdatedRow) {
	isKey := make([]bool, len(columns))
	for _, i := range keyIdx {
		isKey[i] = true
	}

	plans := make(map[string]*rowPlan)
	order := make([]string, 0, len(rows))
	for _, row := range rows {
		key := keyOf(row, keyIdx)
		p, dup := plans[key]
		if !dup {
			p = &rowPlan{}
			if before, ok := existing[key]; ok {
				p.before = before
			} else {
				p.add = true
			}
			plans[key] = p
			order = append(order, key)
		}
		p.row = row
	}

	var added [][]any
	var updated []UpdatedRow
	for _, key := range order {
		p := plans[key]
		if p.add {
			added = append(added, p.row)
			continue
		}
		changes := cellChanges(columns, isKey, p.before, p.row)
		if len(changes) == 0 {
			continue
		}
		updated = append(updated, UpdatedRow{
			Key:     key,
			Before:  p.before,
			After:   p.row,
			Changes: changes,
		})
	}
	return added, updated
}

// cellChanges lists the non-key cells that differ between the stored and
// the incoming row. Key cells match by construction; their raw spelling
// may still differ and is deliberately not reported as a change.
func cellChanges(columns []string, isKey []bool, before, after []any) []CellChange {
	var changes []CellChange
	for i, col := range columns {
		if isKey[i] {
			continue
		}
		var b, a any
		if i < len(before) {
			b = before[i]
		}
		if i < len(after) {
			a = after[i]
		}
		if !storage.EqualCell(b, a) {
			changes = append(changes, CellChange{Column: col, Before: b, After: a})
		}
	}
	return changes
}

func keyOf(row []any, keyIdx []int) string {
	vals := make([]any, len(keyIdx))
	for n, i := range keyIdx {
		if i < len(row) {
			vals[n] = row[i]
		}
	}
	return storage.KeyTuple(vals)
}

// write applies inserts then updates in batches, advancing the writing
// stage after every committed batch. The returned count is rows durably
// written; on failure it is embedded in the WriteError as well.
func (e *Engine) write(ctx context.Context, ds *dataset.Dataset, columns, keyCols []string, added [][]any, updated []UpdatedRow, total int64, prog *progress.Tracker) (int64, error) {
	toWrite := int64(len(added) + len(updated))
	prog.Update(ds.Key, progress.StageWriting, 60, 0, total)

	var written int64
	w := &storage.BulkWriter{
		Repo:      e.Repo,
		Table:     ds.Table,
		BatchSize: e.BatchSize,
		OnBatch: func(n int64) {
			written += n
			pct := 60
			if toWrite > 0 {
				pct = 60 + int(35*written/toWrite)
			}
			prog.Update(ds.Key, progress.StageWriting, pct, written, total)
		},
	}

	ins, err := w.InsertAll(ctx, columns, added)
	if err != nil {
		return ins, err
	}

	updateRows := make([][]any, len(updated))
	for i, u := range updated {
		updateRows[i] = u.After
	}
	upd, err := w.UpdateAll(ctx, columns, keyCols, updateRows)
	if err != nil {
		// Inserts committed earlier are part of the partial progress.
		var we *faults.WriteError
		if errors.As(err, &we) {
			we.Committed += ins
		}
		return ins + upd, err
	}

	prog.Update(ds.Key, progress.StageWriting, 95, written, total)
	return ins + upd, nil
}

type savedReport struct {
	ID       string
	Filename string
}

// exportReport renders the audit workbook and registers it so the caller
// can download it by id.
func (e *Engine) exportReport(ctx context.Context, ds *dataset.Dataset, in reportInput) (savedReport, error) {
	f, err := buildReport(in)
	if err != nil {
		return savedReport{}, fmt.Errorf("build report: %w", err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return savedReport{}, fmt.Errorf("encode report: %w", err)
	}
	name := reportFilename(ds.Key, time.Now().Unix())
	rec, err := e.Files.Save(ctx, name, reportContentType, buf)
	if err != nil {
		return savedReport{}, fmt.Errorf("register report: %w", err)
	}
	return savedReport{ID: rec.ID, Filename: name}, nil
}

func (e *Engine) keyLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.keyLocks == nil {
		e.keyLocks = make(map[string]*sync.Mutex)
	}
	l, ok := e.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		e.keyLocks[key] = l
	}
	return l
}

func (e *Engine) logf() func(format string, v ...any) {
	if e.Logger == nil {
		l := log.New(io.Discard, "", 0)
		return l.Printf
	}
	return e.Logger.Printf
}

func (e *Engine) tracker() *progress.Tracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Progress == nil {
		e.Progress = progress.NewTracker()
	}
	return e.Progress
}

func (e *Engine) metrics() metrics.Backend {
	if e.Metrics == nil {
		return metrics.Nop{}
	}
	return e.Metrics
}
