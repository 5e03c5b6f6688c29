// Package sqlite implements storage.Repository on modernc.org/sqlite.
//
// Key design points vs Postgres:
//   - SQLite has no timestamptz; timestamps are stored as RFC3339Nano
//     TEXT for reliable round-trip behavior and easy debugging.
//   - There is no cross-process advisory lock; dataset locks are
//     in-process mutexes, which matches how the embedded backend is
//     deployed (one process owning the database file).
//   - ALTER TABLE has no IF NOT EXISTS for columns; AddColumns consults
//     the live column list first.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"datadiff/internal/faults"
	"datadiff/internal/storage"
)

const rowIDColumn = "_row_id"

type Repo struct {
	db *sql.DB

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	// Concurrent writers on one file serialize badly without this.
	db.SetMaxOpenConns(1)
	return &Repo{db: db, locks: map[string]*sync.Mutex{}}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func ident(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnType(t string) string {
	switch t {
	case "bigint":
		return "INTEGER"
	case "double precision":
		return "REAL"
	case "boolean":
		return "INTEGER"
	default:
		// text and timestamp both round-trip as TEXT.
		return "TEXT"
	}
}

func (r *Repo) EnsureMetadata(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS dataset_signatures (
	dataset_key TEXT PRIMARY KEY,
	signature   TEXT NOT NULL,
	table_name  TEXT NOT NULL,
	columns     TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS file_uploads (
	id            TEXT PRIMARY KEY,
	filename      TEXT NOT NULL,
	path          TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL DEFAULT 0,
	content_type  TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'uploaded',
	dataset_table TEXT NOT NULL DEFAULT '',
	rows_imported INTEGER NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure metadata tables: %w", err)
	}
	return nil
}

func (r *Repo) EnsureTable(ctx context.Context, spec storage.TableSpec) error {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(ident(spec.Name))
	b.WriteString(" (")
	b.WriteString(ident(rowIDColumn))
	b.WriteString(" INTEGER PRIMARY KEY AUTOINCREMENT")
	for _, c := range spec.Columns {
		b.WriteString(", ")
		b.WriteString(ident(c.Name))
		b.WriteString(" ")
		b.WriteString(columnType(c.Type))
	}
	b.WriteString(");")

	if _, err := r.db.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

func (r *Repo) TableColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?) ORDER BY cid;`, table)
	if err != nil {
		return nil, fmt.Errorf("table columns %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		if c == rowIDColumn {
			continue
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (r *Repo) AddColumns(ctx context.Context, table string, cols []storage.ColumnSpec) error {
	existing, err := r.TableColumns(ctx, table)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c] = true
	}
	for _, c := range cols {
		if have[c.Name] {
			continue
		}
		ddl := "ALTER TABLE " + ident(table) + " ADD COLUMN " + ident(c.Name) + " " + columnType(c.Type) + ";"
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
		}
	}
	return nil
}

func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(ident(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, row[j])
		}
		b.WriteString(")")
	}
	b.WriteString(";")

	res, err := r.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repo) UpdateRowsByKeys(ctx context.Context, table string, columns, keyColumns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	isKey := make(map[string]bool, len(keyColumns))
	for _, k := range keyColumns {
		isKey[k] = true
	}

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(ident(table))
	b.WriteString(" SET ")
	var setIdx []int
	first := true
	for i, c := range columns {
		if isKey[c] {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		b.WriteString(ident(c))
		b.WriteString(" = ?")
		setIdx = append(setIdx, i)
	}
	b.WriteString(" WHERE ")
	var keyIdx []int
	for n, k := range keyColumns {
		if n > 0 {
			b.WriteString(" AND ")
		}
		// IS is SQLite's null-safe equality.
		b.WriteString(ident(k))
		b.WriteString(" IS ?")
		keyIdx = append(keyIdx, indexOf(columns, k))
	}
	b.WriteString(";")

	stmt, err := tx.PrepareContext(ctx, b.String())
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var total int64
	for _, row := range rows {
		args := make([]any, 0, len(columns))
		for _, i := range setIdx {
			args = append(args, row[i])
		}
		for _, i := range keyIdx {
			args = append(args, row[i])
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (r *Repo) DeleteRowsByKeys(ctx context.Context, table string, keyColumns []string, keys [][]any) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(ident(table))
	b.WriteString(" WHERE ")
	args := make([]any, 0, len(keys)*len(keyColumns))
	for i, key := range keys {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(")
		for j, k := range keyColumns {
			if j > 0 {
				b.WriteString(" AND ")
			}
			b.WriteString(ident(k))
			b.WriteString(" IS ?")
			args = append(args, key[j])
		}
		b.WriteString(")")
	}
	b.WriteString(";")

	res, err := r.db.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *Repo) StreamRows(ctx context.Context, table string, columns []string, fn func(row []any) error) error {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ident(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(ident(table))
	b.WriteString(";")

	rows, err := r.db.QueryContext(ctx, b.String())
	if err != nil {
		return fmt.Errorf("stream %s: %w", table, err)
	}
	defer rows.Close()

	vals := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *Repo) GetSignature(ctx context.Context, datasetKey string) (*storage.SignatureRecord, error) {
	const q = `SELECT signature, table_name, columns, updated_at FROM dataset_signatures WHERE dataset_key = ?;`

	rec := storage.SignatureRecord{DatasetKey: datasetKey}
	var colsJSON, updatedAt string
	err := r.db.QueryRowContext(ctx, q, datasetKey).
		Scan(&rec.Signature, &rec.Table, &colsJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Kind: "signature", ID: datasetKey}
	}
	if err != nil {
		return nil, fmt.Errorf("get signature %s: %w", datasetKey, err)
	}
	if err := json.Unmarshal([]byte(colsJSON), &rec.Columns); err != nil {
		return nil, fmt.Errorf("decode signature columns %s: %w", datasetKey, err)
	}
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func (r *Repo) UpsertSignature(ctx context.Context, rec storage.SignatureRecord) error {
	colsJSON, err := json.Marshal(rec.Columns)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO dataset_signatures (dataset_key, signature, table_name, columns, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (dataset_key) DO UPDATE
SET signature = excluded.signature,
    table_name = excluded.table_name,
    columns = excluded.columns,
    updated_at = excluded.updated_at;`
	if _, err := r.db.ExecContext(ctx, q,
		rec.DatasetKey, rec.Signature, rec.Table, string(colsJSON), formatTime(time.Now())); err != nil {
		return fmt.Errorf("upsert signature %s: %w", rec.DatasetKey, err)
	}
	return nil
}

func (r *Repo) CreateFileRecord(ctx context.Context, rec storage.FileRecord) error {
	now := formatTime(time.Now())
	const q = `
INSERT INTO file_uploads (id, filename, path, size_bytes, content_type, status, dataset_table, rows_imported, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID, rec.Filename, rec.Path, rec.SizeBytes, rec.ContentType,
		rec.Status, rec.DatasetTable, rec.RowsImported, now, now)
	if err != nil {
		return fmt.Errorf("create file record %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Repo) GetFileRecord(ctx context.Context, id string) (*storage.FileRecord, error) {
	const q = `
SELECT id, filename, path, size_bytes, content_type, status, dataset_table, rows_imported, created_at, updated_at
FROM file_uploads WHERE id = ?;`
	var rec storage.FileRecord
	var created, updated string
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&rec.ID, &rec.Filename, &rec.Path, &rec.SizeBytes, &rec.ContentType,
		&rec.Status, &rec.DatasetTable, &rec.RowsImported, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Kind: "file", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get file record %s: %w", id, err)
	}
	rec.CreatedAt = parseTime(created)
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

func (r *Repo) ListFileRecords(ctx context.Context, limit int) ([]storage.FileRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT id, filename, path, size_bytes, content_type, status, dataset_table, rows_imported, created_at, updated_at
FROM file_uploads ORDER BY created_at DESC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}
	defer rows.Close()

	var out []storage.FileRecord
	for rows.Next() {
		var rec storage.FileRecord
		var created, updated string
		if err := rows.Scan(
			&rec.ID, &rec.Filename, &rec.Path, &rec.SizeBytes, &rec.ContentType,
			&rec.Status, &rec.DatasetTable, &rec.RowsImported, &created, &updated); err != nil {
			return nil, err
		}
		rec.CreatedAt = parseTime(created)
		rec.UpdatedAt = parseTime(updated)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repo) UpdateFileRecord(ctx context.Context, rec storage.FileRecord) error {
	const q = `
UPDATE file_uploads
SET filename = ?, path = ?, size_bytes = ?, content_type = ?,
    status = ?, dataset_table = ?, rows_imported = ?, updated_at = ?
WHERE id = ?;`
	res, err := r.db.ExecContext(ctx, q,
		rec.Filename, rec.Path, rec.SizeBytes, rec.ContentType,
		rec.Status, rec.DatasetTable, rec.RowsImported, formatTime(time.Now()), rec.ID)
	if err != nil {
		return fmt.Errorf("update file record %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &faults.NotFound{Kind: "file", ID: rec.ID}
	}
	return nil
}

func (r *Repo) DeleteFileRecord(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM file_uploads WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete file record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &faults.NotFound{Kind: "file", ID: id}
	}
	return nil
}

// AcquireDatasetLock serializes imports per dataset within this process.
func (r *Repo) AcquireDatasetLock(ctx context.Context, datasetKey string) error {
	r.lockMu.Lock()
	m := r.locks[datasetKey]
	if m == nil {
		m = &sync.Mutex{}
		r.locks[datasetKey] = m
	}
	r.lockMu.Unlock()

	locked := make(chan struct{})
	go func() {
		m.Lock()
		close(locked)
	}()
	select {
	case <-locked:
		return nil
	case <-ctx.Done():
		// The goroutine will eventually take and immediately release the
		// abandoned lock.
		go func() {
			<-locked
			m.Unlock()
		}()
		return ctx.Err()
	}
}

func (r *Repo) ReleaseDatasetLock(_ context.Context, datasetKey string) error {
	r.lockMu.Lock()
	m := r.locks[datasetKey]
	r.lockMu.Unlock()
	if m == nil {
		return fmt.Errorf("release lock %s: not held", datasetKey)
	}
	m.Unlock()
	return nil
}

func (r *Repo) Query(ctx context.Context, q string) ([]string, [][]any, error) {
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}
