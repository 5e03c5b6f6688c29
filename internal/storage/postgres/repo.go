package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"datadiff/internal/faults"
	"datadiff/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Dataset table DDL (create, widen) with a surrogate _row_id key
  - Batched inserts, keyed updates and deletes
  - Signature and file-upload metadata
  - Advisory locks for per-dataset serialization across processes

Postgres is the primary production backend; SQLite and MSSQL mirror the
same semantics.
*/
type Repo struct {
	pool *pgxpool.Pool

	// Advisory locks are session-level, so the connection that took a
	// lock must be held until release. lockConns pins them per key.
	lockMu    sync.Mutex
	lockConns map[string]*pgxpool.Conn
}

// New creates a new Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool, lockConns: map[string]*pgxpool.Conn{}}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureMetadata creates the service metadata tables. Idempotent.
func (r *Repo) EnsureMetadata(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS dataset_signatures (
	dataset_key text PRIMARY KEY,
	signature   text NOT NULL,
	table_name  text NOT NULL,
	columns     jsonb NOT NULL,
	updated_at  timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS file_uploads (
	id            uuid PRIMARY KEY,
	filename      text NOT NULL,
	path          text NOT NULL,
	size_bytes    bigint NOT NULL DEFAULT 0,
	content_type  text NOT NULL DEFAULT '',
	status        text NOT NULL DEFAULT 'uploaded',
	dataset_table text NOT NULL DEFAULT '',
	rows_imported bigint NOT NULL DEFAULT 0,
	created_at    timestamptz NOT NULL DEFAULT now(),
	updated_at    timestamptz NOT NULL DEFAULT now()
);`
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure metadata tables: %w", err)
	}
	return nil
}

// EnsureTable creates the dataset table if missing. Idempotent.
func (r *Repo) EnsureTable(ctx context.Context, spec storage.TableSpec) error {
	if _, err := r.pool.Exec(ctx, buildCreateTableSQL(spec)); err != nil {
		return fmt.Errorf("create table %s: %w", spec.Name, err)
	}
	return nil
}

// TableColumns returns data columns in ordinal order, excluding _row_id.
// A missing table yields an empty slice.
func (r *Repo) TableColumns(ctx context.Context, table string) ([]string, error) {
	const q = `
SELECT column_name
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position;`
	rows, err := r.pool.Query(ctx, q, table)
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

// AddColumns widens the table. Existing columns are skipped by the DDL.
func (r *Repo) AddColumns(ctx context.Context, table string, cols []storage.ColumnSpec) error {
	for _, c := range cols {
		if _, err := r.pool.Exec(ctx, buildAddColumnSQL(table, c)); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, c.Name, err)
		}
	}
	return nil
}

// InsertRows performs one multi-row INSERT.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	sql, args := buildInsertSQL(table, columns, rows)
	cmd, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// UpdateRowsByKeys updates each row inside one transaction.
//
// IMPORTANT: a later upload must not observe half of an earlier batch, so
// each batch is transactional even though batches are not atomic with
// each other.
func (r *Repo) UpdateRowsByKeys(ctx context.Context, table string, columns, keyColumns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var total int64
	for _, row := range rows {
		sql, args := buildUpdateSQL(table, columns, keyColumns, row)
		cmd, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return total, err
		}
		total += cmd.RowsAffected()
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

// DeleteRowsByKeys removes rows matching the key tuples.
func (r *Repo) DeleteRowsByKeys(ctx context.Context, table string, keyColumns []string, keys [][]any) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	sql, args := buildDeleteSQL(table, keyColumns, keys)
	cmd, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

// StreamRows scans the projection, invoking fn per row.
func (r *Repo) StreamRows(ctx context.Context, table string, columns []string, fn func(row []any) error) error {
	rows, err := r.pool.Query(ctx, buildSelectSQL(table, columns))
	if err != nil {
		return fmt.Errorf("stream %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetSignature loads the stored signature for a dataset.
func (r *Repo) GetSignature(ctx context.Context, datasetKey string) (*storage.SignatureRecord, error) {
	const q = `
SELECT signature, table_name, columns, updated_at
FROM dataset_signatures WHERE dataset_key = $1;`

	rec := storage.SignatureRecord{DatasetKey: datasetKey}
	var colsJSON []byte
	err := r.pool.QueryRow(ctx, q, datasetKey).
		Scan(&rec.Signature, &rec.Table, &colsJSON, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &faults.NotFound{Kind: "signature", ID: datasetKey}
	}
	if err != nil {
		return nil, fmt.Errorf("get signature %s: %w", datasetKey, err)
	}
	if err := json.Unmarshal(colsJSON, &rec.Columns); err != nil {
		return nil, fmt.Errorf("decode signature columns %s: %w", datasetKey, err)
	}
	return &rec, nil
}

// UpsertSignature stores or replaces the dataset signature. The primary
// key on dataset_key is the safety net for concurrent first imports.
func (r *Repo) UpsertSignature(ctx context.Context, rec storage.SignatureRecord) error {
	colsJSON, err := json.Marshal(rec.Columns)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO dataset_signatures (dataset_key, signature, table_name, columns, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (dataset_key) DO UPDATE
SET signature = EXCLUDED.signature,
    table_name = EXCLUDED.table_name,
    columns = EXCLUDED.columns,
    updated_at = now();`
	if _, err := r.pool.Exec(ctx, q, rec.DatasetKey, rec.Signature, rec.Table, colsJSON); err != nil {
		return fmt.Errorf("upsert signature %s: %w", rec.DatasetKey, err)
	}
	return nil
}

func (r *Repo) CreateFileRecord(ctx context.Context, rec storage.FileRecord) error {
	const q = `
INSERT INTO file_uploads (id, filename, path, size_bytes, content_type, status, dataset_table, rows_imported, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now());`
	_, err := r.pool.Exec(ctx, q,
		rec.ID, rec.Filename, rec.Path, rec.SizeBytes, rec.ContentType,
		rec.Status, rec.DatasetTable, rec.RowsImported)
	if err != nil {
		return fmt.Errorf("create file record %s: %w", rec.ID, err)
	}
	return nil
}

func (r *Repo) GetFileRecord(ctx context.Context, id string) (*storage.FileRecord, error) {
	const q = `
SELECT id, filename, path, size_bytes, content_type, status, dataset_table, rows_imported, created_at, updated_at
FROM file_uploads WHERE id = $1;`
	var rec storage.FileRecord
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&rec.ID, &rec.Filename, &rec.Path, &rec.SizeBytes, &rec.ContentType,
		&rec.Status, &rec.DatasetTable, &rec.RowsImported, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &faults.NotFound{Kind: "file", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get file record %s: %w", id, err)
	}
	return &rec, nil
}

func (r *Repo) ListFileRecords(ctx context.Context, limit int) ([]storage.FileRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT id, filename, path, size_bytes, content_type, status, dataset_table, rows_imported, created_at, updated_at
FROM file_uploads ORDER BY created_at DESC LIMIT $1;`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list file records: %w", err)
	}
	defer rows.Close()

	var out []storage.FileRecord
	for rows.Next() {
		var rec storage.FileRecord
		if err := rows.Scan(
			&rec.ID, &rec.Filename, &rec.Path, &rec.SizeBytes, &rec.ContentType,
			&rec.Status, &rec.DatasetTable, &rec.RowsImported, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repo) UpdateFileRecord(ctx context.Context, rec storage.FileRecord) error {
	const q = `
UPDATE file_uploads
SET filename = $2, path = $3, size_bytes = $4, content_type = $5,
    status = $6, dataset_table = $7, rows_imported = $8, updated_at = now()
WHERE id = $1;`
	cmd, err := r.pool.Exec(ctx, q,
		rec.ID, rec.Filename, rec.Path, rec.SizeBytes, rec.ContentType,
		rec.Status, rec.DatasetTable, rec.RowsImported)
	if err != nil {
		return fmt.Errorf("update file record %s: %w", rec.ID, err)
	}
	if cmd.RowsAffected() == 0 {
		return &faults.NotFound{Kind: "file", ID: rec.ID}
	}
	return nil
}

func (r *Repo) DeleteFileRecord(ctx context.Context, id string) error {
	cmd, err := r.pool.Exec(ctx, `DELETE FROM file_uploads WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete file record %s: %w", id, err)
	}
	if cmd.RowsAffected() == 0 {
		return &faults.NotFound{Kind: "file", ID: id}
	}
	return nil
}

// AcquireDatasetLock takes a session-level advisory lock keyed by the
// dataset name. It serializes imports across every process sharing the
// database, which the in-process mutex cannot. The locking connection is
// pinned until ReleaseDatasetLock.
func (r *Repo) AcquireDatasetLock(ctx context.Context, datasetKey string) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1));`, lockName(datasetKey)); err != nil {
		conn.Release()
		return err
	}
	r.lockMu.Lock()
	r.lockConns[datasetKey] = conn
	r.lockMu.Unlock()
	return nil
}

// ReleaseDatasetLock releases the advisory lock taken by
// AcquireDatasetLock and returns its connection to the pool.
func (r *Repo) ReleaseDatasetLock(ctx context.Context, datasetKey string) error {
	r.lockMu.Lock()
	conn := r.lockConns[datasetKey]
	delete(r.lockConns, datasetKey)
	r.lockMu.Unlock()

	if conn == nil {
		return fmt.Errorf("release lock %s: not held", datasetKey)
	}
	_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1));`, lockName(datasetKey))
	conn.Release()
	return err
}

func lockName(datasetKey string) string {
	return "datadiff:" + datasetKey
}

// Query runs a read-only statement and materializes the result. The
// sqlquery layer validates statements before they reach here.
func (r *Repo) Query(ctx context.Context, sql string) ([]string, [][]any, error) {
	rows, err := r.pool.Query(ctx, sql)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = fd.Name
	}

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		out = append(out, vals)
	}
	return cols, out, rows.Err()
}
