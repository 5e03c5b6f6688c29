// Package mssql implements storage.Repository on SQL Server.
//
// Differences from Postgres the implementation has to absorb:
//   - @pN placeholders instead of $N.
//   - No "CREATE TABLE IF NOT EXISTS"; existence is probed via sys.tables.
//   - No IS NOT DISTINCT FROM; null-safe key matching is spelled out.
//   - Dataset locks use sp_getapplock on a pinned session.
package mssql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/microsoft/go-mssqldb"

	"datadiff/internal/faults"
	"datadiff/internal/storage"
)

const rowIDColumn = "_row_id"

type Repo struct {
	db *sql.DB

	lockMu    sync.Mutex
	lockConns map[string]*sql.Conn
}

func init() {
	storage.Register("mssql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db, lockConns: map[string]*sql.Conn{}}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

func ident(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func columnType(t string) string {
	switch t {
	case "bigint":
		return "BIGINT"
	case "double precision":
		return "FLOAT"
	case "boolean":
		return "BIT"
	case "timestamp":
		return "DATETIME2"
	default:
		return "NVARCHAR(MAX)"
	}
}

// keyType is the narrower text type used for key-ish metadata columns so
// they can carry PRIMARY KEY constraints (NVARCHAR(MAX) cannot).
const keyType = "NVARCHAR(450)"

func (r *Repo) EnsureMetadata(ctx context.Context) error {
	stmts := []string{
		`IF OBJECT_ID('dataset_signatures', 'U') IS NULL
CREATE TABLE dataset_signatures (
	dataset_key ` + keyType + ` PRIMARY KEY,
	signature   NVARCHAR(MAX) NOT NULL,
	table_name  NVARCHAR(MAX) NOT NULL,
	columns     NVARCHAR(MAX) NOT NULL,
	updated_at  DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()
);`,
		`IF OBJECT_ID('file_uploads', 'U') IS NULL
CREATE TABLE file_uploads (
	id            ` + keyType + ` PRIMARY KEY,
	filename      NVARCHAR(MAX) NOT NULL,
	path          NVARCHAR(MAX) NOT NULL,
	size_bytes    BIGINT NOT NULL DEFAULT 0,
	content_type  NVARCHAR(MAX) NOT NULL DEFAULT '',
	status        NVARCHAR(50) NOT NULL DEFAULT 'uploaded',
	dataset_table NVARCHAR(MAX) NOT NULL DEFAULT '',
	rows_imported BIGINT NOT NULL DEFAULT 0,
	created_at    DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME(),
	updated_at    DATETIME2 NOT NULL DEFAULT SYSUTCDATETIME()
);`,
	}
	for _, s := range stmts {
		if _, err := r.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("ensure metadata tables: %w", err)
		}
	}
	return nil
}

func (r *Repo) EnsureTable(ctx context.Context, spec storage.TableSpec) error {
	var b strings.Builder
	fmt.Fprintf(&b, "IF OBJECT_ID(N'%s', 'U') IS NULL\nCREATE TABLE ", strings.ReplaceAll(spec.Name, "'", "''"))
	b.WriteString(ident(spec.Name))
	b.WriteString(" (")
	b.WriteString(ident(rowIDColumn))
	b.WriteString(" BIGINT IDENTITY(1,1) PRIMARY KEY")
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
	const q = `
SELECT c.name
FROM sys.columns c
JOIN sys.tables t ON t.object_id = c.object_id
WHERE t.name = @p1
ORDER BY c.column_id;`
	rows, err := r.db.QueryContext(ctx, q, table)
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
		ddl := "ALTER TABLE " + ident(table) + " ADD " + ident(c.Name) + " " + columnType(c.Type) + ";"
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
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
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

	var total int64
	for _, row := range rows {
		var b strings.Builder
		b.WriteString("UPDATE ")
		b.WriteString(ident(table))
		b.WriteString(" SET ")
		args := make([]any, 0, len(columns))
		p := 1
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
			fmt.Fprintf(&b, " = @p%d", p)
			args = append(args, row[i])
			p++
		}
		b.WriteString(" WHERE ")
		for n, k := range keyColumns {
			if n > 0 {
				b.WriteString(" AND ")
			}
			i := indexOf(columns, k)
			if row[i] == nil {
				b.WriteString(ident(k))
				b.WriteString(" IS NULL")
				continue
			}
			b.WriteString(ident(k))
			fmt.Fprintf(&b, " = @p%d", p)
			args = append(args, row[i])
			p++
		}
		b.WriteString(";")

		res, err := tx.ExecContext(ctx, b.String(), args...)
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
	var args []any
	p := 1
	for i, key := range keys {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(")
		for j, k := range keyColumns {
			if j > 0 {
				b.WriteString(" AND ")
			}
			if key[j] == nil {
				b.WriteString(ident(k))
				b.WriteString(" IS NULL")
				continue
			}
			b.WriteString(ident(k))
			fmt.Fprintf(&b, " = @p%d", p)
			args = append(args, key[j])
			p++
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
	const q = `SELECT signature, table_name, columns, updated_at FROM dataset_signatures WHERE dataset_key = @p1;`

	rec := storage.SignatureRecord{DatasetKey: datasetKey}
	var colsJSON string
	err := r.db.QueryRowContext(ctx, q, datasetKey).
		Scan(&rec.Signature, &rec.Table, &colsJSON, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &faults.NotFound{Kind: "signature", ID: datasetKey}
	}
	if err != nil {
		return nil, fmt.Errorf("get signature %s: %w", datasetKey, err)
	}
	if err := json.Unmarshal([]byte(colsJSON), &rec.Columns); err != nil {
		return nil, fmt.Errorf("decode signature columns %s: %w", datasetKey, err)
	}
	return &rec, nil
}

func (r *Repo) UpsertSignature(ctx context.Context, rec storage.SignatureRecord) error {
	colsJSON, err := json.Marshal(rec.Columns)
	if err != nil {
		return err
	}
	// Update-then-insert instead of MERGE; the PK on dataset_key is the
	// safety net for the insert race.
	const upd = `
UPDATE dataset_signatures
SET signature = @p2, table_name = @p3, columns = @p4, updated_at = SYSUTCDATETIME()
WHERE dataset_key = @p1;`
	res, err := r.db.ExecContext(ctx, upd, rec.DatasetKey, rec.Signature, rec.Table, string(colsJSON))
	if err != nil {
		return fmt.Errorf("upsert signature %s: %w", rec.DatasetKey, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	const ins = `
INSERT INTO dataset_signatures (dataset_key, signature, table_name, columns, updated_at)
VALUES (@p1, @p2, @p3, @p4, SYSUTCDATETIME());`
	if _, err := r.db.ExecContext(ctx, ins, rec.DatasetKey, rec.Signature, rec.Table, string(colsJSON)); err != nil {
		return fmt.Errorf("upsert signature %s: %w", rec.DatasetKey, err)
	}
	return nil
}

func (r *Repo) CreateFileRecord(ctx context.Context, rec storage.FileRecord) error {
	const q = `
INSERT INTO file_uploads (id, filename, path, size_bytes, content_type, status, dataset_table, rows_imported, created_at, updated_at)
VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, SYSUTCDATETIME(), SYSUTCDATETIME());`
	_, err := r.db.ExecContext(ctx, q,
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
FROM file_uploads WHERE id = @p1;`
	var rec storage.FileRecord
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&rec.ID, &rec.Filename, &rec.Path, &rec.SizeBytes, &rec.ContentType,
		&rec.Status, &rec.DatasetTable, &rec.RowsImported, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
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
SELECT TOP (@p1) id, filename, path, size_bytes, content_type, status, dataset_table, rows_imported, created_at, updated_at
FROM file_uploads ORDER BY created_at DESC;`
	rows, err := r.db.QueryContext(ctx, q, limit)
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
SET filename = @p2, path = @p3, size_bytes = @p4, content_type = @p5,
    status = @p6, dataset_table = @p7, rows_imported = @p8, updated_at = SYSUTCDATETIME()
WHERE id = @p1;`
	res, err := r.db.ExecContext(ctx, q,
		rec.ID, rec.Filename, rec.Path, rec.SizeBytes, rec.ContentType,
		rec.Status, rec.DatasetTable, rec.RowsImported)
	if err != nil {
		return fmt.Errorf("update file record %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &faults.NotFound{Kind: "file", ID: rec.ID}
	}
	return nil
}

func (r *Repo) DeleteFileRecord(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM file_uploads WHERE id = @p1;`, id)
	if err != nil {
		return fmt.Errorf("delete file record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &faults.NotFound{Kind: "file", ID: id}
	}
	return nil
}

// AcquireDatasetLock takes an exclusive session applock on a pinned
// connection, held until ReleaseDatasetLock.
func (r *Repo) AcquireDatasetLock(ctx context.Context, datasetKey string) error {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return err
	}
	const q = `EXEC sp_getapplock @Resource = @p1, @LockMode = 'Exclusive', @LockOwner = 'Session', @LockTimeout = -1;`
	if _, err := conn.ExecContext(ctx, q, "datadiff:"+datasetKey); err != nil {
		_ = conn.Close()
		return err
	}
	r.lockMu.Lock()
	r.lockConns[datasetKey] = conn
	r.lockMu.Unlock()
	return nil
}

func (r *Repo) ReleaseDatasetLock(ctx context.Context, datasetKey string) error {
	r.lockMu.Lock()
	conn := r.lockConns[datasetKey]
	delete(r.lockConns, datasetKey)
	r.lockMu.Unlock()

	if conn == nil {
		return fmt.Errorf("release lock %s: not held", datasetKey)
	}
	const q = `EXEC sp_releaseapplock @Resource = @p1, @LockOwner = 'Session';`
	_, err := conn.ExecContext(ctx, q, "datadiff:"+datasetKey)
	_ = conn.Close()
	return err
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

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}
