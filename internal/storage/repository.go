package storage

import (
	"context"
	"fmt"
	"sync"
)

// Config is the minimal configuration needed to create a repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is
//     backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is a backend-agnostic interface over the dataset tables and
// the service's own metadata (signatures, file uploads, locks).
//
// IMPORTANT: This interface is intentionally minimal and focused on what
// the diff engine and HTTP surface need. Each backend implements these
// semantics in its own idiomatic way (Postgres ON CONFLICT, SQLite
// UPSERT, MSSQL MERGE-free equivalents).
type Repository interface {
	// Close releases backend resources. Treat as "call once" at shutdown.
	Close()

	// EnsureMetadata creates the service's own tables
	// (dataset_signatures, file_uploads) if missing. Idempotent.
	EnsureMetadata(ctx context.Context) error

	// EnsureTable creates the dataset table if missing, including the
	// surrogate _row_id primary key. Idempotent.
	EnsureTable(ctx context.Context, spec TableSpec) error

	// TableColumns returns the data columns of an existing table in
	// ordinal order, excluding _row_id. A missing table yields an empty
	// slice, not an error.
	TableColumns(ctx context.Context, table string) ([]string, error)

	// AddColumns widens an existing table. Columns that already exist
	// are skipped.
	AddColumns(ctx context.Context, table string, cols []ColumnSpec) error

	// InsertRows bulk-inserts rows aligned with columns and reports the
	// number of rows written.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)

	// UpdateRowsByKeys updates one table row per input row, matching on
	// keyColumns (a subset of columns) and setting every non-key column.
	// Runs in a single transaction per call.
	UpdateRowsByKeys(ctx context.Context, table string, columns []string, keyColumns []string, rows [][]any) (int64, error)

	// DeleteRowsByKeys deletes rows whose key tuple matches one of keys.
	// Only invoked when a dataset policy explicitly enables deletions.
	DeleteRowsByKeys(ctx context.Context, table string, keyColumns []string, keys [][]any) (int64, error)

	// StreamRows scans the table projected onto columns, invoking fn per
	// row in storage order. fn's error aborts the scan and is returned.
	// The row slice is reused between calls; fn must copy what it keeps.
	StreamRows(ctx context.Context, table string, columns []string, fn func(row []any) error) error

	// GetSignature returns the stored signature for a dataset, or a
	// NotFound fault when the dataset has never been imported.
	GetSignature(ctx context.Context, datasetKey string) (*SignatureRecord, error)

	// UpsertSignature stores or replaces the dataset's signature. The
	// dataset key is unique; concurrent first-imports resolve to one
	// winner and the loser sees the winner's row on retry.
	UpsertSignature(ctx context.Context, rec SignatureRecord) error

	// File upload metadata CRUD.
	CreateFileRecord(ctx context.Context, rec FileRecord) error
	GetFileRecord(ctx context.Context, id string) (*FileRecord, error)
	ListFileRecords(ctx context.Context, limit int) ([]FileRecord, error)
	UpdateFileRecord(ctx context.Context, rec FileRecord) error
	DeleteFileRecord(ctx context.Context, id string) error

	// AcquireDatasetLock takes a backend-level exclusive lock for the
	// dataset key, blocking until acquired or ctx is done. Pair with
	// ReleaseDatasetLock on the same Repository.
	AcquireDatasetLock(ctx context.Context, datasetKey string) error
	ReleaseDatasetLock(ctx context.Context, datasetKey string) error

	// Query runs a read-only statement and materializes the result.
	// Validation (SELECT-only, denylist) happens above this layer.
	Query(ctx context.Context, sql string) (columns []string, rows [][]any, err error)
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu     sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in a backend package. Registering
// the same kind more than once panics, to fail fast on ambiguous backend
// selection.
func Register(kind string, f factory) {
	regMu.Lock()
	defer regMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	regMu.RLock()
	f := factories[cfg.Kind]
	regMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
