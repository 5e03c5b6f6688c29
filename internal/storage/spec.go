// Shared storage types. These live here so backends and the schema/diff
// layers can import them without circular deps.
package storage

import "time"

// TableSpec describes a dataset table to create or reconcile.
//
// Every dataset table gets a surrogate "_row_id" bigserial primary key;
// uploaded columns never become the primary key because their uniqueness
// is a dataset policy, not a storage guarantee.
type TableSpec struct {
	Name    string       `json:"name"`
	Columns []ColumnSpec `json:"columns"`
}

// ColumnSpec is one data column. Type is the logical type ("text",
// "bigint", "double precision", "timestamp", "boolean"); backends map it
// to their own DDL type.
type ColumnSpec struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SignatureRecord binds a dataset to the structural signature of the
// columns currently stored in its table. One row per dataset key.
// Columns carry both names and logical types so later uploads can be
// checked for type clashes without probing backend catalogs.
type SignatureRecord struct {
	DatasetKey string
	Signature  string
	Table      string
	Columns    []ColumnSpec
	UpdatedAt  time.Time
}

// ColumnNames projects the recorded columns to their names.
func (r *SignatureRecord) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// File upload lifecycle states.
const (
	FileStatusUploaded  = "uploaded"
	FileStatusImporting = "importing"
	FileStatusImported  = "imported"
	FileStatusError     = "error"
)

// FileRecord is one row of the file_uploads metadata table. Path is the
// server-side storage location; clients only ever address records by ID.
type FileRecord struct {
	ID           string
	Filename     string
	Path         string
	SizeBytes    int64
	ContentType  string
	Status       string
	DatasetTable string
	RowsImported int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
