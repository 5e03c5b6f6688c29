// Package faults defines the error taxonomy shared across the upload
// pipeline: parsing, schema resolution, bulk writing, and the HTTP layer.
//
// The types here are deliberately small. Handlers map them to HTTP status
// codes; the diff engine uses them to decide whether an upload failed
// before any rows were written (safe to retry) or mid-write (partial
// progress must be reported, not hidden).
package faults

import (
	"errors"
	"fmt"
)

// ParseError reports a malformed or unrecognized upload. It always occurs
// before any database writes.
type ParseError struct {
	Reason string
	Line   int // 1-based source line/row when known, 0 otherwise
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse: line %d: %s", e.Line, e.Reason)
	}
	return "parse: " + e.Reason
}

// SchemaConflictError reports an irreconcilable column clash: sanitization
// produced a name that already exists on the physical table with a
// different type. Widening cannot resolve it.
type SchemaConflictError struct {
	Dataset string
	Column  string
	Have    string
	Want    string
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema conflict: dataset %s column %q is %s, upload needs %s",
		e.Dataset, e.Column, e.Have, e.Want)
}

// WriteError reports a failed write batch. Committed counts the rows
// durably written by earlier batches of the same call; those rows are NOT
// rolled back, and callers must surface the partial progress.
type WriteError struct {
	Table     string
	Committed int64
	Err       error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %d rows committed before failure: %v", e.Table, e.Committed, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// DiffConfigError reports a dataset whose key configuration cannot be
// applied to the upload at hand: either a configured key column is absent
// from the uploaded header, or no keys are configured and the caller did
// not accept degraded (first-column) keying.
type DiffConfigError struct {
	Dataset string
	Column  string // the missing key column, empty for the no-keys case
}

func (e *DiffConfigError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("diff config: dataset %s key column %q not present in upload", e.Dataset, e.Column)
	}
	return fmt.Sprintf("diff config: dataset %s has no unique-key columns", e.Dataset)
}

// NotFound marks unknown dataset keys and file ids.
type NotFound struct {
	Kind string // "dataset" | "file"
	ID   string
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s %s not found", e.Kind, e.ID) }

func IsParse(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

func IsSchemaConflict(err error) bool {
	var se *SchemaConflictError
	return errors.As(err, &se)
}

func IsWrite(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

func IsDiffConfig(err error) bool {
	var de *DiffConfigError
	return errors.As(err, &de)
}

func IsNotFound(err error) bool {
	var nf *NotFound
	return errors.As(err, &nf)
}

// CommittedRows extracts the committed-row count from a WriteError chain.
// Returns 0, false when err carries no write information.
func CommittedRows(err error) (int64, bool) {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Committed, true
	}
	return 0, false
}
