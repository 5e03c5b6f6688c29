// Package schema resolves an upload's sanitized columns to a physical
// table: reuse when the structure matches the dataset's stored signature,
// widen when the upload is a superset, create on first import.
//
// The signature store (dataset_signatures) is the source of truth for
// table shape. Resolution is read-then-act, so a backend-level dataset
// lock plus the unique constraint on dataset_key guard the create race.
package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"datadiff/internal/faults"
	"datadiff/internal/storage"
)

// sigSep separates column names in the canonical form. Sanitized
// identifiers never contain a unit separator, so the form is unambiguous.
const sigSep = "\x1f"

// Signature computes the order-insensitive structural signature of a
// column set: lowercase hex SHA-256 over the sorted names.
func Signature(columns []string) string {
	sorted := append([]string(nil), columns...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, sigSep)))
	return hex.EncodeToString(sum[:])
}

// InferTypes assigns a logical type to each column from sampled cell
// values. samples holds rows aligned with columns; cells are string or
// nil as produced by the parsers.
//
// The rules are deliberately conservative: a column is only typed when
// every non-empty sample agrees, and anything ambiguous stays text so a
// later upload can never fail an insert.
func InferTypes(columns []string, samples [][]any) []storage.ColumnSpec {
	specs := make([]storage.ColumnSpec, len(columns))
	for i, name := range columns {
		specs[i] = storage.ColumnSpec{Name: name, Type: inferColumn(i, samples)}
	}
	return specs
}

func inferColumn(idx int, samples [][]any) string {
	const (
		canInt = 1 << iota
		canFloat
		canBool
		canTime
	)
	mask := canInt | canFloat | canBool | canTime
	seen := 0

	for _, row := range samples {
		if idx >= len(row) || row[idx] == nil {
			continue
		}
		s, ok := row[idx].(string)
		if !ok {
			return "text"
		}
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		seen++

		if mask&canInt != 0 {
			if _, err := strconv.ParseInt(s, 10, 64); err != nil {
				mask &^= canInt
			}
		}
		if mask&canFloat != 0 {
			if _, err := strconv.ParseFloat(s, 64); err != nil {
				mask &^= canFloat
			}
		}
		if mask&canBool != 0 && !isBoolLiteral(s) {
			mask &^= canBool
		}
		if mask&canTime != 0 && !isTimeLiteral(s) {
			mask &^= canTime
		}
		if mask == 0 {
			break
		}
	}

	if seen == 0 {
		return "text"
	}
	switch {
	case mask&canBool != 0:
		return "boolean"
	case mask&canInt != 0:
		return "bigint"
	case mask&canFloat != 0:
		return "double precision"
	case mask&canTime != 0:
		return "timestamp"
	default:
		return "text"
	}
}

func isBoolLiteral(s string) bool {
	switch strings.ToLower(s) {
	case "true", "false", "是", "否":
		return true
	}
	return false
}

// timeLayouts covers the formats the report exports actually emit.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02 15:04:05",
	"2006/01/02",
}

func isTimeLiteral(s string) bool {
	for _, layout := range timeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// widenRank orders types by how much they admit. A stored column can
// absorb uploads of equal or lower rank.
func widenRank(t string) int {
	switch t {
	case "text":
		return 3
	case "double precision":
		return 2
	case "bigint", "boolean", "timestamp":
		return 1
	default:
		return 3
	}
}

// compatible reports whether values of inferred type up can be stored in
// a column of type have.
func compatible(have, up string) bool {
	if have == up || widenRank(have) == 3 {
		return true
	}
	if have == "double precision" && up == "bigint" {
		return true
	}
	return false
}

// Resolution is the outcome of resolving an upload against a dataset.
type Resolution struct {
	Table string
	// Columns is the full ordered column set of the table after
	// resolution (existing columns first, newly added last).
	Columns []storage.ColumnSpec
	// IsNew is true when the table was created by this resolution.
	IsNew bool
	// Added lists columns this upload introduced to an existing table.
	Added []string
}

// Registry performs resolution against a Repository.
type Registry struct {
	Repo storage.Repository
}

// Resolve maps the upload's columns to the dataset's physical table.
//
// The caller must hold the dataset lock. Even without it the outcome is
// safe: table creation is IF NOT EXISTS and the signature store upserts
// against the unique dataset key, so concurrent first-imports converge
// on one table with the last writer's signature.
func (g *Registry) Resolve(ctx context.Context, datasetKey, table string, upload []storage.ColumnSpec) (*Resolution, error) {
	names := columnNames(upload)
	sig := Signature(names)

	rec, err := g.Repo.GetSignature(ctx, datasetKey)
	if faults.IsNotFound(err) {
		return g.create(ctx, datasetKey, table, upload, sig)
	}
	if err != nil {
		return nil, err
	}

	if rec.Signature == sig {
		return &Resolution{Table: rec.Table, Columns: rec.Columns}, nil
	}

	// Structure changed: check compatibility of shared columns, then
	// widen with whatever is new.
	have := make(map[string]string, len(rec.Columns))
	for _, c := range rec.Columns {
		have[c.Name] = c.Type
	}

	var added []storage.ColumnSpec
	for _, c := range upload {
		ht, exists := have[c.Name]
		if !exists {
			added = append(added, c)
			continue
		}
		if !compatible(ht, c.Type) {
			return nil, &faults.SchemaConflictError{
				Dataset: datasetKey, Column: c.Name, Have: ht, Want: c.Type,
			}
		}
	}

	merged := append(append([]storage.ColumnSpec(nil), rec.Columns...), added...)
	if len(added) > 0 {
		if err := g.Repo.AddColumns(ctx, rec.Table, added); err != nil {
			return nil, fmt.Errorf("widen %s: %w", rec.Table, err)
		}
	}
	// Re-sign even without additions: a subset upload keeps the stored
	// structure, but the record's timestamp should reflect the import.
	rec.Columns = merged
	rec.Signature = Signature(columnNames(merged))
	if err := g.Repo.UpsertSignature(ctx, *rec); err != nil {
		return nil, err
	}

	out := &Resolution{Table: rec.Table, Columns: merged}
	for _, c := range added {
		out.Added = append(out.Added, c.Name)
	}
	return out, nil
}

func (g *Registry) create(ctx context.Context, datasetKey, table string, upload []storage.ColumnSpec, sig string) (*Resolution, error) {
	if err := g.Repo.EnsureTable(ctx, storage.TableSpec{Name: table, Columns: upload}); err != nil {
		return nil, err
	}
	rec := storage.SignatureRecord{
		DatasetKey: datasetKey,
		Signature:  sig,
		Table:      table,
		Columns:    upload,
	}
	if err := g.Repo.UpsertSignature(ctx, rec); err != nil {
		return nil, err
	}
	return &Resolution{Table: table, Columns: upload, IsNew: true}, nil
}

func columnNames(cols []storage.ColumnSpec) []string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}
