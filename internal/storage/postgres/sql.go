package postgres

import (
	"fmt"
	"strings"

	"datadiff/internal/storage"
)

// pgIdent double-quotes an identifier so sanitized-but-arbitrary column
// names (pinyin transliterations, "c_2024_lie") are always safe in DDL
// and DML. Embedded quotes are doubled per the SQL standard.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// rowIDColumn is the surrogate primary key every dataset table carries.
const rowIDColumn = "_row_id"

// columnType maps a logical column type to Postgres DDL. Unknown types
// fall back to text so a widened upload never fails DDL.
func columnType(t string) string {
	switch t {
	case "text", "bigint", "double precision", "boolean":
		return t
	case "timestamp":
		return "timestamptz"
	default:
		return "text"
	}
}

// buildCreateTableSQL constructs idempotent dataset-table DDL.
//
// Why this exists:
//   - It is pure and deterministic, so we can unit test correctness
//     (identifier quoting, surrogate key, type mapping) without a
//     database.
func buildCreateTableSQL(spec storage.TableSpec) string {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(pgIdent(spec.Name))
	b.WriteString(" (")
	b.WriteString(pgIdent(rowIDColumn))
	b.WriteString(" bigserial PRIMARY KEY")
	for _, c := range spec.Columns {
		b.WriteString(", ")
		b.WriteString(pgIdent(c.Name))
		b.WriteString(" ")
		b.WriteString(columnType(c.Type))
	}
	b.WriteString(");")
	return b.String()
}

// buildAddColumnSQL widens a table by one column.
func buildAddColumnSQL(table string, col storage.ColumnSpec) string {
	var b strings.Builder
	b.WriteString("ALTER TABLE ")
	b.WriteString(pgIdent(table))
	b.WriteString(" ADD COLUMN IF NOT EXISTS ")
	b.WriteString(pgIdent(col.Name))
	b.WriteString(" ")
	b.WriteString(columnType(col.Type))
	b.WriteString(";")
	return b.String()
}

// buildInsertSQL constructs a single multi-row INSERT and its args.
//
// Constraints:
//   - rows must have the same length as columns for every row.
//   - columns must be non-empty.
func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(table))
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}

// buildUpdateSQL constructs a single-row UPDATE matching on keyColumns
// and setting every non-key column. row is aligned with columns.
//
// Placeholder order: SET values first, then WHERE values, so args can be
// appended in one pass.
func buildUpdateSQL(table string, columns, keyColumns []string, row []any) (string, []any) {
	isKey := make(map[string]bool, len(keyColumns))
	for _, k := range keyColumns {
		isKey[k] = true
	}

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(pgIdent(table))
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
		b.WriteString(pgIdent(c))
		fmt.Fprintf(&b, " = $%d", p)
		args = append(args, row[i])
		p++
	}

	b.WriteString(" WHERE ")
	for n, k := range keyColumns {
		if n > 0 {
			b.WriteString(" AND ")
		}
		// NULL-safe match: uploaded key cells may be empty.
		b.WriteString(pgIdent(k))
		fmt.Fprintf(&b, " IS NOT DISTINCT FROM $%d", p)
		args = append(args, row[indexOf(columns, k)])
		p++
	}
	b.WriteString(";")
	return b.String(), args
}

// buildDeleteSQL constructs one DELETE covering a batch of key tuples.
func buildDeleteSQL(table string, keyColumns []string, keys [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(pgIdent(table))
	b.WriteString(" WHERE ")

	args := make([]any, 0, len(keys)*len(keyColumns))
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
			b.WriteString(pgIdent(k))
			fmt.Fprintf(&b, " IS NOT DISTINCT FROM $%d", p)
			args = append(args, key[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}

// buildSelectSQL constructs the projection scan used by StreamRows.
func buildSelectSQL(table string, columns []string) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(pgIdent(table))
	b.WriteString(";")
	return b.String()
}

func indexOf(columns []string, name string) int {
	for i, c := range columns {
		if c == name {
			return i
		}
	}
	return -1
}
