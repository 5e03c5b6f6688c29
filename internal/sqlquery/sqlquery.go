// Package sqlquery executes read-only queries against the dataset tables
// on behalf of the HTTP layer. Statements usually come straight out of an
// LLM response, so cleaning strips markdown fences before validation.
//
// Validation is a denylist plus a SELECT/WITH prefix check, not a SQL
// parser. The database role should still be read-only; this layer exists
// to fail fast with a message the operator understands.
package sqlquery

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"datadiff/internal/fileregistry"
	"datadiff/internal/storage"
)

const exportContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// RejectedError reports a statement that failed validation. Reasons are
// operator-facing, matching the language of the dataset exports.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "sql rejected: " + e.Reason }

// dangerousOps are matched as substrings of the lowercased statement.
// Coarse on purpose: a SELECT mentioning "update " in a string literal is
// rejected too, and that tradeoff is acceptable for this surface.
var dangerousOps = []string{
	"drop table", "drop database", "truncate", "delete from",
	"update ", "insert into", "alter table", "create table", "create database",
}

var (
	fenceOpen  = regexp.MustCompile("^```(sql)?\n?")
	fenceClose = regexp.MustCompile("\n?```$")
	blankLines = regexp.MustCompile(`\n\s*\n`)
)

// Clean strips markdown code fences and collapses blank lines. LLM
// output wraps statements in ```sql fences despite every instruction not
// to.
func Clean(sql string) string {
	s := strings.TrimSpace(sql)
	if strings.HasPrefix(s, "```") {
		s = fenceOpen.ReplaceAllString(s, "")
		s = fenceClose.ReplaceAllString(s, "")
	}
	s = blankLines.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}

// Validate rejects anything that is not a plain SELECT or WITH query.
// The input should already be cleaned.
func Validate(sql string) error {
	lowered := strings.ToLower(strings.TrimSpace(sql))
	if lowered == "" {
		return &RejectedError{Reason: "SQL查询语句不能为空"}
	}
	for _, op := range dangerousOps {
		if strings.Contains(lowered, op) {
			return &RejectedError{Reason: fmt.Sprintf("不允许执行 %s 操作，仅支持查询操作", strings.ToUpper(strings.TrimSpace(op)))}
		}
	}
	if !strings.HasPrefix(lowered, "select") && !strings.HasPrefix(lowered, "with") {
		return &RejectedError{Reason: "仅支持 SELECT 查询语句"}
	}
	return nil
}

// ResultSet is one executed query's output, row-major.
type ResultSet struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Maps converts the result to one map per row, the shape the frontend
// consumes.
func (r *ResultSet) Maps() []map[string]any {
	out := make([]map[string]any, len(r.Rows))
	for i, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for j, c := range r.Columns {
			if j < len(row) {
				m[c] = row[j]
			}
		}
		out[i] = m
	}
	return out
}

// Service cleans, validates, and executes statements. Files is only
// needed for Export.
type Service struct {
	Repo  storage.Repository
	Files *fileregistry.Registry
}

// Execute runs one read-only statement and returns its rows.
func (s *Service) Execute(ctx context.Context, raw string) (*ResultSet, error) {
	cleaned := Clean(raw)
	if err := Validate(cleaned); err != nil {
		return nil, err
	}
	columns, rows, err := s.Repo.Query(ctx, cleaned)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	return &ResultSet{Columns: columns, Rows: rows}, nil
}

// Export runs the statement and registers its rows as an xlsx workbook,
// returning the file record for download.
func (s *Service) Export(ctx context.Context, raw string) (*storage.FileRecord, error) {
	rs, err := s.Execute(ctx, raw)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()
	const sheet = "results"
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, err
	}
	header := make([]any, len(rs.Columns))
	for i, c := range rs.Columns {
		header[i] = c
	}
	if err := setRow(f, sheet, 1, header); err != nil {
		return nil, err
	}
	for i, row := range rs.Rows {
		if err := setRow(f, sheet, i+2, formatCells(row)); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	name := fmt.Sprintf("query_export_%d.xlsx", time.Now().Unix())
	rec, err := s.Files.Save(ctx, name, exportContentType, buf)
	if err != nil {
		return nil, fmt.Errorf("register export: %w", err)
	}
	return rec, nil
}

func setRow(f *excelize.File, sheet string, line int, cells []any) error {
	ref, err := excelize.CoordinatesToCellName(1, line)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, ref, &cells)
}

// formatCells renders times the same way the JSON surface does, so the
// export and the on-screen result agree.
func formatCells(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		if t, ok := v.(time.Time); ok {
			out[i] = t.Format(time.RFC3339)
			continue
		}
		out[i] = v
	}
	return out
}
