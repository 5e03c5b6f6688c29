package diff

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// CellChange is one changed cell of an updated row.
type CellChange struct {
	Column string
	Before any
	After  any
}

// UpdatedRow pairs an incoming row with the stored row it replaces.
type UpdatedRow struct {
	Key     string
	Before  []any
	After   []any
	Changes []CellChange
}

// reportInput collects everything the exported workbook shows.
type reportInput struct {
	RawHeader []string
	Columns   []string
	Added     [][]any
	Updated   []UpdatedRow

	// correction sheets, kehu_fuwu only
	Correction       bool
	CorrectionErrors []correctionError
	CorrectionBefore [][]any
	CorrectionAfter  [][]any
	CorrectionEdits  []map[int]bool // per CorrectionAfter row: changed cell indexes
}

// buildReport renders the audit workbook. Sheet layout:
//   - "added": one row per inserted record.
//   - "updated": two rows per changed record (before, then after),
//     changed cells highlighted on both.
//   - correction datasets add "correction_errors", "correction_before"
//     and "correction_after" (changed cells highlighted).
func buildReport(in reportInput) (*excelize.File, error) {
	f := excelize.NewFile()

	highlight, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"FFEB9C"}},
		Font: &excelize.Font{Color: "9C6500"},
	})
	if err != nil {
		return nil, err
	}

	if err := writeAddedSheet(f, in); err != nil {
		return nil, err
	}
	if err := writeUpdatedSheet(f, in, highlight); err != nil {
		return nil, err
	}
	if in.Correction {
		if err := writeCorrectionSheets(f, in, highlight); err != nil {
			return nil, err
		}
	}

	// The default sheet excelize creates is replaced by "added".
	f.SetActiveSheet(0)
	return f, nil
}

func writeAddedSheet(f *excelize.File, in reportInput) error {
	const sheet = "added"
	def := f.GetSheetName(0)
	if err := f.SetSheetName(def, sheet); err != nil {
		return err
	}
	if err := setRow(f, sheet, 1, headerCells(in.RawHeader)); err != nil {
		return err
	}
	for i, row := range in.Added {
		if err := setRow(f, sheet, i+2, row); err != nil {
			return err
		}
	}
	return nil
}

func writeUpdatedSheet(f *excelize.File, in reportInput, highlight int) error {
	const sheet = "updated"
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}

	hdr := append([]any{"版本"}, headerCells(in.RawHeader)...)
	if err := setRow(f, sheet, 1, hdr); err != nil {
		return err
	}

	colIdx := make(map[string]int, len(in.Columns))
	for i, c := range in.Columns {
		colIdx[c] = i
	}

	line := 2
	for _, u := range in.Updated {
		before := append([]any{"before"}, u.Before...)
		after := append([]any{"after"}, u.After...)
		if err := setRow(f, sheet, line, before); err != nil {
			return err
		}
		if err := setRow(f, sheet, line+1, after); err != nil {
			return err
		}
		for _, ch := range u.Changes {
			i, ok := colIdx[ch.Column]
			if !ok {
				continue
			}
			// +2: one for the version column, one for 1-based cells.
			for _, r := range []int{line, line + 1} {
				cell, err := excelize.CoordinatesToCellName(i+2, r)
				if err != nil {
					return err
				}
				if err := f.SetCellStyle(sheet, cell, cell, highlight); err != nil {
					return err
				}
			}
		}
		line += 2
	}
	return nil
}

func writeCorrectionSheets(f *excelize.File, in reportInput, highlight int) error {
	errSheet := "correction_errors"
	if _, err := f.NewSheet(errSheet); err != nil {
		return err
	}
	if err := setRow(f, errSheet, 1, append([]any{"行号", "错误"}, headerCells(in.RawHeader)...)); err != nil {
		return err
	}
	for i, ce := range in.CorrectionErrors {
		row := append([]any{ce.Line, ce.Reason}, ce.Row...)
		if err := setRow(f, errSheet, i+2, row); err != nil {
			return err
		}
	}

	for _, s := range []struct {
		name string
		rows [][]any
	}{
		{"correction_before", in.CorrectionBefore},
		{"correction_after", in.CorrectionAfter},
	} {
		if _, err := f.NewSheet(s.name); err != nil {
			return err
		}
		if err := setRow(f, s.name, 1, headerCells(in.RawHeader)); err != nil {
			return err
		}
		for i, row := range s.rows {
			if err := setRow(f, s.name, i+2, row); err != nil {
				return err
			}
		}
	}

	// Highlight harmonized cells on the after sheet.
	for i, edits := range in.CorrectionEdits {
		for col := range edits {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellStyle("correction_after", cell, cell, highlight); err != nil {
				return err
			}
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, line int, cells []any) error {
	ref, err := excelize.CoordinatesToCellName(1, line)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheet, ref, &cells)
}

func headerCells(raw []string) []any {
	out := make([]any, len(raw))
	for i, h := range raw {
		out[i] = h
	}
	return out
}

// reportFilename names the workbook after the dataset and timestamp.
func reportFilename(datasetKey string, unix int64) string {
	return fmt.Sprintf("diff_report_%s_%d.xlsx", datasetKey, unix)
}
