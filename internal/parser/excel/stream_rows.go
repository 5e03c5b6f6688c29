// Package excel reads XLSX uploads into parser streams.
//
// Real-world sheets rarely start with the header: network-management
// exports put report banners and filter descriptions in the first rows
// (the upstream tools emit the header around row 8). The reader therefore
// scans a small window of leading rows and picks the most header-like one,
// unless the dataset pins an explicit header row.
package excel

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"datadiff/internal/faults"
	"datadiff/internal/ident"
	"datadiff/internal/parser"
)

// headerScanRows is how many leading rows are considered during automatic
// header detection.
const headerScanRows = 10

// Open parses the first sheet of an XLSX stream. The whole file is
// buffered by excelize (ZIP containers cannot be read incrementally), but
// rows are delivered one at a time so downstream stays bounded.
func Open(ctx context.Context, src io.Reader, opt parser.Options) (*parser.Stream, error) {
	f, err := excelize.OpenReader(src)
	if err != nil {
		return nil, &faults.ParseError{Reason: fmt.Sprintf("open xlsx: %v", err)}
	}

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		f.Close()
		return nil, &faults.ParseError{Reason: "xlsx has no sheets"}
	}
	sheet := sheets[0]

	iter, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return nil, &faults.ParseError{Reason: fmt.Sprintf("sheet %s: %v", sheet, err)}
	}

	// Buffer the scan window and locate the header.
	var window [][]string
	scan := headerScanRows
	if opt.HeaderRow > 0 {
		scan = opt.HeaderRow
	}
	for len(window) < scan && iter.Next() {
		cells, err := iter.Columns()
		if err != nil {
			iter.Close()
			f.Close()
			return nil, &faults.ParseError{Reason: fmt.Sprintf("sheet %s row %d: %v", sheet, len(window)+1, err), Line: len(window) + 1}
		}
		window = append(window, cells)
	}
	if len(window) == 0 {
		iter.Close()
		f.Close()
		return nil, &faults.ParseError{Reason: "empty file: sheet has no rows"}
	}

	headerIdx := -1
	if opt.HeaderRow > 0 {
		if opt.HeaderRow <= len(window) {
			headerIdx = opt.HeaderRow - 1
		}
	} else {
		headerIdx = detectHeaderRow(window)
	}
	if headerIdx < 0 || headerScore(window[headerIdx]) == 0 {
		iter.Close()
		f.Close()
		return nil, &faults.ParseError{Reason: "no header row detected in leading rows"}
	}

	hdr := window[headerIdx]
	width := len(hdr)
	for width > 0 && strings.TrimSpace(hdr[width-1]) == "" {
		width--
	}

	// Keep only columns with a non-empty header within the effective width.
	var keep []int
	var raw []string
	for i := 0; i < width; i++ {
		if strings.TrimSpace(hdr[i]) == "" {
			continue
		}
		keep = append(keep, i)
		raw = append(raw, strings.TrimSpace(hdr[i]))
	}
	if len(keep) == 0 {
		iter.Close()
		f.Close()
		return nil, &faults.ParseError{Reason: "no header row detected"}
	}
	columns := ident.NormalizeAll(raw)

	s, rows, finish := parser.NewStream(columns, raw, opt.BufferSize())

	emit := func(cells []string, line int) bool {
		if rowEmpty(cells) {
			return true
		}
		row := parser.GetRow(len(keep))
		row.Line = line
		for t, si := range keep {
			if si >= len(cells) {
				continue
			}
			v := strings.TrimSpace(cells[si])
			if v != "" {
				row.V[t] = v
			}
		}
		select {
		case rows <- row:
			return true
		case <-ctx.Done():
			row.Drop()
			return false
		}
	}

	go func() {
		defer iter.Close()
		defer f.Close()

		line := headerIdx + 1

		// Buffered rows after the header first.
		for i := headerIdx + 1; i < len(window); i++ {
			line++
			if !emit(window[i], line) {
				finish(ctx.Err())
				return
			}
		}
		for iter.Next() {
			select {
			case <-ctx.Done():
				finish(ctx.Err())
				return
			default:
			}
			line++
			cells, err := iter.Columns()
			if err != nil {
				finish(&faults.ParseError{Reason: fmt.Sprintf("sheet %s row %d: %v", sheet, line, err), Line: line})
				return
			}
			if !emit(cells, line) {
				finish(ctx.Err())
				return
			}
		}
		finish(iter.Error())
	}()

	return s, nil
}

// detectHeaderRow picks the window row with the highest count of
// non-empty, distinct cells, weighted toward earlier rows: a later row
// displaces the current pick only by more than doubling its score.
// Banner rows (one merged cell, score 1) still lose to the real header
// below them, while a header with embedded empty cells is not displaced
// by a fuller data row underneath it.
func detectHeaderRow(window [][]string) int {
	best, bestScore := -1, 0
	for i, cells := range window {
		if s := headerScore(cells); s > 2*bestScore {
			best, bestScore = i, s
		}
	}
	return best
}

func headerScore(cells []string) int {
	seen := make(map[string]struct{}, len(cells))
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		seen[c] = struct{}{}
	}
	return len(seen)
}

func rowEmpty(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
