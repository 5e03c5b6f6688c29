// Package htmltable reads uploads that claim to be Excel workbooks but are
// actually HTML documents with a single <table>. Several network-management
// consoles export ".xls" files this way, so the upload path needs a fallback
// that treats them as tabular data rather than rejecting them.
package htmltable

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"datadiff/internal/faults"
	"datadiff/internal/ident"
	"datadiff/internal/parser"
)

// Open parses the first <table> in an HTML document. The document is fully
// materialized (goquery builds a DOM), so this path is only suitable for the
// modest report sizes these pseudo-Excel exports actually have.
func Open(ctx context.Context, src io.Reader, opt parser.Options) (*parser.Stream, error) {
	doc, err := goquery.NewDocumentFromReader(src)
	if err != nil {
		return nil, &faults.ParseError{Reason: fmt.Sprintf("parse html: %v", err)}
	}

	table := doc.Find("table").First()
	if table.Length() == 0 {
		return nil, &faults.ParseError{Reason: "html document has no table"}
	}

	var grid [][]string
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th, td").Each(func(_ int, cell *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(cell.Text()))
		})
		grid = append(grid, cells)
	})

	headerIdx := -1
	for i, cells := range grid {
		if !rowEmpty(cells) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil, &faults.ParseError{Reason: "empty file: table has no rows"}
	}

	hdr := grid[headerIdx]
	width := len(hdr)
	for width > 0 && hdr[width-1] == "" {
		width--
	}

	var keep []int
	var raw []string
	for i := 0; i < width; i++ {
		if hdr[i] == "" {
			continue
		}
		keep = append(keep, i)
		raw = append(raw, hdr[i])
	}
	if len(keep) == 0 {
		return nil, &faults.ParseError{Reason: "no header row detected"}
	}
	columns := ident.NormalizeAll(raw)

	s, rows, finish := parser.NewStream(columns, raw, opt.BufferSize())

	go func() {
		for i := headerIdx + 1; i < len(grid); i++ {
			cells := grid[i]
			if rowEmpty(cells) {
				continue
			}
			row := parser.GetRow(len(keep))
			row.Line = i + 1
			for t, si := range keep {
				if si >= len(cells) {
					continue
				}
				if cells[si] != "" {
					row.V[t] = cells[si]
				}
			}
			select {
			case rows <- row:
			case <-ctx.Done():
				row.Drop()
				finish(ctx.Err())
				return
			}
		}
		finish(nil)
	}()

	return s, nil
}

func rowEmpty(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
