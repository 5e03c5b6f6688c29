// Package tabular dispatches an upload to the right format reader.
//
// Format selection works on content, not on trust: the filename extension
// and content type are hints only, because the pseudo-Excel exports this
// service regularly receives are HTML or CSV files wearing a .xls name.
package tabular

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	"datadiff/internal/parser"
	"datadiff/internal/parser/csv"
	"datadiff/internal/parser/excel"
	"datadiff/internal/parser/htmltable"
)

// zipMagic is the local-file-header signature shared by every XLSX container.
var zipMagic = []byte{'P', 'K', 0x03, 0x04}

// Open sniffs the upload's leading bytes and opens the matching reader.
//
// Decision order:
//  1. ZIP magic means a real XLSX workbook.
//  2. A document starting with '<' (after whitespace / a UTF-8 BOM) is
//     treated as an HTML table export.
//  3. Everything else is CSV, the format the hints are least reliable about.
func Open(ctx context.Context, src io.Reader, opt parser.Options) (*parser.Stream, error) {
	br := bufio.NewReaderSize(src, 64*1024)

	head, err := br.Peek(512)
	if err != nil && err != io.EOF && len(head) == 0 {
		head = nil
	}

	switch {
	case bytes.HasPrefix(head, zipMagic):
		return excel.Open(ctx, br, opt)
	case looksLikeHTML(head):
		return htmltable.Open(ctx, br, opt)
	default:
		return csv.Open(ctx, br, opt)
	}
}

// OpenCloser is Open for sources that need closing once the stream is fully
// consumed, such as multipart file parts spooled to disk.
func OpenCloser(ctx context.Context, src io.ReadCloser, opt parser.Options) (*parser.Stream, error) {
	s, err := Open(ctx, src, opt)
	if err != nil {
		src.Close()
		return nil, err
	}
	go func() {
		<-s.Done()
		src.Close()
	}()
	return s, nil
}

func looksLikeHTML(head []byte) bool {
	head = bytes.TrimPrefix(head, []byte{0xEF, 0xBB, 0xBF})
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '<' {
		return false
	}
	lower := strings.ToLower(string(trimmed))
	for _, p := range []string{"<!doctype", "<html", "<table", "<head", "<body", "<meta"} {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}
