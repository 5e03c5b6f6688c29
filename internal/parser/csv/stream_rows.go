// Package csv reads CSV uploads into parser streams.
//
// Input encoding is not trusted: exports from the upstream network
// management tools arrive as UTF-8, UTF-8 with BOM, UTF-16 with BOM, or
// GB18030 (the common legacy case for Chinese-language systems). The
// reader sniffs a bounded prefix and transparently decodes before the CSV
// layer ever sees a byte.
package csv

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"datadiff/internal/faults"
	"datadiff/internal/ident"
	"datadiff/internal/parser"
)

// sniffLen bounds how many bytes we inspect for encoding detection.
const sniffLen = 4096

// Open reads the header synchronously, then streams data rows on the
// returned Stream. src is not closed; the caller owns it.
func Open(ctx context.Context, src io.Reader, opt parser.Options) (*parser.Stream, error) {
	br := bufio.NewReaderSize(src, sniffLen)

	dec, err := detectEncoding(br)
	if err != nil {
		return nil, err
	}

	var r io.Reader = br
	if dec != nil {
		r = transform.NewReader(br, dec.NewDecoder())
	}

	cr := csv.NewReader(r)
	cr.Comma = opt.Delim()
	cr.ReuseRecord = true
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	var line int
	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	// Header: first record with at least one non-empty cell.
	var hdr []string
	for {
		rec, err := readRec()
		if err == io.EOF {
			return nil, &faults.ParseError{Reason: "empty file: no header row"}
		}
		if err != nil {
			return nil, &faults.ParseError{Reason: fmt.Sprintf("read header: %v", err), Line: line}
		}
		if !recordEmpty(rec) {
			hdr = append([]string(nil), rec...)
			break
		}
	}

	// Trailing empty header cells define the effective width.
	width := len(hdr)
	for width > 0 && strings.TrimSpace(hdr[width-1]) == "" {
		width--
	}
	if width == 0 {
		return nil, &faults.ParseError{Reason: "no header row detected", Line: line}
	}
	raw := make([]string, width)
	for i := range raw {
		raw[i] = strings.TrimSpace(hdr[i])
	}
	columns := ident.NormalizeAll(raw)

	s, rows, finish := parser.NewStream(columns, raw, opt.BufferSize())

	go func() {
		for {
			select {
			case <-ctx.Done():
				finish(ctx.Err())
				return
			default:
			}

			rec, err := readRec()
			if err == io.EOF {
				finish(nil)
				return
			}
			if err != nil {
				finish(&faults.ParseError{Reason: fmt.Sprintf("csv read: %v", err), Line: line})
				return
			}
			if recordEmpty(rec) {
				continue
			}

			row := parser.GetRow(width)
			row.Line = line
			for i := 0; i < width; i++ {
				if i >= len(rec) {
					continue
				}
				v := strings.TrimSpace(rec[i])
				if v != "" {
					row.V[i] = v
				}
			}

			select {
			case rows <- row:
			case <-ctx.Done():
				// Do not re-pool on cancellation.
				row.Drop()
				finish(ctx.Err())
				return
			}
		}
	}()

	return s, nil
}

func recordEmpty(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// detectEncoding peeks at the stream and picks a decoder. A nil decoder
// means the bytes are already valid UTF-8. BOMs are consumed here for
// UTF-8; the UTF-16 decoders consume their own.
func detectEncoding(br *bufio.Reader) (encoding.Encoding, error) {
	head, err := br.Peek(sniffLen)
	if err != nil && err != io.EOF {
		return nil, &faults.ParseError{Reason: fmt.Sprintf("read: %v", err)}
	}
	if len(head) == 0 {
		return nil, &faults.ParseError{Reason: "empty file"}
	}

	switch {
	case len(head) >= 3 && head[0] == 0xEF && head[1] == 0xBB && head[2] == 0xBF:
		br.Discard(3)
		return nil, nil
	case len(head) >= 2 && head[0] == 0xFF && head[1] == 0xFE:
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), nil
	case len(head) >= 2 && head[0] == 0xFE && head[1] == 0xFF:
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM), nil
	}

	// Trim a possibly-truncated trailing rune before validating, so a
	// multibyte sequence cut by the peek window is not misread as GB18030.
	probe := head
	for i := 0; i < 3 && len(probe) > 0; i++ {
		if utf8.Valid(probe) {
			return nil, nil
		}
		probe = probe[:len(probe)-1]
	}
	if utf8.Valid(probe) {
		return nil, nil
	}
	return simplifiedchinese.GB18030, nil
}
