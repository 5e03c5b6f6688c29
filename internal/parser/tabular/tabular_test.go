package tabular

import (
	"bytes"
	"context"
	"io"
	"runtime"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"

	"datadiff/internal/parser"
)

func drain(t *testing.T, s *parser.Stream) int {
	t.Helper()
	var n int
	for row := range s.C {
		n++
		row.Free()
	}
	if err := s.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return n
}

func TestOpen_SniffsCSV(t *testing.T) {
	t.Parallel()

	// Named .xls, actually CSV. Content wins over the extension.
	s, err := Open(context.Background(), strings.NewReader("id,name\n1,a\n2,b\n"),
		parser.Options{Filename: "report.xls", ContentType: "application/vnd.ms-excel"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.Columns) != 2 || s.Columns[0] != "id" {
		t.Fatalf("columns = %v", s.Columns)
	}
	if n := drain(t, s); n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
}

func TestOpen_SniffsXLSX(t *testing.T) {
	t.Parallel()

	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	hdr := []any{"id", "name"}
	row := []any{"1", "a"}
	if err := f.SetSheetRow(sheet, "A1", &hdr); err != nil {
		t.Fatal(err)
	}
	if err := f.SetSheetRow(sheet, "A2", &row); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatal(err)
	}
	f.Close()

	s, err := Open(context.Background(), bytes.NewReader(buf.Bytes()), parser.Options{Filename: "data.csv"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.Columns) != 2 {
		t.Fatalf("columns = %v", s.Columns)
	}
	if n := drain(t, s); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestOpen_SniffsHTML(t *testing.T) {
	t.Parallel()

	doc := "\n  <html><body><table><tr><th>id</th></tr><tr><td>9</td></tr></table></body></html>"
	s, err := Open(context.Background(), strings.NewReader(doc), parser.Options{Filename: "export.xls"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Columns[0] != "id" {
		t.Fatalf("columns = %v", s.Columns)
	}
	if n := drain(t, s); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestOpen_AngleBracketDataIsNotHTML(t *testing.T) {
	t.Parallel()

	// A CSV whose first cell merely starts with '<' must not be routed
	// to the HTML reader.
	s, err := Open(context.Background(), strings.NewReader("<10ms,count\nyes,4\n"), parser.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n := drain(t, s); n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

type closeTracker struct {
	io.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestOpenCloser_ClosesAfterDrain(t *testing.T) {
	t.Parallel()

	src := &closeTracker{Reader: strings.NewReader("id\n1\n")}
	s, err := OpenCloser(context.Background(), src, parser.Options{})
	if err != nil {
		t.Fatalf("OpenCloser: %v", err)
	}
	drain(t, s)
	<-s.Done()
	// The closing goroutine races the drain by a scheduler tick at most.
	for i := 0; i < 100 && !src.closed; i++ {
		runtime.Gosched()
	}
	if !src.closed {
		t.Fatal("source not closed after stream completion")
	}
}
