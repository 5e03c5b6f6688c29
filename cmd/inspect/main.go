// Command inspect parses a tabular file the way the upload API would and
// reports what the service will see: sanitized column names, inferred
// column types, the structural signature, and (optionally) how the file
// lines up with a catalog dataset's unique-key columns.
//
// This command is intended for checking a report export before uploading
// it, without a database or a running server. It reads the whole file,
// infers types from a bounded sample of rows, and emits either:
//
//   - A human-readable report (default), or
//   - A JSON document (-json) for scripting.
//
// Supported input formats are detected from the filename extension and
// the leading bytes: CSV, Excel (.xlsx), and HTML tables.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"datadiff/internal/dataset"
	"datadiff/internal/parser"
	"datadiff/internal/parser/tabular"
	"datadiff/internal/schema"
)

// report is the machine-readable inspection result emitted with -json.
type report struct {
	Filename  string       `json:"filename"`
	Columns   []columnInfo `json:"columns"`
	RowCount  int          `json:"rowCount"`
	Signature string       `json:"signature"`

	// Dataset fields are populated only when -dataset is given.
	DatasetKey  string   `json:"datasetKey,omitempty"`
	TargetTable string   `json:"targetTable,omitempty"`
	KeyColumns  []string `json:"keyColumns,omitempty"`
	MissingKeys []string `json:"missingKeys,omitempty"`
	Degraded    bool     `json:"degraded,omitempty"`
}

type columnInfo struct {
	Raw  string `json:"raw"`
	Name string `json:"name"`
	Type string `json:"type"`
}

func main() {
	var (
		// flagFile is the local path of the export to inspect.
		flagFile = flag.String("file", "", "Path of the source file (CSV, Excel, or HTML table)")

		// flagDataset optionally names a catalog dataset to check the file
		// against. The report then includes the target table and whether
		// the dataset's unique-key columns are present.
		flagDataset = flag.String("dataset", "", "Catalog dataset key to check the file against")

		// flagRows bounds how many rows feed type inference. The full file
		// is still counted; only inference is sampled.
		flagRows = flag.Int("rows", 200, "Number of rows sampled for type inference")

		// flagHeaderRow pins the 1-based header row for Excel sources.
		// Zero uses the dataset's configured row, or automatic detection.
		flagHeaderRow = flag.Int("header-row", 0, "1-based Excel header row; 0 for automatic")

		// flagJSON switches output from the human-readable report to JSON.
		flagJSON = flag.Bool("json", false, "Emit a JSON report instead of text")
	)
	flag.Parse()

	if strings.TrimSpace(*flagFile) == "" {
		fmt.Fprintln(os.Stderr, "missing -file")
		flag.Usage()
		os.Exit(2)
	}

	var ds *dataset.Dataset
	if *flagDataset != "" {
		var err error
		ds, err = dataset.Get(*flagDataset)
		if err != nil {
			keys := make([]string, 0)
			for _, d := range dataset.All() {
				keys = append(keys, d.Key)
			}
			log.Fatalf("unknown dataset %q; known: %s", *flagDataset, strings.Join(keys, ", "))
		}
	}

	// Inspection should be fast and local; a stuck read fails the run
	// rather than hanging.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rep, err := inspect(ctx, *flagFile, ds, *flagRows, *flagHeaderRow)
	if err != nil {
		log.Fatalf("inspect: %v", err)
	}

	if *flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			log.Fatalf("encode report: %v", err)
		}
		return
	}
	printReport(os.Stdout, rep)
}

// inspect parses the file and assembles the report. A nil ds skips the
// dataset checks.
func inspect(ctx context.Context, path string, ds *dataset.Dataset, sampleRows, headerRow int) (*report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	opt := parser.Options{Filename: filepath.Base(path), HeaderRow: headerRow}
	if ds != nil && headerRow == 0 {
		opt.HeaderRow = ds.HeaderRow
	}

	stream, err := tabular.Open(ctx, f, opt)
	if err != nil {
		return nil, err
	}

	if sampleRows <= 0 {
		sampleRows = 200
	}
	var sample [][]any
	total := 0
	for row := range stream.C {
		if total < sampleRows {
			sample = append(sample, append([]any(nil), row.V...))
		}
		total++
		row.Free()
	}
	if err := stream.Wait(); err != nil {
		return nil, err
	}

	specs := schema.InferTypes(stream.Columns, sample)
	cols := make([]columnInfo, len(specs))
	for i, spec := range specs {
		cols[i] = columnInfo{Raw: stream.Raw[i], Name: spec.Name, Type: spec.Type}
	}

	rep := &report{
		Filename:  filepath.Base(path),
		Columns:   cols,
		RowCount:  total,
		Signature: schema.Signature(stream.Columns),
	}

	if ds != nil {
		rep.DatasetKey = ds.Key
		rep.TargetTable = ds.Table
		rep.KeyColumns = ds.UniqueColumns
		rep.Degraded = !ds.Keyed()
		have := make(map[string]bool, len(stream.Columns))
		for _, c := range stream.Columns {
			have[c] = true
		}
		for _, k := range ds.UniqueColumns {
			if !have[k] {
				rep.MissingKeys = append(rep.MissingKeys, k)
			}
		}
	}
	return rep, nil
}

func printReport(w *os.File, rep *report) {
	fmt.Fprintf(w, "file:      %s\n", rep.Filename)
	fmt.Fprintf(w, "rows:      %d\n", rep.RowCount)
	fmt.Fprintf(w, "signature: %s\n", rep.Signature)
	fmt.Fprintln(w, "columns:")
	for _, c := range rep.Columns {
		fmt.Fprintf(w, "  %-30s %-10s (%s)\n", c.Name, c.Type, c.Raw)
	}
	if rep.DatasetKey == "" {
		return
	}
	fmt.Fprintf(w, "dataset:   %s -> %s\n", rep.DatasetKey, rep.TargetTable)
	switch {
	case rep.Degraded:
		fmt.Fprintln(w, "keys:      none configured; diffing would use the first column")
	case len(rep.MissingKeys) > 0:
		fmt.Fprintf(w, "keys:      MISSING %s\n", strings.Join(rep.MissingKeys, ", "))
	default:
		fmt.Fprintf(w, "keys:      %s (all present)\n", strings.Join(rep.KeyColumns, ", "))
	}
}
