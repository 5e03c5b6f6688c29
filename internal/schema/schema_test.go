package schema

import (
	"context"
	"testing"

	"datadiff/internal/faults"
	"datadiff/internal/storage"
)

// fakeRepo implements the slice of storage.Repository that Resolve uses.
type fakeRepo struct {
	storage.Repository

	sig     *storage.SignatureRecord
	created []storage.TableSpec
	widened map[string][]storage.ColumnSpec
}

func (f *fakeRepo) GetSignature(_ context.Context, key string) (*storage.SignatureRecord, error) {
	if f.sig == nil {
		return nil, &faults.NotFound{Kind: "signature", ID: key}
	}
	cp := *f.sig
	return &cp, nil
}

func (f *fakeRepo) UpsertSignature(_ context.Context, rec storage.SignatureRecord) error {
	f.sig = &rec
	return nil
}

func (f *fakeRepo) EnsureTable(_ context.Context, spec storage.TableSpec) error {
	f.created = append(f.created, spec)
	return nil
}

func (f *fakeRepo) AddColumns(_ context.Context, table string, cols []storage.ColumnSpec) error {
	if f.widened == nil {
		f.widened = map[string][]storage.ColumnSpec{}
	}
	f.widened[table] = append(f.widened[table], cols...)
	return nil
}

func text(names ...string) []storage.ColumnSpec {
	out := make([]storage.ColumnSpec, len(names))
	for i, n := range names {
		out[i] = storage.ColumnSpec{Name: n, Type: "text"}
	}
	return out
}

func TestSignature_OrderInsensitive(t *testing.T) {
	t.Parallel()

	a := Signature([]string{"onu_id", "zhuang_tai", "su_lv"})
	b := Signature([]string{"su_lv", "onu_id", "zhuang_tai"})
	if a != b {
		t.Error("signature must not depend on column order")
	}
	if len(a) != 64 {
		t.Errorf("signature length = %d, want 64 hex chars", len(a))
	}
	if a == Signature([]string{"onu_id", "zhuang_tai"}) {
		t.Error("different column sets must differ")
	}
	// Concatenation ambiguity: {"ab","c"} vs {"a","bc"}.
	if Signature([]string{"ab", "c"}) == Signature([]string{"a", "bc"}) {
		t.Error("column boundaries lost in canonical form")
	}
}

func TestInferTypes(t *testing.T) {
	t.Parallel()

	columns := []string{"id", "count", "rate", "when", "flag", "name", "empty"}
	samples := [][]any{
		{"a1", "12", "0.5", "2026-08-12 10:00:00", "true", "olt-a", nil},
		{"a2", "7", "1", "2026-08-13", "false", "深圳", nil},
		{"a3", nil, "-3.25", "2026/08/14", "true", "x", nil},
	}
	specs := InferTypes(columns, samples)

	want := map[string]string{
		"id":    "text",
		"count": "bigint",
		"rate":  "double precision",
		"when":  "timestamp",
		"flag":  "boolean",
		"name":  "text",
		"empty": "text",
	}
	for _, s := range specs {
		if s.Type != want[s.Name] {
			t.Errorf("%s inferred %q, want %q", s.Name, s.Type, want[s.Name])
		}
	}
}

func TestInferTypes_MixedStaysText(t *testing.T) {
	t.Parallel()

	specs := InferTypes([]string{"c"}, [][]any{{"12"}, {"abc"}})
	if specs[0].Type != "text" {
		t.Errorf("mixed column inferred %q, want text", specs[0].Type)
	}
}

func TestResolve_CreatesOnFirstImport(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{}
	g := &Registry{Repo: repo}

	cols := text("onu_id", "zhuang_tai")
	res, err := g.Resolve(context.Background(), "wangguan_onu", "wangguan_onu_data", cols)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !res.IsNew || res.Table != "wangguan_onu_data" {
		t.Fatalf("res = %+v", res)
	}
	if len(repo.created) != 1 || repo.created[0].Name != "wangguan_onu_data" {
		t.Fatalf("created = %+v", repo.created)
	}
	if repo.sig == nil || repo.sig.Signature != Signature([]string{"onu_id", "zhuang_tai"}) {
		t.Fatalf("signature not stored: %+v", repo.sig)
	}
}

func TestResolve_ReusesOnMatch(t *testing.T) {
	t.Parallel()

	cols := text("onu_id", "zhuang_tai")
	repo := &fakeRepo{sig: &storage.SignatureRecord{
		DatasetKey: "wangguan_onu",
		Signature:  Signature([]string{"onu_id", "zhuang_tai"}),
		Table:      "wangguan_onu_data",
		Columns:    cols,
	}}
	g := &Registry{Repo: repo}

	// Same structure, different column order.
	res, err := g.Resolve(context.Background(), "wangguan_onu", "wangguan_onu_data", text("zhuang_tai", "onu_id"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.IsNew || len(res.Added) != 0 {
		t.Fatalf("res = %+v, want plain reuse", res)
	}
	if len(repo.created) != 0 {
		t.Error("no table should be created on match")
	}
}

func TestResolve_WidensOnSuperset(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{sig: &storage.SignatureRecord{
		DatasetKey: "wangguan_onu",
		Signature:  Signature([]string{"onu_id", "zhuang_tai"}),
		Table:      "wangguan_onu_data",
		Columns:    text("onu_id", "zhuang_tai"),
	}}
	g := &Registry{Repo: repo}

	upload := append(text("onu_id", "zhuang_tai"), storage.ColumnSpec{Name: "su_lv", Type: "bigint"})
	res, err := g.Resolve(context.Background(), "wangguan_onu", "wangguan_onu_data", upload)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.IsNew {
		t.Error("widening must not report a new table")
	}
	if len(res.Added) != 1 || res.Added[0] != "su_lv" {
		t.Fatalf("Added = %v", res.Added)
	}
	if got := repo.widened["wangguan_onu_data"]; len(got) != 1 || got[0].Name != "su_lv" {
		t.Fatalf("widened = %+v", repo.widened)
	}
	if len(res.Columns) != 3 || res.Columns[2].Name != "su_lv" {
		t.Fatalf("Columns = %+v", res.Columns)
	}
	// Stored signature must cover the merged set.
	if repo.sig.Signature != Signature([]string{"onu_id", "zhuang_tai", "su_lv"}) {
		t.Error("signature not recomputed over merged columns")
	}
}

func TestResolve_SubsetKeepsTable(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{sig: &storage.SignatureRecord{
		DatasetKey: "d",
		Signature:  Signature([]string{"a", "b", "c"}),
		Table:      "t",
		Columns:    text("a", "b", "c"),
	}}
	g := &Registry{Repo: repo}

	res, err := g.Resolve(context.Background(), "d", "t", text("a", "b"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Columns) != 3 {
		t.Fatalf("subset upload must keep full table columns: %+v", res.Columns)
	}
	if len(repo.widened) != 0 {
		t.Error("no widening expected for subset")
	}
}

func TestResolve_TypeClash(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{sig: &storage.SignatureRecord{
		DatasetKey: "d",
		Signature:  Signature([]string{"a", "n"}),
		Table:      "t",
		Columns: []storage.ColumnSpec{
			{Name: "a", Type: "text"},
			{Name: "n", Type: "bigint"},
		},
	}}
	g := &Registry{Repo: repo}

	// "n" arrives as free text now; bigint storage cannot absorb it.
	upload := []storage.ColumnSpec{
		{Name: "a", Type: "text"},
		{Name: "n", Type: "text"},
		{Name: "extra", Type: "text"},
	}
	_, err := g.Resolve(context.Background(), "d", "t", upload)
	if !faults.IsSchemaConflict(err) {
		t.Fatalf("err = %v, want SchemaConflictError", err)
	}
	if len(repo.widened) != 0 {
		t.Error("conflict must abort before widening")
	}
}

func TestResolve_NumericWideningIsCompatible(t *testing.T) {
	t.Parallel()

	repo := &fakeRepo{sig: &storage.SignatureRecord{
		DatasetKey: "d",
		Signature:  Signature([]string{"n"}),
		Table:      "t",
		Columns:    []storage.ColumnSpec{{Name: "n", Type: "double precision"}},
	}}
	g := &Registry{Repo: repo}

	_, err := g.Resolve(context.Background(), "d", "t", []storage.ColumnSpec{{Name: "n", Type: "bigint"}})
	if err != nil {
		t.Fatalf("bigint into double precision must be compatible: %v", err)
	}
}
