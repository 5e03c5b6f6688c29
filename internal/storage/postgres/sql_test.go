package postgres

import (
	"strings"
	"testing"

	"datadiff/internal/storage"
)

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name: "wangguan_onu_data",
		Columns: []storage.ColumnSpec{
			{Name: "onu_id", Type: "text"},
			{Name: "zhuang_tai", Type: "text"},
			{Name: "duan_kou_shu", Type: "bigint"},
		},
	}
	sql := buildCreateTableSQL(spec)

	if !strings.Contains(sql, `CREATE TABLE IF NOT EXISTS "wangguan_onu_data"`) {
		t.Fatalf("missing CREATE TABLE: %q", sql)
	}
	if !strings.Contains(sql, `"_row_id" bigserial PRIMARY KEY`) {
		t.Fatalf("missing surrogate key: %q", sql)
	}
	if !strings.Contains(sql, `"onu_id" text`) || !strings.Contains(sql, `"duan_kou_shu" bigint`) {
		t.Fatalf("missing column definitions: %q", sql)
	}
}

func TestBuildCreateTableSQL_UnknownTypeFallsBackToText(t *testing.T) {
	t.Parallel()

	sql := buildCreateTableSQL(storage.TableSpec{
		Name:    "t",
		Columns: []storage.ColumnSpec{{Name: "c", Type: "weird"}},
	})
	if !strings.Contains(sql, `"c" text`) {
		t.Fatalf("unknown type must map to text: %q", sql)
	}
}

func TestBuildAddColumnSQL(t *testing.T) {
	t.Parallel()

	sql := buildAddColumnSQL("t", storage.ColumnSpec{Name: "new_col", Type: "timestamp"})
	if !strings.Contains(sql, `ALTER TABLE "t" ADD COLUMN IF NOT EXISTS "new_col" timestamptz`) {
		t.Fatalf("bad ALTER: %q", sql)
	}
}

func TestBuildInsertSQL_PlaceholderNumbering(t *testing.T) {
	t.Parallel()

	sql, args := buildInsertSQL("t", []string{"a", "b"}, [][]any{
		{"1", "2"},
		{"3", "4"},
	})
	if !strings.Contains(sql, `INSERT INTO "t" ("a", "b") VALUES ($1, $2), ($3, $4);`) {
		t.Fatalf("bad insert: %q", sql)
	}
	if len(args) != 4 || args[2] != "3" {
		t.Fatalf("args = %v", args)
	}
}

func TestBuildUpdateSQL(t *testing.T) {
	t.Parallel()

	columns := []string{"onu_id", "zhuang_tai", "su_lv"}
	row := []any{"X1", "offline", "100"}
	sql, args := buildUpdateSQL("wangguan_onu_data", columns, []string{"onu_id"}, row)

	if !strings.Contains(sql, `UPDATE "wangguan_onu_data" SET "zhuang_tai" = $1, "su_lv" = $2`) {
		t.Fatalf("bad SET clause: %q", sql)
	}
	if !strings.Contains(sql, `WHERE "onu_id" IS NOT DISTINCT FROM $3`) {
		t.Fatalf("bad WHERE clause: %q", sql)
	}
	want := []any{"offline", "100", "X1"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg %d = %v, want %v", i, args[i], want[i])
		}
	}
}

func TestBuildUpdateSQL_CompositeKey(t *testing.T) {
	t.Parallel()

	columns := []string{"wang_yuan_ip", "pon_duan_kou", "shi_yong_shu"}
	row := []any{"10.0.0.1", "0/1/1", "12"}
	sql, args := buildUpdateSQL("t", columns, []string{"wang_yuan_ip", "pon_duan_kou"}, row)

	if !strings.Contains(sql, `SET "shi_yong_shu" = $1`) {
		t.Fatalf("bad SET: %q", sql)
	}
	if !strings.Contains(sql, `"wang_yuan_ip" IS NOT DISTINCT FROM $2 AND "pon_duan_kou" IS NOT DISTINCT FROM $3`) {
		t.Fatalf("bad WHERE: %q", sql)
	}
	if args[1] != "10.0.0.1" || args[2] != "0/1/1" {
		t.Fatalf("args = %v", args)
	}
}

func TestBuildDeleteSQL(t *testing.T) {
	t.Parallel()

	sql, args := buildDeleteSQL("t", []string{"k1", "k2"}, [][]any{
		{"a", "b"},
		{"c", nil},
	})
	if !strings.Contains(sql, `DELETE FROM "t" WHERE ("k1" IS NOT DISTINCT FROM $1 AND "k2" IS NOT DISTINCT FROM $2) OR ("k1" IS NOT DISTINCT FROM $3 AND "k2" IS NOT DISTINCT FROM $4);`) {
		t.Fatalf("bad delete: %q", sql)
	}
	if len(args) != 4 || args[3] != nil {
		t.Fatalf("args = %v", args)
	}
}

func TestBuildSelectSQL(t *testing.T) {
	t.Parallel()

	sql := buildSelectSQL("t", []string{"a", "b"})
	if sql != `SELECT "a", "b" FROM "t";` {
		t.Fatalf("bad select: %q", sql)
	}
}

func TestPgIdent_EscapesQuotes(t *testing.T) {
	t.Parallel()

	if got := pgIdent(`we"ird`); got != `"we""ird"` {
		t.Fatalf("pgIdent = %q", got)
	}
}
