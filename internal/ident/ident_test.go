package ident

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"ONU ID", "onu_id"},
		{"  Status  ", "status"},
		{"网元IP", "wang_yuan_ip"},
		{"子图", "zi_tu"},
		{"网元名称", "wang_yuan_ming_cheng"},
		{"PON端口使用数", "pon_duan_kou_shi_yong_shu"},
		{"空闲槽位数(%)", "kong_xian_cao_wei_shu"},
		{"first-name", "first_name"},
		{"a.b/c", "a_b_c"},
		{"2024列", "c_2024_lie"},
		{"", ""},
		{"%", ""},
		{"\ufeffonu_id", "onu_id"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeAll_Dedupe(t *testing.T) {
	t.Parallel()

	got := NormalizeAll([]string{"Status", "status", "STATUS", ""})
	want := []string{"status", "status_1", "status_2", "col_4"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NormalizeAll[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestNormalizeAll_SuffixSkipsClaimedNames(t *testing.T) {
	t.Parallel()

	// A later duplicate must not land on a name an earlier header
	// already produced.
	got := NormalizeAll([]string{"a", "a_1", "a"})
	want := []string{"a", "a_1", "a_2"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NormalizeAll[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestNormalizeAll_NoDuplicates(t *testing.T) {
	t.Parallel()

	in := []string{"网元IP", "网元ip", "a b", "a_b", "a-b"}
	got := NormalizeAll(in)
	if len(got) != len(in) {
		t.Fatalf("length mismatch: %d != %d", len(got), len(in))
	}
	seen := map[string]bool{}
	for _, n := range got {
		if n == "" {
			t.Fatalf("empty identifier in %v", got)
		}
		if seen[n] {
			t.Fatalf("duplicate identifier %q in %v", n, got)
		}
		seen[n] = true
	}
}

func TestTruncate_UTF8Boundary(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("ab", 40)
	if got := Truncate(long); len(got) != MaxLen {
		t.Fatalf("Truncate ascii: len=%d, want %d", len(got), MaxLen)
	}

	// Multibyte content must not be cut mid-rune.
	han := strings.Repeat("网", 30) // 90 bytes
	got := Truncate(han)
	if len(got) > MaxLen {
		t.Fatalf("Truncate exceeded limit: %d", len(got))
	}
	for _, r := range got {
		if r == '�' {
			t.Fatalf("Truncate produced invalid UTF-8: %q", got)
		}
	}
}
