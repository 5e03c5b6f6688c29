package storage

import "testing"

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"", ""},
		{"  olt-a  ", "olt-a"},
		{[]byte("olt-a"), "olt-a"},
		{"12", "12"},
		{"12.0", "12"},
		{"012", "12"},
		{int64(12), "12"},
		{12, "12"},
		{float64(12), "12"},
		{12.5, "12.5"},
		{"-3.50", "-3.5"},
		{true, "true"},
		{"深圳-A栋", "深圳-A栋"},
		{"1.2.3", "1.2.3"},   // not a number, passes through
		{"0/1/1", "0/1/1"},   // port paths stay literal
		{"+86-755", "+86-755"},
		// Integers past float64 precision keep every digit.
		{"123456789012345678", "123456789012345678"},
		{"+123456789012345678", "123456789012345678"},
		{"000123456789012345678", "123456789012345678"},
		{"-99999999999999999999", "-99999999999999999999"},
		{"0000", "0"},
		{"-0", "0"},
	}
	for _, c := range cases {
		if got := NormalizeKey(c.in); got != c.want {
			t.Errorf("NormalizeKey(%#v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestEqualCell(t *testing.T) {
	t.Parallel()

	if !EqualCell(nil, "") {
		t.Error("nil and empty string must compare equal")
	}
	if !EqualCell("12", int64(12)) {
		t.Error("numeric spellings must compare by value")
	}
	if !EqualCell("12.0", "12") {
		t.Error("12.0 and 12 must compare equal")
	}
	if EqualCell("online", "offline") {
		t.Error("distinct text compared equal")
	}
	if EqualCell("12", "13") {
		t.Error("distinct numbers compared equal")
	}
	if EqualCell("123456789012345678", "123456789012345679") {
		t.Error("adjacent long IDs compared equal")
	}
	if !EqualCell("0123456789012345678901", "123456789012345678901") {
		t.Error("leading zeros must not split long IDs")
	}
}

func TestKeyTuple(t *testing.T) {
	t.Parallel()

	if KeyTuple([]any{"a"}) != "a" {
		t.Error("single-element tuple must be the bare key")
	}
	if KeyTuple([]any{"a", "b,c"}) == KeyTuple([]any{"a,b", "c"}) {
		t.Error("tuple boundaries lost")
	}
	if KeyTuple([]any{"x", int64(7)}) != KeyTuple([]any{" x ", "7.0"}) {
		t.Error("tuples must normalize element-wise")
	}
}
