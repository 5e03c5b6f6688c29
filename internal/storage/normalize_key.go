package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeKey converts a cell value to the canonical string used for
// row-identity comparison across uploads and backends.
//
// Backends must not assume a particular scan type for values (pgx returns
// string, database/sql may return []byte, parsed uploads carry string,
// re-typed columns may scan as int64/float64). This helper keeps key
// lookups and change detection consistent across all of them:
//   - nil and the empty string normalize to "".
//   - strings are trimmed.
//   - numeric values, and strings that parse as numbers, normalize to a
//     canonical decimal form ("12", "12.0", int64(12) all become "12").
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return canonNumeric(strings.TrimSpace(t))
	case []byte:
		return canonNumeric(strings.TrimSpace(string(t)))
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return canonNumeric(strings.TrimSpace(fmt.Sprint(v)))
	}
}

// canonNumeric collapses numeric spellings. Non-numeric strings pass
// through unchanged. Integer forms never round-trip through float64:
// long IDs like bank card or serial numbers keep every digit.
func canonNumeric(s string) string {
	if s == "" || !numericShape(s) {
		return s
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(n, 10)
	}
	if !strings.ContainsAny(s, ".eE") {
		return canonBigInt(s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// canonBigInt canonicalizes an integer string too large for int64
// textually: sign normalization plus leading-zero stripping.
func canonBigInt(s string) string {
	neg := s[0] == '-'
	if s[0] == '-' || s[0] == '+' {
		s = s[1:]
	}
	i := 0
	for i < len(s)-1 && s[i] == '0' {
		i++
	}
	s = s[i:]
	if s == "0" {
		return "0"
	}
	if neg {
		return "-" + s
	}
	return s
}

// numericShape is a cheap gate so ParseFloat is not attempted on every
// cell. It admits optional sign, digits, one dot, and exponent forms.
func numericShape(s string) bool {
	dot := false
	digit := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			digit = true
		case c == '-' || c == '+':
			if i != 0 {
				return false
			}
		case c == '.':
			if dot {
				return false
			}
			dot = true
		case c == 'e' || c == 'E':
			// Exponent forms are rare in uploads; let ParseFloat decide.
			return digit
		default:
			return false
		}
	}
	return digit
}

// keySep separates tuple elements. The unit separator does not occur in
// tabular exports, so ("a","b,c") and ("a,b","c") stay distinct.
const keySep = "\x1f"

// KeyTuple builds the canonical lookup key for a row's unique-key values.
func KeyTuple(vals []any) string {
	if len(vals) == 1 {
		return NormalizeKey(vals[0])
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = NormalizeKey(v)
	}
	return strings.Join(parts, keySep)
}

// EqualCell reports whether two cell values are the same for diff
// purposes. NULL and empty string compare equal, and numeric spellings
// compare by value.
func EqualCell(a, b any) bool {
	return NormalizeKey(a) == NormalizeKey(b)
}
