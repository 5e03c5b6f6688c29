package diff

import (
	"fmt"
	"strings"
)

// correctionError is one row the harmonization pass rejected. The row is
// excluded from diffing and reported on its own sheet.
type correctionError struct {
	Line   int
	Reason string
	Row    []any
}

// correctionOutcome carries the harmonized rows plus the audit trail the
// report renders.
type correctionOutcome struct {
	Rows   [][]any // harmonized rows, replaces the parsed input
	Lines  []int   // source lines aligned with Rows
	Errors []correctionError
	Before [][]any
	After  [][]any
	Edits  []map[int]bool
}

// fieldRule harmonizes one column. It returns the corrected value; a
// non-nil error rejects the whole row.
type fieldRule struct {
	Column   string
	Required bool
	Fix      func(s string) (string, error)
}

// kehuFuwuRules is the customer-service harmonization profile: the
// upstream export mixes full-width characters, embedded whitespace and
// inconsistent status wording, and the work-order number must be present
// for the row to be diffable at all.
var kehuFuwuRules = []fieldRule{
	{Column: "gong_dan_hao", Required: true, Fix: fixIdentifier},
	{Column: "lian_xi_dian_hua", Fix: fixPhone},
	{Column: "zhuang_tai", Fix: fixStatus},
}

// applyCorrection runs the rules over every row. Rows failing a Required
// rule or a Fix error land in Errors; everything else is passed through
// with per-cell edits recorded.
func applyCorrection(columns []string, rows [][]any, lines []int, rules []fieldRule) correctionOutcome {
	colIdx := make(map[string]int, len(columns))
	for i, c := range columns {
		colIdx[c] = i
	}

	out := correctionOutcome{}
	for n, row := range rows {
		line := 0
		if n < len(lines) {
			line = lines[n]
		}

		before := append([]any(nil), row...)
		fixed := append([]any(nil), row...)
		edits := map[int]bool{}
		var reject string

		for _, r := range rules {
			i, ok := colIdx[r.Column]
			if !ok {
				continue
			}
			s := cellString(fixed[i])
			if s == "" {
				if r.Required {
					reject = fmt.Sprintf("%s 不能为空", r.Column)
					break
				}
				continue
			}
			if r.Fix == nil {
				continue
			}
			v, err := r.Fix(s)
			if err != nil {
				reject = fmt.Sprintf("%s: %v", r.Column, err)
				break
			}
			if v != s {
				fixed[i] = v
				edits[i] = true
			}
		}

		if reject != "" {
			out.Errors = append(out.Errors, correctionError{Line: line, Reason: reject, Row: before})
			continue
		}
		out.Rows = append(out.Rows, fixed)
		out.Lines = append(out.Lines, line)
		out.Before = append(out.Before, before)
		out.After = append(out.After, fixed)
		out.Edits = append(out.Edits, edits)
	}
	return out
}

// cellString stringifies a cell verbatim, trimming only outer whitespace.
// Correction rules decide what to rewrite; no value canonicalization
// happens here, so long numeric identifiers keep every digit.
func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// fixIdentifier strips interior whitespace and full-width characters
// from identifiers like work-order numbers.
func fixIdentifier(s string) (string, error) {
	s = narrow(s)
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return "", fmt.Errorf("无有效字符")
	}
	return s, nil
}

// fixPhone keeps digits and a leading plus only. Too-short results are
// rejected rather than silently stored.
func fixPhone(s string) (string, error) {
	s = narrow(s)
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	out := b.String()
	digits := strings.TrimPrefix(out, "+")
	if len(digits) < 7 {
		return "", fmt.Errorf("电话号码无效: %q", s)
	}
	return out, nil
}

// statusSynonyms maps the wording variants the export uses onto the
// canonical forms the rest of the system stores.
var statusSynonyms = map[string]string{
	"已处理":  "已完成",
	"处理完成": "已完成",
	"完成":   "已完成",
	"处理中":  "进行中",
	"未处理":  "待处理",
	"待办":   "待处理",
}

func fixStatus(s string) (string, error) {
	s = strings.TrimSpace(narrow(s))
	if canon, ok := statusSynonyms[s]; ok {
		return canon, nil
	}
	return s, nil
}

// narrow converts full-width ASCII variants (U+FF01..U+FF5E) and the
// ideographic space to their ASCII counterparts.
func narrow(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == 0x3000:
			b.WriteRune(' ')
		case r >= 0xFF01 && r <= 0xFF5E:
			b.WriteRune(r - 0xFEE0)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
