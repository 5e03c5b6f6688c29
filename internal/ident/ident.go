// Package ident converts arbitrary uploaded column headers into safe,
// stable SQL identifiers.
//
// Source headers come from field exports in mixed Chinese/English
// ("网元IP", "ETH上行口使用率(%)", "ONU ID") and must map to names that are
// valid unquoted Postgres identifiers, survive re-upload byte-for-byte,
// and stay unique within one header row.
//
// Rules:
//   - ASCII letter runs are lowercased and kept.
//   - Han runs are transliterated to pinyin, one syllable per rune,
//     joined with underscores ("网元" -> "wang_yuan").
//   - '%' is dropped entirely (usage-rate headers).
//   - Everything else becomes an underscore separator; runs collapse.
//   - Names starting with a digit get a "c_" prefix.
//   - Collisions after sanitization are suffixed "_1", "_2", ...
//   - Names are truncated to 63 bytes on a UTF-8 boundary.
package ident

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mozillazg/go-pinyin"
)

// MaxLen is the Postgres identifier length limit.
const MaxLen = 63

var pinyinArgs = pinyin.NewArgs()

// Normalize converts a single header into a safe identifier. It does not
// handle collisions; use NormalizeAll for a full header row.
func Normalize(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "\ufeff")
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))

	lastUnderscore := true // suppress leading underscore
	writeSep := func() {
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	for _, r := range s {
		switch {
		case r == '%':
			// "使用率(%)" style headers: the percent sign carries no
			// identifier information, drop it without a separator.
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
			lastUnderscore = false
		case unicode.Is(unicode.Han, r):
			syllables := pinyin.LazyPinyin(string(r), pinyinArgs)
			if len(syllables) == 0 {
				// Rare han rune missing from the pinyin table.
				writeSep()
				continue
			}
			writeSep()
			b.WriteString(syllables[0])
			b.WriteByte('_')
			lastUnderscore = true
		default:
			writeSep()
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "c_" + out
	}
	return Truncate(out)
}

// NormalizeAll sanitizes a full header row and resolves collisions by
// numeric suffixing. Headers that sanitize to nothing become "col_<i>"
// (1-based position). The result has the same length as the input and no
// duplicates.
func NormalizeAll(headers []string) []string {
	out := make([]string, len(headers))
	seen := make(map[string]int, len(headers))

	for i, h := range headers {
		n := Normalize(h)
		if n == "" {
			n = "col_" + itoa(i+1)
		}
		if _, dup := seen[n]; dup {
			base := n
			for c := seen[base]; ; c++ {
				suffix := "_" + itoa(c)
				cand := truncateTo(base, MaxLen-len(suffix)) + suffix
				if _, taken := seen[cand]; !taken {
					seen[base] = c + 1
					n = cand
					break
				}
			}
		}
		// The suffixed name may itself collide with a later original;
		// claim it too.
		seen[n] = 1
		out[i] = n
	}
	return out
}

// Truncate enforces MaxLen while keeping the result valid UTF-8.
func Truncate(s string) string {
	return truncateTo(s, MaxLen)
}

func truncateTo(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.ValidString(s[:cut]) {
		cut--
	}
	if cut <= 0 {
		return s[:limit]
	}
	return strings.TrimRight(s[:cut], "_")
}

// itoa avoids strconv for the tiny positive ints used in suffixes.
func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
