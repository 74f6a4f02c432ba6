package db

import (
	"strings"
	"unicode"
)

// NormalizeQuestion canonicalizes question text for canned-answer lookups:
// lower-cased, whitespace removed, trailing punctuation trimmed.
func NormalizeQuestion(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimRightFunc(b.String(), func(r rune) bool {
		return unicode.IsPunct(r)
	})
}
