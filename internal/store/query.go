package store

import (
	"strings"
	"unicode"
)

// QueryTerms splits a free-text query into search terms. Each
// whitespace-separated word keeps only ASCII letters, digits, '_' and '-';
// leading and trailing hyphens are dropped, and empty terms are skipped.
func QueryTerms(q string) []string {
	words := strings.Fields(q)
	terms := make([]string, 0, len(words))
	for _, w := range words {
		var b strings.Builder
		for _, r := range w {
			if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-') {
				b.WriteRune(r)
			}
		}
		t := strings.Trim(b.String(), "-")
		if t != "" {
			terms = append(terms, strings.ToLower(t))
		}
	}
	return terms
}
