package detector

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var quoteReplacer = strings.NewReplacer("‘", "'", "’", "'", "“", `"`, "”", `"`)

// normalizeText folds case and compatibility forms so lexicon matching is
// insensitive to full-width characters, ligatures and curly quotes.
func normalizeText(s string) string {
	s = norm.NFKC.String(s)
	s = quoteReplacer.Replace(s)
	// Casers are stateful; one per call.
	return cases.Fold().String(s)
}

// words splits normalised text into letter/digit/apostrophe tokens.
func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// matchPhrases returns the lexicon entries present in text, in lexicon order.
func matchPhrases(text string, lexicon []string) []string {
	var hits []string
	for _, p := range lexicon {
		if strings.Contains(text, p) {
			hits = append(hits, p)
		}
	}
	return hits
}

func quoteAll(items []string) string {
	q := make([]string, len(items))
	for i, s := range items {
		q[i] = `"` + s + `"`
	}
	return strings.Join(q, ", ")
}
