// Package lexical provides an in-memory BM25 inverted index over chunk
// text, the lexical half of hybrid retrieval.
package lexical

import (
	"strings"
	"unicode"
)

// stopWords are excluded from both indexing and queries. Short function
// words add noise to BM25 without adding signal.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "but": {}, "by": {}, "for": {}, "from": {}, "has": {},
	"have": {}, "in": {}, "is": {}, "it": {}, "its": {}, "of": {},
	"on": {}, "or": {}, "that": {}, "the": {}, "this": {}, "to": {},
	"was": {}, "were": {}, "will": {}, "with": {},
}

// Tokenize lowercases text, splits it into letter/digit runs, and drops
// stop words.
func Tokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		token := current.String()
		current.Reset()
		if _, stop := stopWords[token]; !stop {
			tokens = append(tokens, token)
		}
	}

	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()

	return tokens
}
