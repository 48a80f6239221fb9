package retrieval

import (
	"strings"
	"unicode"
)

// lexicalScore is Jaccard overlap between the word sets of the query and a
// snippet. Web results have no stored embedding, so this puts them on the
// same [0, 1] scale as cosine similarity. Scores land well below typical
// strong-match cosine values, which is the intent: web evidence should
// interleave after comparable local evidence, not displace it.
func lexicalScore(query, snippet string) float64 {
	q := wordSet(query)
	s := wordSet(snippet)
	if len(q) == 0 || len(s) == 0 {
		return 0
	}

	intersection := 0
	for w := range q {
		if _, ok := s[w]; ok {
			intersection++
		}
	}
	union := len(q) + len(s) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
