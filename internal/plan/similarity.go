package plan

import (
	"strings"
	"unicode"
)

// Jaccard returns the word-level Jaccard similarity |A∩B| / |A∪B| of two
// strings. Words are compared case-insensitively with surrounding
// punctuation removed. Two empty inputs score 0.
func Jaccard(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.TrimFunc(w, unicode.IsPunct)
		if w != "" {
			set[w] = true
		}
	}
	return set
}

// WordCount returns the number of whitespace-separated words in s.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
