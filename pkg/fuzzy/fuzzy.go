// Package fuzzy implements approximate string matching for short search
// patterns against longer texts such as movie titles.
//
// The score is a normalized edit distance in [0, 1]: 0 is an exact or
// substring match, 1 is no similarity at all. The pattern is compared
// against the whole text and against sliding token windows of the text, so
// "dune" scores 0 against "Dune: Part Two" and a minor typo like "dunne"
// stays within a small threshold.
package fuzzy

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// DefaultThreshold mirrors the threshold the search behaves well with for
// single-word and short multi-word patterns.
const DefaultThreshold = 0.3

// Score returns the normalized distance between pattern and text.
// Matching is case-insensitive and ignores surrounding whitespace.
func Score(pattern, text string) float64 {
	p := normalize(pattern)
	t := normalize(text)
	if p == "" || t == "" {
		return 1
	}
	if strings.Contains(t, p) {
		return 0
	}

	best := normalizedDistance(p, t)

	tokens := tokenize(t)
	width := len(tokenize(p))
	if width < 1 {
		width = 1
	}
	// Compare against token windows one narrower and one wider than the
	// pattern so partial titles still line up.
	for w := width - 1; w <= width+1; w++ {
		if w < 1 || w > len(tokens) {
			continue
		}
		for i := 0; i+w <= len(tokens); i++ {
			window := strings.Join(tokens[i:i+w], " ")
			if d := normalizedDistance(p, window); d < best {
				best = d
			}
			if best == 0 {
				return 0
			}
		}
	}
	return best
}

// Matches reports whether pattern matches text within threshold.
// A threshold <= 0 falls back to DefaultThreshold.
func Matches(pattern, text string, threshold float64) bool {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return Score(pattern, text) <= threshold
}

func normalizedDistance(a, b string) float64 {
	d := levenshtein.ComputeDistance(a, b)
	max := len([]rune(a))
	if lb := len([]rune(b)); lb > max {
		max = lb
	}
	if max == 0 {
		return 0
	}
	return float64(d) / float64(max)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
