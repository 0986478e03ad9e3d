package textmatch

import (
	"strings"
	"unicode"
)

// trigrams returns the trigrams of s in order of appearance, duplicates kept.
// Each word is lower-cased and padded with two leading spaces and one
// trailing space, the way pg_trgm does it.
func trigrams(s string) []string {
	var out []string
	for _, word := range words(s) {
		padded := []rune("  " + word + " ")
		for i := 0; i+3 <= len(padded); i++ {
			out = append(out, string(padded[i:i+3]))
		}
	}
	return out
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func trigramSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range trigrams(s) {
		set[t] = struct{}{}
	}
	return set
}

// Similarity is pg_trgm's similarity(a, b): shared unique trigrams divided by
// the size of the union. The result is in [0, 1].
func Similarity(a, b string) float64 {
	ta, tb := trigramSet(a), trigramSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	common := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			common++
		}
	}
	return float64(common) / float64(len(ta)+len(tb)-common)
}

// WordSimilarity is pg_trgm's word_similarity(needle, haystack): the greatest
// similarity between the trigram set of needle and any continuous extent of
// the ordered trigrams of haystack. It rewards needle appearing as a word or
// word prefix inside a longer haystack.
func WordSimilarity(needle, haystack string) float64 {
	want := trigramSet(needle)
	if len(want) == 0 {
		return 0
	}
	seq := trigrams(haystack)
	best := 0.0
	for lo := range seq {
		seen := make(map[string]struct{})
		common := 0
		for hi := lo; hi < len(seq); hi++ {
			t := seq[hi]
			if _, dup := seen[t]; !dup {
				seen[t] = struct{}{}
				if _, ok := want[t]; ok {
					common++
				}
			}
			if common == 0 {
				continue
			}
			sim := float64(common) / float64(len(want)+len(seen)-common)
			if sim > best {
				best = sim
				if best == 1 {
					return 1
				}
			}
		}
	}
	return best
}
