package search

import (
	"strings"

	"github.com/jimmypocock/reporeconnoiter.com/internal/textmatch"
)

// maxTerms bounds how many terms one search fans out to.
const maxTerms = 8

// synonymGroups lists interchangeable spellings. A term or word found in a
// group expands to every other member.
var synonymGroups = [][]string{
	{"auth", "authentication", "authorize", "authorization"},
	{"db", "database"},
	{"js", "javascript"},
	{"ts", "typescript"},
	{"k8s", "kubernetes"},
	{"rails", "ruby on rails"},
	{"ml", "machine learning"},
	{"job", "jobs"},
	{"orm", "object relational mapping"},
	{"api", "rest"},
	{"cache", "caching"},
	{"queue", "message queue"},
	{"test", "testing"},
	{"ui", "user interface"},
}

// Expander maps a search term to a small ordered set of related terms.
type Expander struct {
	groups map[string][]string
}

// NewExpander builds an Expander from the built-in synonym table.
func NewExpander() *Expander {
	return NewExpanderWith(synonymGroups)
}

// NewExpanderWith builds an Expander from custom synonym groups.
func NewExpanderWith(groups [][]string) *Expander {
	e := &Expander{groups: make(map[string][]string)}
	for _, g := range groups {
		for _, member := range g {
			key := textmatch.Normalize(member)
			e.groups[key] = append(e.groups[key], g...)
		}
	}
	return e
}

// Expand returns the normalized term first, followed by whole-term synonyms
// and then single-word substitutions, without duplicates. A blank term
// expands to nothing.
func (e *Expander) Expand(term string) []string {
	norm := textmatch.Normalize(term)
	if norm == "" {
		return nil
	}

	seen := map[string]bool{}
	var out []string
	add := func(s string) bool {
		s = textmatch.Normalize(s)
		if s == "" || seen[s] {
			return len(out) < maxTerms
		}
		seen[s] = true
		out = append(out, s)
		return len(out) < maxTerms
	}

	add(norm)
	for _, syn := range e.groups[norm] {
		if !add(syn) {
			return out
		}
	}

	words := strings.Fields(norm)
	if len(words) < 2 {
		return out
	}
	for i, w := range words {
		for _, syn := range e.groups[w] {
			replaced := make([]string, len(words))
			copy(replaced, words)
			replaced[i] = syn
			if !add(strings.Join(replaced, " ")) {
				return out
			}
		}
	}
	return out
}
