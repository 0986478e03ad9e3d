// Package textmatch canonicalizes free-text queries and scores how similar two
// pieces of text are using PostgreSQL pg_trgm compatible trigram measures.
//
// The same scores are produced in-process (SQLite backend) and by the
// database itself (PostgreSQL backend), so thresholds tuned against one hold
// for the other.
package textmatch

import "strings"

// Normalize trims, lower-cases and collapses internal whitespace to single
// spaces. Empty or whitespace-only input normalizes to "".
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// IsBlank reports whether s contains only whitespace.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// ContainsFold reports whether needle occurs in haystack, ignoring case.
// The needle is matched literally: no wildcard characters are interpreted.
func ContainsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
