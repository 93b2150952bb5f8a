// Package textnorm normalises location and party names coming from config files
// and the portal, which mix Latin and Kannada text with inconsistent spacing.
package textnorm

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Name applies NFKC and collapses runs of whitespace.
func Name(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}

// Party normalises a party name for the search form: NFKC and single spaces.
// Case is kept as typed; the portal matches names itself.
func Party(s string) string {
	return Name(s)
}

// Code trims a location code. Codes are compared as strings.
func Code(s string) string {
	return strings.TrimSpace(s)
}
