package policy

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	whitespaceRun    = regexp.MustCompile(`\s+`)
	spaceBeforePunct = regexp.MustCompile(`\s+([.,!?;:])`)
)

// Normalize folds compatibility characters (NFKC), collapses whitespace and
// removes spaces before punctuation. Checks always see normalized text.
func Normalize(prompt string) string {
	s := norm.NFKC.String(prompt)
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = spaceBeforePunct.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}
