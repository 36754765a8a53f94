package multihash

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
)

// boilerplateREs strip text that changes on every re-render of an otherwise
// identical policy: update/review stamps, copyright lines, print artifacts.
var boilerplateREs = []*regexp.Regexp{
	regexp.MustCompile(`(?i)last\s+(?:updated|reviewed|revised)\s*:?\s+[^\n]*`),
	regexp.MustCompile(`(?i)(?:copyright\s+)?©\s*\d{4}[^\n]*`),
	regexp.MustCompile(`(?i)copyright\s+\d{4}[^\n]*`),
	regexp.MustCompile(`(?i)printed\s+on\s+[^\n]*`),
	regexp.MustCompile(`(?i)page\s+\d+\s+of\s+\d+`),
}

var whitespaceRE = regexp.MustCompile(`\s+`)

// Canonicalize normalizes text before hashing so that cosmetic re-renders of
// an unchanged policy hash identically: boilerplate stripped, case folded,
// whitespace runs collapsed.
func Canonicalize(text string) string {
	for _, re := range boilerplateREs {
		text = re.ReplaceAllString(text, " ")
	}
	// A fresh caser per call: cases.Caser is not safe for concurrent use.
	text = cases.Fold().String(text)
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(text), " ")
}
