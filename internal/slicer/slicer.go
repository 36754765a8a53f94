// Package slicer extracts coverage-relevant text from policy documents when
// structured extraction is unavailable. It is the fallback that guarantees a
// criteria hash can always be computed.
package slicer

import (
	"regexp"
	"strings"
)

// criteriaVocabulary lists heading phrases that open a coverage-relevant
// section. Matching is case-insensitive on whole heading lines.
var criteriaVocabulary = []string{
	"coverage criteria",
	"criteria for coverage",
	"coverage guidelines",
	"coverage policy",
	"medical necessity",
	"medical necessity criteria",
	"medically necessary",
	"limitations",
	"limitations and exclusions",
	"indications",
	"indications for coverage",
	"when covered",
	"when not covered",
	"prior authorization criteria",
}

// stopVocabulary lists heading phrases that terminate a criteria section
// without opening one. References and citations are explicitly excluded from
// criteria text.
var stopVocabulary = []string{
	"references",
	"citations",
	"bibliography",
	"background",
	"description",
	"overview",
	"definitions",
	"coding",
	"billing codes",
	"policy history",
	"revision history",
	"appendix",
	"disclaimer",
}

// stancePhrases mark sentences carrying a coverage stance, used by the
// sentence-level fallback when no recognizable headings exist.
var stancePhrases = []string{
	"covered when",
	"not covered",
	"is covered",
	"are covered",
	"coverage is provided",
	"not a covered benefit",
	"medically necessary",
	"not medically necessary",
	"investigational",
	"experimental",
	"prior authorization",
}

var (
	criteriaHeadingRE = headingRegexp(criteriaVocabulary)
	anyHeadingRE      = headingRegexp(append(append([]string{}, criteriaVocabulary...), stopVocabulary...))
	sentenceSplitRE   = regexp.MustCompile(`(?:[.!?])\s+`)
)

// headingRegexp builds a line-anchored, case-insensitive matcher for the
// given heading phrases, tolerating numbering prefixes and a trailing colon.
func headingRegexp(phrases []string) *regexp.Regexp {
	escaped := make([]string, len(phrases))
	for i, p := range phrases {
		escaped[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile(
		`(?im)^[ \t]*(?:[0-9IVX]+[.)][ \t]*)?(` + strings.Join(escaped, "|") + `)[ \t]*:?[ \t]*$`,
	)
}

// Section is one extracted coverage-relevant section.
type Section struct {
	Heading string
	Text    string
}

// Result is the output of SliceCriteriaSections.
type Result struct {
	Sections      []Section
	CombinedText  string
	HeadingsFound []string
}

// SliceCriteriaSections scans a document for headings in the criteria
// vocabulary and extracts the text between each matching heading and the next
// recognized heading. Reference and citation sections never contribute text.
func SliceCriteriaSections(doc string) Result {
	var res Result
	if doc == "" {
		return res
	}

	criteria := criteriaHeadingRE.FindAllStringSubmatchIndex(doc, -1)
	if len(criteria) == 0 {
		return res
	}
	boundaries := anyHeadingRE.FindAllStringIndex(doc, -1)

	var combined []string
	for _, m := range criteria {
		heading := strings.TrimSpace(doc[m[2]:m[3]])
		end := len(doc)
		for _, b := range boundaries {
			if b[0] > m[1] {
				end = b[0]
				break
			}
		}
		text := strings.TrimSpace(doc[m[1]:end])
		if text == "" {
			continue
		}
		res.Sections = append(res.Sections, Section{Heading: heading, Text: text})
		res.HeadingsFound = append(res.HeadingsFound, heading)
		combined = append(combined, text)
	}
	res.CombinedText = strings.Join(combined, "\n\n")
	return res
}

// ExtractStanceText is the sentence-level fallback: it keeps only sentences
// containing a stance phrase. A document with neither headings nor stance
// phrases yields an empty string, the defined result for non-policy content.
func ExtractStanceText(doc string) string {
	if doc == "" {
		return ""
	}
	var kept []string
	for _, sentence := range sentenceSplitRE.Split(doc, -1) {
		s := strings.TrimSpace(sentence)
		if s == "" {
			continue
		}
		lower := strings.ToLower(s)
		for _, phrase := range stancePhrases {
			if strings.Contains(lower, phrase) {
				kept = append(kept, s)
				break
			}
		}
	}
	return strings.Join(kept, " ")
}

// CriteriaText returns the best available coverage-relevant text for a
// document: sliced sections when headings exist, otherwise stance sentences.
func CriteriaText(doc string) string {
	if res := SliceCriteriaSections(doc); res.CombinedText != "" {
		return res.CombinedText
	}
	return ExtractStanceText(doc)
}
