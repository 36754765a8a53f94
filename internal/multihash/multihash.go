// Package multihash computes the independent digest set used to classify
// policy document changes, and compares two sets to decide whether a change
// is substantive.
package multihash

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/openonco/coverage-cli/internal/model"
	"github.com/openonco/coverage-cli/internal/slicer"
)

// Extracted carries the structured-extraction fields that feed the hash set.
// The zero value is valid: every field falls back to slicer output or to the
// reproducible empty digest.
type Extracted struct {
	CriteriaSection string
	Codes           []string
	EffectiveDate   string
	PolicyNumber    string
	DocumentTitle   string
}

var codeRE = regexp.MustCompile(`^[0-9]{4,5}[A-Z]?$|^[A-Z][0-9]{4}$`)

// NormalizeCodes uppercases, deduplicates, and sorts billing codes, dropping
// tokens that are not CPT/HCPCS/PLA shaped. The result is order-independent
// so a reshuffled code table does not register as a change.
func NormalizeCodes(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	var out []string
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || !codeRE.MatchString(c) || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Compute derives the four digests for one document version. The criteria
// digest uses structured extraction when present, otherwise the slicer
// fallback; identical input always yields an identical set.
func Compute(raw string, ext Extracted) model.HashSet {
	criteriaText := strings.TrimSpace(ext.CriteriaSection)
	if criteriaText == "" {
		criteriaText = slicer.CriteriaText(raw)
	}

	return model.HashSet{
		Content:  digest(Canonicalize(raw)),
		Criteria: digest(Canonicalize(criteriaText)),
		Codes:    digest(strings.Join(NormalizeCodes(ext.Codes), ",")),
		Metadata: digest(Canonicalize(ext.EffectiveDate + "|" + ext.PolicyNumber + "|" + ext.DocumentTitle)),
	}
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
