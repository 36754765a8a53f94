package multihash

import "github.com/openonco/coverage-cli/internal/model"

// Priority classifies how urgently a detected change needs review.
type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityLow  Priority = "low"
	PriorityNone Priority = "none"
)

// Names of the individual digests as reported in Comparison.ChangedHashes.
const (
	HashContent  = "content"
	HashCriteria = "criteria"
	HashCodes    = "codes"
	HashMetadata = "metadata"
)

// Comparison is the result of comparing two hash sets for one policy.
type Comparison struct {
	Changed       bool     `json:"changed"`
	ChangedHashes []string `json:"changed_hashes,omitempty"`
	Priority      Priority `json:"priority"`

	// PossibleSystemChange flags the signature of parser drift: the criteria
	// digest moved while the raw content did not, meaning our extraction
	// changed behavior on unchanged input rather than the payer editing the
	// policy. Surfaced distinctly so operators can tell the two apart.
	PossibleSystemChange bool `json:"possible_system_change"`
}

// Compare classifies the difference between two hash sets. Criteria or code
// changes are substantive (high priority); metadata-only or content-only
// churn is low priority.
func Compare(old, new model.HashSet) Comparison {
	var cmp Comparison

	if old.Content != new.Content {
		cmp.ChangedHashes = append(cmp.ChangedHashes, HashContent)
	}
	if old.Criteria != new.Criteria {
		cmp.ChangedHashes = append(cmp.ChangedHashes, HashCriteria)
	}
	if old.Codes != new.Codes {
		cmp.ChangedHashes = append(cmp.ChangedHashes, HashCodes)
	}
	if old.Metadata != new.Metadata {
		cmp.ChangedHashes = append(cmp.ChangedHashes, HashMetadata)
	}

	cmp.Changed = len(cmp.ChangedHashes) > 0
	cmp.PossibleSystemChange = old.Criteria != new.Criteria && old.Content == new.Content

	switch {
	case !cmp.Changed:
		cmp.Priority = PriorityNone
	case old.Criteria != new.Criteria || old.Codes != new.Codes:
		cmp.Priority = PriorityHigh
	default:
		cmp.Priority = PriorityLow
	}

	return cmp
}
