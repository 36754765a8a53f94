package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Layer is the evidentiary source type of a coverage assertion.
type Layer string

const (
	LayerPolicyStance Layer = "policy_stance"
	LayerUMCriteria   Layer = "um_criteria"
	LayerLBMGuideline Layer = "lbm_guideline"
	LayerDelegation   Layer = "delegation_routing"
)

// Valid reports whether the layer is one of the closed set.
func (l Layer) Valid() bool {
	switch l {
	case LayerPolicyStance, LayerUMCriteria, LayerLBMGuideline, LayerDelegation:
		return true
	}
	return false
}

// Weight returns the layer's relative weight during reconciliation.
// Delegation routing carries no weight: it is routing metadata, never a
// competing coverage signal.
func (l Layer) Weight() int {
	switch l {
	case LayerPolicyStance:
		return 1
	case LayerUMCriteria:
		return 2
	case LayerLBMGuideline:
		return 3
	default:
		return 0
	}
}

// Status is a payer's posture on a test from one evidence layer.
type Status string

const (
	StatusSupports    Status = "supports"
	StatusRestricts   Status = "restricts"
	StatusDenies      Status = "denies"
	StatusConditional Status = "conditional"
	StatusUnknown     Status = "unknown"

	// StatusConflictReview is the sentinel produced by reconciliation when a
	// direct contradiction exists. It is never valid as assertion input.
	StatusConflictReview Status = "conflict_review_required"
)

// Valid reports whether the status is acceptable as assertion input.
func (s Status) Valid() bool {
	switch s {
	case StatusSupports, StatusRestricts, StatusDenies, StatusConditional, StatusUnknown:
		return true
	}
	return false
}

// CoverageAssertion is one structured claim about one payer's posture on one
// test, from one evidence layer and one source policy. At most one live
// assertion exists per (payer, test, layer, source policy).
type CoverageAssertion struct {
	ID             int64     `json:"id,omitempty"`
	PayerID        string    `json:"payer_id"`
	TestID         string    `json:"test_id"`
	Layer          Layer     `json:"layer"`
	Status         Status    `json:"status"`
	Confidence     float64   `json:"confidence"`
	SourcePolicyID string    `json:"source_policy_id"`
	SourceURL      string    `json:"source_url,omitempty"`
	Snippet        string    `json:"snippet,omitempty"`
	ContentHash    string    `json:"content_hash,omitempty"`
	LastFetched    time.Time `json:"last_fetched"`
	LastChanged    time.Time `json:"last_changed"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate rejects assertions missing identifiers or carrying values outside
// the closed enums.
func (a CoverageAssertion) Validate() error {
	switch {
	case a.PayerID == "":
		return eris.Wrap(ErrInvalidInput, "assertion: payer ID required")
	case a.TestID == "":
		return eris.Wrap(ErrInvalidInput, "assertion: test ID required")
	case a.SourcePolicyID == "":
		return eris.Wrap(ErrInvalidInput, "assertion: source policy ID required")
	case !a.Layer.Valid():
		return eris.Wrapf(ErrInvalidInput, "assertion: unknown layer %q", a.Layer)
	case !a.Status.Valid():
		return eris.Wrapf(ErrInvalidInput, "assertion: unknown status %q", a.Status)
	case a.Confidence < 0 || a.Confidence > 1:
		return eris.Wrapf(ErrInvalidInput, "assertion: confidence %v out of range", a.Confidence)
	}
	return nil
}
