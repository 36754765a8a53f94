// Package reconcile resolves the current assertion set for one (payer, test)
// pair into a single coverage status. It is a pure function of its input:
// identical assertion sets always produce identical output, and conflicting
// input is a modeled outcome, never an error.
package reconcile

import (
	"sort"
	"time"

	"github.com/openonco/coverage-cli/internal/model"
)

// Resolve reconciles all current assertions for the given (payer, test) pair.
// Assertions for other pairs are ignored, so callers may pass a broader set.
//
// Layer weights order policy-stance < UM criteria < LBM guideline. A
// delegation-routing assertion is routing metadata only: it becomes the
// delegation note and never competes as a status. Any high-severity conflict
// forces the sentinel conflict_review_required; when all conflicts are
// medium, the highest-weighted layer wins with HasConflict still set.
func Resolve(assertions []model.CoverageAssertion, payerID, testID string) model.ResolvedCoverage {
	out := model.ResolvedCoverage{
		PayerID: payerID,
		TestID:  testID,
		Status:  model.StatusUnknown,
	}

	var weighted []model.CoverageAssertion
	var delegationChangedAt time.Time
	for _, a := range assertions {
		if a.PayerID != payerID || a.TestID != testID {
			continue
		}
		if a.Layer == model.LayerDelegation {
			if out.Delegation == nil || a.LastChanged.After(delegationChangedAt) {
				out.Delegation = &model.DelegationNote{
					SourcePolicyID: a.SourcePolicyID,
					Snippet:        a.Snippet,
				}
				delegationChangedAt = a.LastChanged
			}
			continue
		}
		weighted = append(weighted, a)
	}

	if len(weighted) == 0 {
		return out
	}

	// Deterministic processing order regardless of storage order.
	sort.Slice(weighted, func(i, j int) bool {
		if weighted[i].Layer.Weight() != weighted[j].Layer.Weight() {
			return weighted[i].Layer.Weight() > weighted[j].Layer.Weight()
		}
		if weighted[i].Confidence != weighted[j].Confidence {
			return weighted[i].Confidence > weighted[j].Confidence
		}
		if !weighted[i].LastChanged.Equal(weighted[j].LastChanged) {
			return weighted[i].LastChanged.After(weighted[j].LastChanged)
		}
		return weighted[i].SourcePolicyID < weighted[j].SourcePolicyID
	})

	highSeverity := false
	for i := 0; i < len(weighted); i++ {
		for j := i + 1; j < len(weighted); j++ {
			sev, conflicting := ClassifySeverity(weighted[i].Status, weighted[j].Status)
			if !conflicting {
				continue
			}
			if sev == model.SeverityHigh {
				highSeverity = true
			}
			out.Conflicts = append(out.Conflicts, model.Conflict{
				A:        side(weighted[i]),
				B:        side(weighted[j]),
				Severity: sev,
			})
		}
	}
	sort.SliceStable(out.Conflicts, func(i, j int) bool {
		return out.Conflicts[i].Severity == model.SeverityHigh &&
			out.Conflicts[j].Severity != model.SeverityHigh
	})
	out.HasConflict = len(out.Conflicts) > 0

	switch {
	case highSeverity:
		// Direct contradictions are never auto-resolved.
		out.Status = model.StatusConflictReview
	default:
		// Single distinct status, or medium conflicts only: the sort order
		// above puts the winning assertion first.
		out.Status = weighted[0].Status
	}

	return out
}

func side(a model.CoverageAssertion) model.ConflictSide {
	return model.ConflictSide{
		Layer:          a.Layer,
		Status:         a.Status,
		SourcePolicyID: a.SourcePolicyID,
	}
}
