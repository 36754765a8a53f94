package store

import (
	"context"
	"time"

	"github.com/openonco/coverage-cli/internal/model"
)

// Store defines the persistence interface for the evidence pipeline.
//
// Upserts carry the change-detection contract in SQL: last_fetched always
// advances, last_changed advances only when the stored content hash differs
// from the incoming one. Callers cannot bypass that distinction.
type Store interface {
	// Coverage assertions. At most one live row exists per
	// (payer, test, layer, source policy); upserting replaces it in place.
	UpsertAssertion(ctx context.Context, a model.CoverageAssertion) (*model.CoverageAssertion, error)
	GetAssertions(ctx context.Context, payerID, testID string) ([]model.CoverageAssertion, error)
	GetPolicyAssertions(ctx context.Context, payerID, policyID string) ([]model.CoverageAssertion, error)
	GetChangedSince(ctx context.Context, since time.Time) ([]model.CoverageAssertion, error)

	// Discovery staging. Creation dedupes by URL; a duplicate returns the
	// existing row untouched, whatever its review state.
	CreateDiscovery(ctx context.Context, d model.Discovery) (*model.Discovery, error)
	// GetPendingDiscoveries lists staged rows awaiting review, newest first.
	// Empty payerID means all payers; limit <= 0 means no limit.
	GetPendingDiscoveries(ctx context.Context, payerID string, limit int) ([]model.Discovery, error)
	UpdateDiscoveryStatus(ctx context.Context, id string, status model.ReviewStatus, reviewedBy, notes string) error
	DiscoveryURLKnown(ctx context.Context, url string) (bool, error)
	// AssertionSourceURLKnown reports whether any coverage assertion already
	// cites the URL as its source; such URLs are ingested, not candidates.
	AssertionSourceURLKnown(ctx context.Context, url string) (bool, error)

	// URL health. Counters move by atomic SQL increments only.
	RecordSuccess(ctx context.Context, payerID, url string) error
	RecordFailure(ctx context.Context, payerID, url, fetchErr string) error
	GetURLHealth(ctx context.Context, url string) (*model.URLHealth, error)

	// Policy state, the per-(payer, policy) hash baseline for change
	// detection between refreshes.
	GetPolicyState(ctx context.Context, payerID, policyID string) (*model.PolicyState, error)
	UpsertPolicyState(ctx context.Context, st model.PolicyState) error
	GetChangedPolicies(ctx context.Context, since time.Time) ([]model.PolicyState, error)
	ListPayerPolicies(ctx context.Context, payerID string) ([]model.PolicyState, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
