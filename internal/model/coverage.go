package model

import "time"

// Severity classifies how strongly two assertions disagree.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

// ConflictSide identifies one assertion in a conflicting pair.
type ConflictSide struct {
	Layer          Layer  `json:"layer"`
	Status         Status `json:"status"`
	SourcePolicyID string `json:"source_policy_id"`
}

// Conflict records one disagreeing assertion pair with its severity.
type Conflict struct {
	A        ConflictSide `json:"a"`
	B        ConflictSide `json:"b"`
	Severity Severity     `json:"severity"`
}

// DelegationNote is routing metadata: a lab-benefit manager has taken over
// adjudication for the payer. It is never a status value of its own.
type DelegationNote struct {
	SourcePolicyID string `json:"source_policy_id"`
	Snippet        string `json:"snippet,omitempty"`
}

// ResolvedCoverage is the derived reconciliation output for one (payer, test)
// pair. It is computed on demand and not persisted.
type ResolvedCoverage struct {
	PayerID     string          `json:"payer_id"`
	TestID      string          `json:"test_id"`
	Status      Status          `json:"status"`
	HasConflict bool            `json:"has_conflict"`
	Conflicts   []Conflict      `json:"conflicts,omitempty"`
	Delegation  *DelegationNote `json:"delegation,omitempty"`
}

// HashSet holds the four independent digests computed for one document
// version. Criteria is never empty: an empty-criteria document produces the
// same reproducible digest on every run.
type HashSet struct {
	Content  string `json:"content_hash"`
	Criteria string `json:"criteria_hash"`
	Codes    string `json:"codes_hash"`
	Metadata string `json:"metadata_hash"`
}

// PolicyState tracks the last observed hash set per (payer, policy), the
// basis for change detection between refreshes.
type PolicyState struct {
	PayerID        string    `json:"payer_id"`
	PolicyID       string    `json:"policy_id"`
	SourceURL      string    `json:"source_url,omitempty"`
	Hashes         HashSet   `json:"hashes"`
	LastArtifactID string    `json:"last_artifact_id,omitempty"`
	LastFetched    time.Time `json:"last_fetched"`
	LastChanged    time.Time `json:"last_changed"`
}
