package model

import "time"

// ReviewStatus is the review state of a staged discovery.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewIgnored  ReviewStatus = "ignored"
)

// Valid reports whether the review status is one of the closed set.
func (r ReviewStatus) Valid() bool {
	switch r {
	case ReviewPending, ReviewApproved, ReviewRejected, ReviewIgnored:
		return true
	}
	return false
}

// Discovery is a staged, not-yet-ingested candidate policy URL. A discovery
// leaves pending only through explicit review.
type Discovery struct {
	ID           string       `json:"id"`
	PayerID      string       `json:"payer_id"`
	URL          string       `json:"url"`
	LinkText     string       `json:"link_text,omitempty"`
	DocTypeGuess string       `json:"doc_type_guess,omitempty"`
	Confidence   float64      `json:"confidence"`
	Status       ReviewStatus `json:"status"`
	ReviewedBy   string       `json:"reviewed_by,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	DiscoveredAt time.Time    `json:"discovered_at"`
	ReviewedAt   *time.Time   `json:"reviewed_at,omitempty"`
}
