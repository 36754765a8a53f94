package model

import "time"

// ContentType tags the format of a stored document.
type ContentType string

const (
	ContentTypePDF  ContentType = "pdf"
	ContentTypeHTML ContentType = "html"
)

// Valid reports whether the content type is one of the known tags.
func (c ContentType) Valid() bool {
	return c == ContentTypePDF || c == ContentTypeHTML
}

// Anchor is a verifiable pointer from a claim back into an artifact. An
// anchor is only accepted if Quote is a literal substring of the artifact's
// stored content.
type Anchor struct {
	Page      int       `json:"page,omitempty"`
	Section   string    `json:"section,omitempty"`
	Quote     string    `json:"quote"`
	Offset    int       `json:"offset,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactMeta is the JSON sidecar persisted next to an artifact's raw bytes.
// ContentHash is always computed from the stored bytes, never taken from the
// caller, so the audit trail cannot be forged after the fact.
type ArtifactMeta struct {
	ID            string      `json:"id"`
	PayerID       string      `json:"payer_id"`
	PolicyID      string      `json:"policy_id"`
	SourceURL     string      `json:"source_url,omitempty"`
	ContentType   ContentType `json:"content_type"`
	ContentHash   string      `json:"content_hash"`
	ContentLength int         `json:"content_length"`
	FetchedAt     time.Time   `json:"fetched_at"`
	Anchors       []Anchor    `json:"anchors,omitempty"`
}

// Artifact is an immutable snapshot of one fetch of one document.
type Artifact struct {
	Meta    ArtifactMeta
	Content []byte
}
