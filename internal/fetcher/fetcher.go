// Package fetcher downloads payer policy documents over HTTP with retry,
// backoff, and per-host rate limiting.
package fetcher

import (
	"context"
	"time"

	"github.com/openonco/coverage-cli/internal/model"
)

// Document is one fetched policy document, ready for artifact storage.
type Document struct {
	URL         string
	Content     []byte
	ContentType model.ContentType
	FetchedAt   time.Time
}

// Fetcher defines the interface for downloading remote policy documents.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Document, error)
}
