// Package extraction abstracts the document classification/extraction
// capability. It is opaque and possibly slow; failures are surfaced
// per-document and retry policy stays with the caller.
package extraction

import (
	"context"
	"encoding/json"
	"errors"
)

type Classification struct {
	DocumentType string  `json:"document_type"`
	Confidence   float64 `json:"confidence"`
}

type Result struct {
	Payload    json.RawMessage `json:"payload"`
	Confidence float64         `json:"confidence"`
}

type Provider interface {
	Classify(ctx context.Context, fileRef string) (Classification, error)
	Extract(ctx context.Context, fileRef, documentType string) (Result, error)
}

// ErrUnavailable marks transient failures (rate limits, timeouts); any
// other error is treated as permanent for the document at hand.
var ErrUnavailable = errors.New("extraction_provider_unavailable")
