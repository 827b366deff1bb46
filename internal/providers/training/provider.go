// Package training abstracts the external model-training provider.
// The orchestrator only ever submits a frozen dataset, polls for a
// terminal status, and issues best-effort cancels.
package training

import (
	"context"
	"encoding/json"
	"errors"
)

// JobStatus is the provider-side status vocabulary, already normalized
// from whatever wire values the concrete provider uses.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Example is one training document snapshot: the stored reference plus
// the verified extraction payload it should teach the model to produce.
type Example struct {
	FileRef      string          `json:"file_ref"`
	DocumentType string          `json:"document_type"`
	Payload      json.RawMessage `json:"payload"`
}

type Dataset struct {
	DocumentType string
	Examples     []Example
}

type PollResult struct {
	Status JobStatus
	// Error carries the provider-supplied failure detail when Status is failed.
	Error string
}

type Provider interface {
	SubmitJob(ctx context.Context, dataset Dataset, hyperparameters map[string]any) (externalJobID string, err error)
	PollStatus(ctx context.Context, externalJobID string) (PollResult, error)
	Cancel(ctx context.Context, externalJobID string) error
}

// ErrUnavailable marks transient provider failures. The poll loop logs
// and leaves the job for the next scheduled cycle; it never tight-loops.
var ErrUnavailable = errors.New("training_provider_unavailable")

// ErrJobNotFound is returned when the provider no longer knows the job.
var ErrJobNotFound = errors.New("training_job_not_found")
