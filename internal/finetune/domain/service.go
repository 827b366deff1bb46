package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
)

type StartJobRequest struct {
	DocumentType    documentdomain.DocumentType `json:"document_type"`
	Hyperparameters map[string]any              `json:"hyperparameters,omitempty"`
	TriggeredBy     string                      `json:"triggered_by"`
}

// JobStatusResponse augments the stored job with a coarse progress
// figure for polling clients.
type JobStatusResponse struct {
	Job             FineTuningJob `json:"job"`
	ProgressPercent int           `json:"progress_percent"`
}

// MonitorResult summarizes one poll cycle over the active jobs.
// Updated counts jobs that changed status this cycle; Completed and
// Failed break the updates down by terminal outcome.
type MonitorResult struct {
	Updated      int `json:"updated"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	StillRunning int `json:"still_running"`
}

type ListJobsRequest struct {
	DocumentType documentdomain.DocumentType `form:"document_type"`
	Status       JobStatus                   `form:"status"`
	Limit        int                         `form:"limit,default=50"`
	Offset       int                         `form:"offset,default=0"`
}

// InsufficientDataError carries how far short of the training minimum
// the eligible pool fell.
type InsufficientDataError struct {
	DocumentType documentdomain.DocumentType
	Required     int
	Available    int
}

func (e *InsufficientDataError) Error() string {
	return "insufficient_training_data"
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

type Service interface {
	// Start snapshots the current training set and submits it to the
	// provider. The snapshot is immutable once taken.
	Start(ctx context.Context, req StartJobRequest) (*FineTuningJob, error)
	Get(ctx context.Context, id snowflake.ID) (*FineTuningJob, error)
	GetStatus(ctx context.Context, id snowflake.ID) (*JobStatusResponse, error)
	List(ctx context.Context, req ListJobsRequest) ([]FineTuningJob, int64, error)
	// Cancel is best-effort: the local row moves to cancelled even when
	// the provider-side cancellation cannot be confirmed.
	Cancel(ctx context.Context, id snowflake.ID, cancelledBy string) (*FineTuningJob, error)
	// MonitorActiveJobs polls the provider for every non-terminal job
	// and applies status transitions. Safe to run concurrently; each
	// transition is guarded on the previously observed status.
	MonitorActiveJobs(ctx context.Context) (MonitorResult, error)
	ListJobDocuments(ctx context.Context, jobID snowflake.ID) ([]JobDocument, error)
}

var (
	ErrJobNotFound      = errors.New("fine_tuning_job_not_found")
	ErrInsufficientData = errors.New("insufficient_training_data")
	ErrJobAlreadyActive = errors.New("fine_tuning_job_already_active")
	ErrJobTerminal      = errors.New("fine_tuning_job_terminal")
	ErrMissingActor     = errors.New("missing_actor")
)
