// Package domain contains persistence models and contracts for the
// fine-tuning job orchestrator: jobs moving from submission through
// provider-side training to a terminal state.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusUploading JobStatus = "uploading"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// FineTuningJob is one training run against the provider. ExternalJobID
// is empty until the provider accepts the submission.
type FineTuningJob struct {
	ID              snowflake.ID                `gorm:"primaryKey" json:"id"`
	DocumentType    documentdomain.DocumentType `gorm:"type:text;not null;index" json:"document_type"`
	ExternalJobID   string                      `gorm:"type:text;index" json:"external_job_id,omitempty"`
	Status          JobStatus                   `gorm:"type:text;not null;index" json:"status"`
	Hyperparameters datatypes.JSONMap           `gorm:"type:jsonb" json:"hyperparameters,omitempty"`
	DocumentCount   int                         `gorm:"not null" json:"document_count"`
	TriggeredBy     string                      `gorm:"type:text;not null" json:"triggered_by"`
	ErrorMessage    string                      `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt       time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	CompletedAt     *time.Time                  `json:"completed_at,omitempty"`
}

// TableName sets the database table name.
func (FineTuningJob) TableName() string { return "fine_tuning_jobs" }

// JobDocument pins one document revision into a job. The snapshot is
// taken at submission time so later edits never change what a past job
// trained on.
type JobDocument struct {
	ID         snowflake.ID   `gorm:"primaryKey" json:"id"`
	JobID      snowflake.ID   `gorm:"not null;index" json:"job_id"`
	DocumentID snowflake.ID   `gorm:"not null" json:"document_id"`
	FileRef    string         `gorm:"type:text;not null" json:"file_ref"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	CreatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (JobDocument) TableName() string { return "fine_tuning_job_documents" }
