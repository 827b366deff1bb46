// Package domain contains persistence models and contracts for model
// version deployment: promoting fine-tuned models through testing,
// active, inactive, and archived states.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
)

type DeploymentStatus string

const (
	DeploymentStatusTesting  DeploymentStatus = "testing"
	DeploymentStatusActive   DeploymentStatus = "active"
	DeploymentStatusInactive DeploymentStatus = "inactive"
	DeploymentStatusArchived DeploymentStatus = "archived"
)

// ValidDeploymentStatus reports whether status is a known state.
func ValidDeploymentStatus(status DeploymentStatus) bool {
	switch status {
	case DeploymentStatusTesting, DeploymentStatusActive,
		DeploymentStatusInactive, DeploymentStatusArchived:
		return true
	default:
		return false
	}
}

// ModelVersion is one deployable model produced by a fine-tuning job.
// VersionNumber increases monotonically per document type; at most one
// version per type is active at a time.
type ModelVersion struct {
	ID                snowflake.ID                `gorm:"primaryKey" json:"id"`
	JobID             snowflake.ID                `gorm:"not null;uniqueIndex:ux_model_versions_job" json:"job_id"`
	DocumentType      documentdomain.DocumentType `gorm:"type:text;not null;index" json:"document_type"`
	VersionNumber     int                         `gorm:"not null" json:"version_number"`
	DeploymentStatus  DeploymentStatus            `gorm:"type:text;not null;index" json:"deployment_status"`
	TrafficPercentage int                         `gorm:"not null;default:0" json:"traffic_percentage"`
	CreatedAt         time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt         time.Time                   `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ModelVersion) TableName() string { return "model_versions" }
