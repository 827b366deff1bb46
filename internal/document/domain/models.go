// Package domain contains persistence models and contracts for the
// training document registry: uploaded documents moving through
// extraction, verification, and dataset-split assignment.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// DocumentType is the closed set of document classes the platform
// extracts. Validated once at the boundary.
type DocumentType string

const (
	DocumentTypeInvoice       DocumentType = "invoice"
	DocumentTypeReceipt       DocumentType = "receipt"
	DocumentTypeContract      DocumentType = "contract"
	DocumentTypeBankStatement DocumentType = "bank_statement"
	DocumentTypeTaxForm       DocumentType = "tax_form"
)

// ValidDocumentType reports whether documentType is a known class.
func ValidDocumentType(documentType DocumentType) bool {
	switch documentType {
	case DocumentTypeInvoice, DocumentTypeReceipt, DocumentTypeContract,
		DocumentTypeBankStatement, DocumentTypeTaxForm:
		return true
	default:
		return false
	}
}

type ProcessingStatus string

const (
	ProcessingStatusPending    ProcessingStatus = "pending"
	ProcessingStatusProcessing ProcessingStatus = "processing"
	ProcessingStatusCompleted  ProcessingStatus = "completed"
	ProcessingStatusFailed     ProcessingStatus = "failed"
)

type VerificationStatus string

const (
	VerificationStatusUnverified VerificationStatus = "unverified"
	VerificationStatusVerified   VerificationStatus = "verified"
	VerificationStatusRejected   VerificationStatus = "rejected"
)

type DatasetSplit string

const (
	DatasetSplitUnassigned DatasetSplit = "unassigned"
	DatasetSplitTrain      DatasetSplit = "train"
	DatasetSplitValidation DatasetSplit = "validation"
)

// TrainingDocument is one uploaded document. Rows are never physically
// deleted; exclusion from training happens via include_in_training.
type TrainingDocument struct {
	ID                   snowflake.ID       `gorm:"primaryKey" json:"id"`
	FileRef              string             `gorm:"type:text;not null" json:"file_ref"`
	FileName             string             `gorm:"type:text" json:"file_name,omitempty"`
	FileSize             int64              `gorm:"" json:"file_size,omitempty"`
	MimeType             string             `gorm:"type:text" json:"mime_type,omitempty"`
	PageCount            int                `gorm:"not null;default:1" json:"page_count"`
	DocumentType         DocumentType       `gorm:"type:text;not null;index" json:"document_type"`
	ProcessingStatus     ProcessingStatus   `gorm:"type:text;not null;index" json:"processing_status"`
	Extraction           datatypes.JSON     `gorm:"type:jsonb" json:"extraction,omitempty"`
	ExtractionConfidence *float64           `gorm:"" json:"extraction_confidence,omitempty"`
	ErrorMessage         string             `gorm:"type:text" json:"error_message,omitempty"`
	VerificationStatus   VerificationStatus `gorm:"type:text;not null;index" json:"verification_status"`
	DatasetSplit         DatasetSplit       `gorm:"type:text;not null" json:"dataset_split"`
	IncludeInTraining    bool               `gorm:"not null;default:true" json:"include_in_training"`
	CreatedAt            time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt            time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (TrainingDocument) TableName() string { return "training_documents" }

// DocumentEdit is one verified correction to a document's extraction.
// History is append-only; the latest edit is the training payload.
type DocumentEdit struct {
	ID         snowflake.ID   `gorm:"primaryKey" json:"id"`
	DocumentID snowflake.ID   `gorm:"not null;index" json:"document_id"`
	Payload    datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	EditedBy   string         `gorm:"type:text;not null" json:"edited_by"`
	CreatedAt  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (DocumentEdit) TableName() string { return "document_edits" }
