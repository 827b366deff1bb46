package domain

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/docuvine/docuvine/pkg/db/pagination"
)

type CreateDocumentRequest struct {
	FileRef      string       `json:"file_ref"`
	FileName     string       `json:"file_name,omitempty"`
	FileSize     int64        `json:"file_size,omitempty"`
	MimeType     string       `json:"mime_type,omitempty"`
	PageCount    int          `json:"page_count"`
	DocumentType DocumentType `json:"document_type"`
}

type QueryRequest struct {
	pagination.Pagination

	DocumentType       DocumentType       `form:"document_type"`
	ProcessingStatus   ProcessingStatus   `form:"processing_status"`
	VerificationStatus VerificationStatus `form:"verification_status"`
	DatasetSplit       DatasetSplit       `form:"dataset_split"`
	IsVerified         *bool              `form:"is_verified"`
	IncludeInTraining  *bool              `form:"include_in_training"`
}

type QueryResponse struct {
	pagination.PageInfo
	Documents []TrainingDocument `json:"documents"`
}

// SplitSummary reports the outcome of one document type's redistribution.
type SplitSummary struct {
	DocumentType DocumentType `json:"document_type"`
	Train        int          `json:"train"`
	Validation   int          `json:"validation"`
	Total        int          `json:"total"`
}

type BatchItemResult struct {
	DocumentID snowflake.ID `json:"document_id"`
	Succeeded  bool         `json:"succeeded"`
	Error      string       `json:"error,omitempty"`
}

type BatchResult struct {
	Processed int               `json:"processed"`
	Failed    int               `json:"failed"`
	Items     []BatchItemResult `json:"items"`
}

type Service interface {
	Create(ctx context.Context, req CreateDocumentRequest) (*TrainingDocument, error)
	Get(ctx context.Context, id snowflake.ID) (*TrainingDocument, error)
	RecordExtraction(ctx context.Context, id snowflake.ID, payload json.RawMessage, confidence float64) (*TrainingDocument, error)
	MarkExtractionFailed(ctx context.Context, id snowflake.ID, message string) (*TrainingDocument, error)
	// ProcessBatch runs extraction for each document independently; one
	// document's failure is recorded on that document and never aborts
	// the rest of the batch.
	ProcessBatch(ctx context.Context, ids []snowflake.ID) (BatchResult, error)
	Verify(ctx context.Context, id snowflake.ID, correctedPayload json.RawMessage, verifiedBy string) (*TrainingDocument, error)
	Reject(ctx context.Context, id snowflake.ID, rejectedBy string) (*TrainingDocument, error)
	SetIncludeInTraining(ctx context.Context, id snowflake.ID, include bool) (*TrainingDocument, error)
	// AutoAssignSplit deterministically repartitions the current eligible
	// pool; repeated calls redistribute rather than accumulate.
	AutoAssignSplit(ctx context.Context, documentType DocumentType, trainPercentage int) ([]SplitSummary, error)
	Query(ctx context.Context, req QueryRequest) (QueryResponse, error)
	// TrainingSet returns the documents eligible for a fine-tuning run:
	// verified, included, assigned to the train split.
	TrainingSet(ctx context.Context, documentType DocumentType) ([]TrainingDocument, error)
	ListEdits(ctx context.Context, id snowflake.ID) ([]DocumentEdit, error)
}

var (
	ErrDocumentNotFound       = errors.New("document_not_found")
	ErrInvalidDocumentType    = errors.New("invalid_document_type")
	ErrMissingFileRef         = errors.New("missing_file_ref")
	ErrInvalidPageCount       = errors.New("invalid_page_count")
	ErrInvalidTransition      = errors.New("invalid_processing_transition")
	ErrNotExtracted           = errors.New("document_not_extracted")
	ErrInvalidTrainPercentage = errors.New("invalid_train_percentage")
	ErrMissingPayload         = errors.New("missing_payload")
	ErrMissingActor           = errors.New("missing_actor")
)
