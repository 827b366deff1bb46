package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/docuvine/docuvine/internal/clock"
	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
	"github.com/docuvine/docuvine/internal/providers/extraction"
	"github.com/docuvine/docuvine/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Extractor extraction.Provider `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	extractor extraction.Provider
}

func NewService(p Params) documentdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("document.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		extractor: p.Extractor,
	}
}

func (s *Service) Create(ctx context.Context, req documentdomain.CreateDocumentRequest) (*documentdomain.TrainingDocument, error) {
	if strings.TrimSpace(req.FileRef) == "" {
		return nil, documentdomain.ErrMissingFileRef
	}
	// An empty type is accepted; the document is classified when the
	// processing batch first picks it up.
	if req.DocumentType != "" && !documentdomain.ValidDocumentType(req.DocumentType) {
		return nil, documentdomain.ErrInvalidDocumentType
	}
	pageCount := req.PageCount
	if pageCount == 0 {
		pageCount = 1
	}
	if pageCount < 0 {
		return nil, documentdomain.ErrInvalidPageCount
	}

	now := s.clock.Now()
	document := &documentdomain.TrainingDocument{
		ID:                 s.genID.Generate(),
		FileRef:            strings.TrimSpace(req.FileRef),
		FileName:           strings.TrimSpace(req.FileName),
		FileSize:           req.FileSize,
		MimeType:           strings.TrimSpace(req.MimeType),
		PageCount:          pageCount,
		DocumentType:       req.DocumentType,
		ProcessingStatus:   documentdomain.ProcessingStatusPending,
		VerificationStatus: documentdomain.VerificationStatusUnverified,
		DatasetSplit:       documentdomain.DatasetSplitUnassigned,
		IncludeInTraining:  true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.db.WithContext(ctx).Create(document).Error; err != nil {
		return nil, err
	}
	return document, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*documentdomain.TrainingDocument, error) {
	var document documentdomain.TrainingDocument
	err := s.db.WithContext(ctx).First(&document, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, documentdomain.ErrDocumentNotFound
		}
		return nil, err
	}
	return &document, nil
}

func (s *Service) RecordExtraction(ctx context.Context, id snowflake.ID, payload json.RawMessage, confidence float64) (*documentdomain.TrainingDocument, error) {
	if len(payload) == 0 {
		return nil, documentdomain.ErrMissingPayload
	}

	now := s.clock.Now()
	result := s.db.WithContext(ctx).
		Model(&documentdomain.TrainingDocument{}).
		Where("id = ? AND processing_status IN ?", id, []documentdomain.ProcessingStatus{
			documentdomain.ProcessingStatusPending,
			documentdomain.ProcessingStatusProcessing,
			documentdomain.ProcessingStatusFailed,
		}).
		Updates(map[string]any{
			"processing_status":     documentdomain.ProcessingStatusCompleted,
			"extraction":            datatypes.JSON(payload),
			"extraction_confidence": confidence,
			"error_message":         "",
			"updated_at":            now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, documentdomain.ErrInvalidTransition
	}
	return s.Get(ctx, id)
}

func (s *Service) MarkExtractionFailed(ctx context.Context, id snowflake.ID, message string) (*documentdomain.TrainingDocument, error) {
	now := s.clock.Now()
	result := s.db.WithContext(ctx).
		Model(&documentdomain.TrainingDocument{}).
		Where("id = ? AND processing_status IN ?", id, []documentdomain.ProcessingStatus{
			documentdomain.ProcessingStatusPending,
			documentdomain.ProcessingStatusProcessing,
		}).
		Updates(map[string]any{
			"processing_status": documentdomain.ProcessingStatusFailed,
			"error_message":     strings.TrimSpace(message),
			"updated_at":        now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, documentdomain.ErrInvalidTransition
	}
	return s.Get(ctx, id)
}

func (s *Service) ProcessBatch(ctx context.Context, ids []snowflake.ID) (documentdomain.BatchResult, error) {
	result := documentdomain.BatchResult{}
	if s.extractor == nil {
		return result, errors.New("extraction provider unavailable")
	}

	for _, id := range ids {
		item := documentdomain.BatchItemResult{DocumentID: id}

		document, err := s.claimForProcessing(ctx, id)
		if err != nil {
			item.Error = err.Error()
			result.Failed++
			result.Items = append(result.Items, item)
			continue
		}

		if document.DocumentType == "" {
			if err := s.classify(ctx, document); err != nil {
				if _, markErr := s.MarkExtractionFailed(ctx, id, err.Error()); markErr != nil {
					s.log.Warn("failed to record classification failure",
						zap.String("document_id", id.String()),
						zap.Error(markErr),
					)
				}
				item.Error = err.Error()
				result.Failed++
				result.Items = append(result.Items, item)
				continue
			}
		}

		extracted, err := s.extractor.Extract(ctx, document.FileRef, string(document.DocumentType))
		if err != nil {
			// Failure is recorded on the document, not raised to the
			// batch caller; one bad document never sinks the rest.
			if _, markErr := s.MarkExtractionFailed(ctx, id, err.Error()); markErr != nil {
				s.log.Warn("failed to record extraction failure",
					zap.String("document_id", id.String()),
					zap.Error(markErr),
				)
			}
			item.Error = err.Error()
			result.Failed++
			result.Items = append(result.Items, item)
			continue
		}

		if _, err := s.RecordExtraction(ctx, id, extracted.Payload, extracted.Confidence); err != nil {
			item.Error = err.Error()
			result.Failed++
			result.Items = append(result.Items, item)
			continue
		}

		item.Succeeded = true
		result.Processed++
		result.Items = append(result.Items, item)
	}
	return result, nil
}

// classify assigns a document type to an untyped document before
// extraction runs against it.
func (s *Service) classify(ctx context.Context, document *documentdomain.TrainingDocument) error {
	classification, err := s.extractor.Classify(ctx, document.FileRef)
	if err != nil {
		return err
	}
	documentType := documentdomain.DocumentType(classification.DocumentType)
	if !documentdomain.ValidDocumentType(documentType) {
		return fmt.Errorf("classifier returned unknown document class %q", classification.DocumentType)
	}

	err = s.db.WithContext(ctx).
		Model(&documentdomain.TrainingDocument{}).
		Where("id = ?", document.ID).
		Updates(map[string]any{
			"document_type": documentType,
			"updated_at":    s.clock.Now(),
		}).Error
	if err != nil {
		return err
	}
	document.DocumentType = documentType
	return nil
}

// claimForProcessing advances pending/failed to processing so a document
// in flight is visible as such.
func (s *Service) claimForProcessing(ctx context.Context, id snowflake.ID) (*documentdomain.TrainingDocument, error) {
	result := s.db.WithContext(ctx).
		Model(&documentdomain.TrainingDocument{}).
		Where("id = ? AND processing_status IN ?", id, []documentdomain.ProcessingStatus{
			documentdomain.ProcessingStatusPending,
			documentdomain.ProcessingStatusFailed,
		}).
		Updates(map[string]any{
			"processing_status": documentdomain.ProcessingStatusProcessing,
			"updated_at":        s.clock.Now(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, documentdomain.ErrInvalidTransition
	}
	return s.Get(ctx, id)
}

func (s *Service) Verify(ctx context.Context, id snowflake.ID, correctedPayload json.RawMessage, verifiedBy string) (*documentdomain.TrainingDocument, error) {
	verifiedBy = strings.TrimSpace(verifiedBy)
	if verifiedBy == "" {
		return nil, documentdomain.ErrMissingActor
	}

	document, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if document.ProcessingStatus != documentdomain.ProcessingStatusCompleted {
		return nil, documentdomain.ErrNotExtracted
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"verification_status": documentdomain.VerificationStatusVerified,
			"updated_at":          now,
		}
		if err := tx.Model(&documentdomain.TrainingDocument{}).
			Where("id = ?", id).
			Updates(updates).Error; err != nil {
			return err
		}
		if len(correctedPayload) == 0 {
			return nil
		}
		// Corrections are appended, never overwritten: the raw
		// extraction and every edit stay available for audit.
		edit := documentdomain.DocumentEdit{
			ID:         s.genID.Generate(),
			DocumentID: id,
			Payload:    datatypes.JSON(correctedPayload),
			EditedBy:   verifiedBy,
			CreatedAt:  now,
		}
		return tx.Create(&edit).Error
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) Reject(ctx context.Context, id snowflake.ID, rejectedBy string) (*documentdomain.TrainingDocument, error) {
	if strings.TrimSpace(rejectedBy) == "" {
		return nil, documentdomain.ErrMissingActor
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	err := s.db.WithContext(ctx).
		Model(&documentdomain.TrainingDocument{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"verification_status": documentdomain.VerificationStatusRejected,
			"updated_at":          s.clock.Now(),
		}).Error
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) SetIncludeInTraining(ctx context.Context, id snowflake.ID, include bool) (*documentdomain.TrainingDocument, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	err := s.db.WithContext(ctx).
		Model(&documentdomain.TrainingDocument{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"include_in_training": include,
			"updated_at":          s.clock.Now(),
		}).Error
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) AutoAssignSplit(ctx context.Context, documentType documentdomain.DocumentType, trainPercentage int) ([]documentdomain.SplitSummary, error) {
	if trainPercentage <= 0 || trainPercentage >= 100 {
		return nil, documentdomain.ErrInvalidTrainPercentage
	}

	query := s.db.WithContext(ctx).
		Where("verification_status = ? AND include_in_training = ?",
			documentdomain.VerificationStatusVerified, true)
	if documentType != "" {
		if !documentdomain.ValidDocumentType(documentType) {
			return nil, documentdomain.ErrInvalidDocumentType
		}
		query = query.Where("document_type = ?", documentType)
	}

	var eligible []documentdomain.TrainingDocument
	if err := query.Find(&eligible).Error; err != nil {
		return nil, err
	}

	byType := make(map[documentdomain.DocumentType][]documentdomain.TrainingDocument)
	for _, document := range eligible {
		byType[document.DocumentType] = append(byType[document.DocumentType], document)
	}

	types := make([]documentdomain.DocumentType, 0, len(byType))
	for documentType := range byType {
		types = append(types, documentType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	now := s.clock.Now()
	summaries := make([]documentdomain.SplitSummary, 0, len(types))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, documentType := range types {
			pool := byType[documentType]
			// Sort by ID for a stable partition: the same pool always
			// produces the same split.
			sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

			trainCount := (len(pool)*trainPercentage + 50) / 100
			summary := documentdomain.SplitSummary{
				DocumentType: documentType,
				Total:        len(pool),
			}
			for i, document := range pool {
				split := documentdomain.DatasetSplitTrain
				if i >= trainCount {
					split = documentdomain.DatasetSplitValidation
				}
				if err := tx.Model(&documentdomain.TrainingDocument{}).
					Where("id = ?", document.ID).
					Updates(map[string]any{
						"dataset_split": split,
						"updated_at":    now,
					}).Error; err != nil {
					return err
				}
				if split == documentdomain.DatasetSplitTrain {
					summary.Train++
				} else {
					summary.Validation++
				}
			}
			summaries = append(summaries, summary)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *Service) Query(ctx context.Context, req documentdomain.QueryRequest) (documentdomain.QueryResponse, error) {
	page := req.Pagination.Normalize()

	query := s.db.WithContext(ctx).Model(&documentdomain.TrainingDocument{})
	if req.DocumentType != "" {
		query = query.Where("document_type = ?", req.DocumentType)
	}
	if req.ProcessingStatus != "" {
		query = query.Where("processing_status = ?", req.ProcessingStatus)
	}
	if req.VerificationStatus != "" {
		query = query.Where("verification_status = ?", req.VerificationStatus)
	}
	if req.DatasetSplit != "" {
		query = query.Where("dataset_split = ?", req.DatasetSplit)
	}
	if req.IsVerified != nil {
		if *req.IsVerified {
			query = query.Where("verification_status = ?", documentdomain.VerificationStatusVerified)
		} else {
			query = query.Where("verification_status <> ?", documentdomain.VerificationStatusVerified)
		}
	}
	if req.IncludeInTraining != nil {
		query = query.Where("include_in_training = ?", *req.IncludeInTraining)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return documentdomain.QueryResponse{}, err
	}

	var documents []documentdomain.TrainingDocument
	err := query.Order("created_at DESC, id DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&documents).Error
	if err != nil {
		return documentdomain.QueryResponse{}, err
	}

	return documentdomain.QueryResponse{
		PageInfo: pagination.PageInfo{
			Total:  total,
			Limit:  page.Limit,
			Offset: page.Offset,
		},
		Documents: documents,
	}, nil
}

func (s *Service) TrainingSet(ctx context.Context, documentType documentdomain.DocumentType) ([]documentdomain.TrainingDocument, error) {
	if !documentdomain.ValidDocumentType(documentType) {
		return nil, documentdomain.ErrInvalidDocumentType
	}
	var documents []documentdomain.TrainingDocument
	err := s.db.WithContext(ctx).
		Where("document_type = ? AND verification_status = ? AND include_in_training = ? AND dataset_split = ?",
			documentType, documentdomain.VerificationStatusVerified, true, documentdomain.DatasetSplitTrain).
		Order("id").
		Find(&documents).Error
	if err != nil {
		return nil, err
	}
	return documents, nil
}

func (s *Service) ListEdits(ctx context.Context, id snowflake.ID) ([]documentdomain.DocumentEdit, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	var edits []documentdomain.DocumentEdit
	err := s.db.WithContext(ctx).
		Where("document_id = ?", id).
		Order("created_at ASC, id ASC").
		Find(&edits).Error
	if err != nil {
		return nil, err
	}
	return edits, nil
}
