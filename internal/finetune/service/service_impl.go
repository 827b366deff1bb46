package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/docuvine/docuvine/internal/clock"
	"github.com/docuvine/docuvine/internal/config"
	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
	finetunedomain "github.com/docuvine/docuvine/internal/finetune/domain"
	"github.com/docuvine/docuvine/internal/providers/training"
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
	Config    config.Config
	Documents documentdomain.Service
	Provider  training.Provider
	Hook      finetunedomain.CompletionHook `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       config.Config
	documents documentdomain.Service
	provider  training.Provider
	hook      finetunedomain.CompletionHook
}

func NewService(p Params) finetunedomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("finetune.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Config,
		documents: p.Documents,
		provider:  p.Provider,
		hook:      p.Hook,
	}
}

func (s *Service) Start(ctx context.Context, req finetunedomain.StartJobRequest) (*finetunedomain.FineTuningJob, error) {
	if !documentdomain.ValidDocumentType(req.DocumentType) {
		return nil, documentdomain.ErrInvalidDocumentType
	}
	if strings.TrimSpace(req.TriggeredBy) == "" {
		return nil, finetunedomain.ErrMissingActor
	}

	var active int64
	err := s.db.WithContext(ctx).
		Model(&finetunedomain.FineTuningJob{}).
		Where("document_type = ? AND status IN ?", req.DocumentType, []finetunedomain.JobStatus{
			finetunedomain.JobStatusQueued,
			finetunedomain.JobStatusUploading,
			finetunedomain.JobStatusRunning,
		}).
		Count(&active).Error
	if err != nil {
		return nil, err
	}
	if active > 0 {
		return nil, finetunedomain.ErrJobAlreadyActive
	}

	trainingSet, err := s.documents.TrainingSet(ctx, req.DocumentType)
	if err != nil {
		return nil, err
	}
	if len(trainingSet) < s.cfg.MinTrainingDocuments {
		return nil, &finetunedomain.InsufficientDataError{
			DocumentType: req.DocumentType,
			Required:     s.cfg.MinTrainingDocuments,
			Available:    len(trainingSet),
		}
	}

	examples, snapshots, err := s.snapshotTrainingSet(ctx, trainingSet)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	job := &finetunedomain.FineTuningJob{
		ID:              s.genID.Generate(),
		DocumentType:    req.DocumentType,
		Status:          finetunedomain.JobStatusQueued,
		Hyperparameters: datatypes.JSONMap(req.Hyperparameters),
		DocumentCount:   len(trainingSet),
		TriggeredBy:     strings.TrimSpace(req.TriggeredBy),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		for i := range snapshots {
			snapshots[i].JobID = job.ID
		}
		return tx.CreateInBatches(snapshots, 100).Error
	})
	if err != nil {
		return nil, err
	}

	return s.submit(ctx, job, examples)
}

// snapshotTrainingSet freezes the current training set: each document's
// payload is its latest verified edit when one exists, otherwise the
// raw extraction.
func (s *Service) snapshotTrainingSet(ctx context.Context, trainingSet []documentdomain.TrainingDocument) ([]training.Example, []finetunedomain.JobDocument, error) {
	now := s.clock.Now()
	examples := make([]training.Example, 0, len(trainingSet))
	snapshots := make([]finetunedomain.JobDocument, 0, len(trainingSet))
	for _, document := range trainingSet {
		payload := document.Extraction
		edits, err := s.documents.ListEdits(ctx, document.ID)
		if err != nil {
			return nil, nil, err
		}
		if len(edits) > 0 {
			payload = edits[len(edits)-1].Payload
		}
		examples = append(examples, training.Example{
			FileRef:      document.FileRef,
			DocumentType: string(document.DocumentType),
			Payload:      []byte(payload),
		})
		snapshots = append(snapshots, finetunedomain.JobDocument{
			ID:         s.genID.Generate(),
			DocumentID: document.ID,
			FileRef:    document.FileRef,
			Payload:    payload,
			CreatedAt:  now,
		})
	}
	return examples, snapshots, nil
}

// submit drives queued -> uploading -> running. A provider rejection
// lands the job in failed with the provider's message; there is no
// retry loop here, a failed job is restarted explicitly.
func (s *Service) submit(ctx context.Context, job *finetunedomain.FineTuningJob, examples []training.Example) (*finetunedomain.FineTuningJob, error) {
	if err := s.transition(ctx, job.ID, finetunedomain.JobStatusQueued, finetunedomain.JobStatusUploading, nil); err != nil {
		return nil, err
	}

	externalJobID, err := s.provider.SubmitJob(ctx, training.Dataset{
		DocumentType: string(job.DocumentType),
		Examples:     examples,
	}, job.Hyperparameters)
	if err != nil {
		s.log.Error("fine-tuning submission rejected",
			zap.String("job_id", job.ID.String()),
			zap.String("document_type", string(job.DocumentType)),
			zap.Error(err),
		)
		updates := map[string]any{"error_message": err.Error()}
		if failErr := s.transition(ctx, job.ID, finetunedomain.JobStatusUploading, finetunedomain.JobStatusFailed, updates); failErr != nil {
			return nil, failErr
		}
		return s.Get(ctx, job.ID)
	}

	updates := map[string]any{"external_job_id": externalJobID}
	if err := s.transition(ctx, job.ID, finetunedomain.JobStatusUploading, finetunedomain.JobStatusRunning, updates); err != nil {
		return nil, err
	}
	s.log.Info("fine-tuning job submitted",
		zap.String("job_id", job.ID.String()),
		zap.String("external_job_id", externalJobID),
		zap.Int("document_count", job.DocumentCount),
	)
	return s.Get(ctx, job.ID)
}

// transition applies from -> to guarded on the previously observed
// status; a concurrent mover wins and this call reports ErrJobTerminal
// or ErrJobNotFound from the re-read.
func (s *Service) transition(ctx context.Context, id snowflake.ID, from, to finetunedomain.JobStatus, extra map[string]any) error {
	updates := map[string]any{
		"status":     to,
		"updated_at": s.clock.Now(),
	}
	if to.Terminal() {
		updates["completed_at"] = s.clock.Now()
	}
	for k, v := range extra {
		updates[k] = v
	}
	result := s.db.WithContext(ctx).
		Model(&finetunedomain.FineTuningJob{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.Status.Terminal() {
			return finetunedomain.ErrJobTerminal
		}
		return finetunedomain.ErrJobAlreadyActive
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*finetunedomain.FineTuningJob, error) {
	var job finetunedomain.FineTuningJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, finetunedomain.ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *Service) GetStatus(ctx context.Context, id snowflake.ID) (*finetunedomain.JobStatusResponse, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &finetunedomain.JobStatusResponse{
		Job:             *job,
		ProgressPercent: progressFor(job.Status),
	}, nil
}

func progressFor(status finetunedomain.JobStatus) int {
	switch status {
	case finetunedomain.JobStatusQueued:
		return 10
	case finetunedomain.JobStatusUploading:
		return 25
	case finetunedomain.JobStatusRunning:
		return 50
	case finetunedomain.JobStatusSucceeded, finetunedomain.JobStatusFailed, finetunedomain.JobStatusCancelled:
		return 100
	default:
		return 0
	}
}

func (s *Service) List(ctx context.Context, req finetunedomain.ListJobsRequest) ([]finetunedomain.FineTuningJob, int64, error) {
	query := s.db.WithContext(ctx).Model(&finetunedomain.FineTuningJob{})
	if req.DocumentType != "" {
		query = query.Where("document_type = ?", req.DocumentType)
	}
	if req.Status != "" {
		query = query.Where("status = ?", req.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := req.Offset
	if offset < 0 {
		offset = 0
	}

	var jobs []finetunedomain.FineTuningJob
	err := query.Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&jobs).Error
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID, cancelledBy string) (*finetunedomain.FineTuningJob, error) {
	if strings.TrimSpace(cancelledBy) == "" {
		return nil, finetunedomain.ErrMissingActor
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, finetunedomain.ErrJobTerminal
	}

	if job.ExternalJobID != "" {
		// Best effort: the local row is cancelled regardless, the
		// provider side reconciles on its own.
		if err := s.provider.Cancel(ctx, job.ExternalJobID); err != nil {
			s.log.Warn("provider-side cancel failed",
				zap.String("job_id", job.ID.String()),
				zap.String("external_job_id", job.ExternalJobID),
				zap.Error(err),
			)
		}
	}

	if err := s.transition(ctx, id, job.Status, finetunedomain.JobStatusCancelled, map[string]any{
		"error_message": "cancelled by " + strings.TrimSpace(cancelledBy),
	}); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// uploadingGracePeriod bounds how long a job may sit in uploading with
// no provider handle before the monitor declares the submission lost.
const uploadingGracePeriod = 15 * time.Minute

func (s *Service) MonitorActiveJobs(ctx context.Context) (finetunedomain.MonitorResult, error) {
	var result finetunedomain.MonitorResult
	var jobs []finetunedomain.FineTuningJob
	err := s.db.WithContext(ctx).
		Where("status IN ?", []finetunedomain.JobStatus{
			finetunedomain.JobStatusUploading,
			finetunedomain.JobStatusRunning,
		}).
		Order("id").
		Find(&jobs).Error
	if err != nil {
		return result, err
	}

	now := s.clock.Now()
	for i := range jobs {
		job := jobs[i]

		if job.ExternalJobID == "" {
			// The submitter died between creating the row and recording
			// the provider handle. Give the in-flight upload a grace
			// window, then fail it so it stops blocking its type.
			if now.Sub(job.UpdatedAt) < uploadingGracePeriod {
				result.StillRunning++
				continue
			}
			updates := map[string]any{
				"error_message": "submission interrupted before the provider acknowledged the job",
			}
			if err := s.transition(ctx, job.ID, job.Status, finetunedomain.JobStatusFailed, updates); err != nil {
				if !errors.Is(err, finetunedomain.ErrJobTerminal) {
					s.log.Warn("failed to expire orphaned upload",
						zap.String("job_id", job.ID.String()),
						zap.Error(err),
					)
				}
				continue
			}
			result.Updated++
			result.Failed++
			continue
		}

		outcome, err := s.pollOne(ctx, &job)
		if err != nil {
			// Transient provider trouble: the next cycle retries. A
			// single unreachable job never stalls the rest.
			s.log.Warn("poll failed",
				zap.String("job_id", job.ID.String()),
				zap.String("external_job_id", job.ExternalJobID),
				zap.Error(err),
			)
			result.StillRunning++
			continue
		}
		switch outcome {
		case finetunedomain.JobStatusSucceeded:
			result.Updated++
			result.Completed++
		case finetunedomain.JobStatusFailed, finetunedomain.JobStatusCancelled:
			result.Updated++
			result.Failed++
		default:
			result.StillRunning++
		}
	}
	return result, nil
}

// pollOne returns the terminal status the job moved to this cycle, or
// "" when the job is still in flight provider-side.
func (s *Service) pollOne(ctx context.Context, job *finetunedomain.FineTuningJob) (finetunedomain.JobStatus, error) {
	poll, err := s.provider.PollStatus(ctx, job.ExternalJobID)
	if err != nil {
		if errors.Is(err, training.ErrJobNotFound) {
			updates := map[string]any{"error_message": "provider no longer knows this job"}
			if trErr := s.transition(ctx, job.ID, job.Status, finetunedomain.JobStatusFailed, updates); trErr != nil {
				return "", trErr
			}
			return finetunedomain.JobStatusFailed, nil
		}
		return "", err
	}

	switch poll.Status {
	case training.StatusSucceeded:
		if err := s.transition(ctx, job.ID, job.Status, finetunedomain.JobStatusSucceeded, nil); err != nil {
			if errors.Is(err, finetunedomain.ErrJobTerminal) {
				return "", nil
			}
			return "", err
		}
		s.log.Info("fine-tuning job succeeded",
			zap.String("job_id", job.ID.String()),
			zap.String("document_type", string(job.DocumentType)),
		)
		if s.hook != nil {
			succeeded, err := s.Get(ctx, job.ID)
			if err != nil {
				s.log.Error("failed to reload succeeded job for hook",
					zap.String("job_id", job.ID.String()),
					zap.Error(err),
				)
				return finetunedomain.JobStatusSucceeded, nil
			}
			if err := s.hook.JobSucceeded(ctx, succeeded); err != nil {
				s.log.Error("completion hook failed",
					zap.String("job_id", job.ID.String()),
					zap.Error(err),
				)
			}
		}
		return finetunedomain.JobStatusSucceeded, nil
	case training.StatusFailed:
		updates := map[string]any{"error_message": poll.Error}
		if err := s.transition(ctx, job.ID, job.Status, finetunedomain.JobStatusFailed, updates); err != nil {
			if errors.Is(err, finetunedomain.ErrJobTerminal) {
				return "", nil
			}
			return "", err
		}
		return finetunedomain.JobStatusFailed, nil
	case training.StatusCancelled:
		if err := s.transition(ctx, job.ID, job.Status, finetunedomain.JobStatusCancelled, nil); err != nil {
			if errors.Is(err, finetunedomain.ErrJobTerminal) {
				return "", nil
			}
			return "", err
		}
		return finetunedomain.JobStatusCancelled, nil
	default:
		// Still queued or running provider-side; nothing to move.
		return "", nil
	}
}

func (s *Service) ListJobDocuments(ctx context.Context, jobID snowflake.ID) ([]finetunedomain.JobDocument, error) {
	if _, err := s.Get(ctx, jobID); err != nil {
		return nil, err
	}
	var snapshots []finetunedomain.JobDocument
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id").
		Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}
