package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/docuvine/docuvine/internal/clock"
	"github.com/docuvine/docuvine/internal/config"
	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
	documentservice "github.com/docuvine/docuvine/internal/document/service"
	finetunedomain "github.com/docuvine/docuvine/internal/finetune/domain"
	"github.com/docuvine/docuvine/internal/providers/training"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func mustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake.NewNode: %v", err)
	}
	return node
}

func prepareFinetuneSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE training_documents (
			id INTEGER PRIMARY KEY,
			file_ref TEXT NOT NULL,
			file_name TEXT NOT NULL DEFAULT '',
			file_size INTEGER NOT NULL DEFAULT 0,
			mime_type TEXT NOT NULL DEFAULT '',
			page_count INTEGER NOT NULL DEFAULT 1,
			document_type TEXT NOT NULL,
			processing_status TEXT NOT NULL DEFAULT 'pending',
			extraction TEXT,
			extraction_confidence REAL,
			error_message TEXT NOT NULL DEFAULT '',
			verification_status TEXT NOT NULL DEFAULT 'unverified',
			dataset_split TEXT NOT NULL DEFAULT 'unassigned',
			include_in_training INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE document_edits (
			id INTEGER PRIMARY KEY,
			document_id INTEGER NOT NULL,
			payload TEXT NOT NULL,
			edited_by TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE fine_tuning_jobs (
			id INTEGER PRIMARY KEY,
			document_type TEXT NOT NULL,
			external_job_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			hyperparameters TEXT,
			document_count INTEGER NOT NULL,
			triggered_by TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			completed_at DATETIME
		)`,
		`CREATE TABLE fine_tuning_job_documents (
			id INTEGER PRIMARY KEY,
			job_id INTEGER NOT NULL,
			document_id INTEGER NOT NULL,
			file_ref TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("prepare schema: %v", err)
		}
	}
}

type stubProvider struct {
	submitErr  error
	externalID string
	submitted  []training.Dataset
	polls      map[string]training.PollResult
	pollErr    error
	cancelErr  error
	cancelled  []string
}

func (p *stubProvider) SubmitJob(ctx context.Context, dataset training.Dataset, hyperparameters map[string]any) (string, error) {
	p.submitted = append(p.submitted, dataset)
	if p.submitErr != nil {
		return "", p.submitErr
	}
	if p.externalID == "" {
		return "ftjob-1", nil
	}
	return p.externalID, nil
}

func (p *stubProvider) PollStatus(ctx context.Context, externalJobID string) (training.PollResult, error) {
	if p.pollErr != nil {
		return training.PollResult{}, p.pollErr
	}
	if result, ok := p.polls[externalJobID]; ok {
		return result, nil
	}
	return training.PollResult{Status: training.StatusRunning}, nil
}

func (p *stubProvider) Cancel(ctx context.Context, externalJobID string) error {
	p.cancelled = append(p.cancelled, externalJobID)
	return p.cancelErr
}

type recordingHook struct {
	jobs []snowflake.ID
	err  error
}

func (h *recordingHook) JobSucceeded(ctx context.Context, job *finetunedomain.FineTuningJob) error {
	h.jobs = append(h.jobs, job.ID)
	return h.err
}

type harness struct {
	svc       *Service
	documents documentdomain.Service
	provider  *stubProvider
	hook      *recordingHook
	clock     *clock.FakeClock
}

func setupFinetune(t *testing.T) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("busy_timeout: %v", err)
	}
	prepareFinetuneSchema(t, db)

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	node := mustNode(t)
	logger := zap.NewNop()

	documents := documentservice.NewService(documentservice.Params{
		DB:    db,
		Log:   logger,
		GenID: node,
		Clock: fake,
	})

	provider := &stubProvider{polls: map[string]training.PollResult{}}
	hook := &recordingHook{}
	cfg := config.Config{MinTrainingDocuments: 3}

	svc := NewService(Params{
		DB:        db,
		Log:       logger,
		GenID:     node,
		Clock:     fake,
		Config:    cfg,
		Documents: documents,
		Provider:  provider,
		Hook:      hook,
	}).(*Service)

	return &harness{svc: svc, documents: documents, provider: provider, hook: hook, clock: fake}
}

func seedTrainingSet(t *testing.T, h *harness, docType documentdomain.DocumentType, n int) []documentdomain.TrainingDocument {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		doc, err := h.documents.Create(ctx, documentdomain.CreateDocumentRequest{
			FileRef:      fmt.Sprintf("s3://bucket/%s-%03d.pdf", docType, i),
			DocumentType: docType,
			PageCount:    1,
		})
		if err != nil {
			t.Fatalf("create document: %v", err)
		}
		payload := json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))
		if _, err := h.documents.RecordExtraction(ctx, doc.ID, payload, 0.9); err != nil {
			t.Fatalf("record extraction: %v", err)
		}
		if _, err := h.documents.Verify(ctx, doc.ID, nil, "reviewer-1"); err != nil {
			t.Fatalf("verify: %v", err)
		}
	}
	if _, err := h.documents.AutoAssignSplit(ctx, docType, 99); err != nil {
		t.Fatalf("assign split: %v", err)
	}
	set, err := h.documents.TrainingSet(ctx, docType)
	if err != nil {
		t.Fatalf("training set: %v", err)
	}
	return set
}

func TestStartRequiresMinimumDocuments(t *testing.T) {
	h := setupFinetune(t)
	ctx := context.Background()
	seedTrainingSet(t, h, documentdomain.DocumentTypeInvoice, 2)

	_, err := h.svc.Start(ctx, finetunedomain.StartJobRequest{
		DocumentType: documentdomain.DocumentTypeInvoice,
		TriggeredBy:  "admin-1",
	})
	if !errors.Is(err, finetunedomain.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	var detail *finetunedomain.InsufficientDataError
	if !errors.As(err, &detail) {
		t.Fatalf("expected InsufficientDataError, got %T", err)
	}
	if detail.Required != 3 || detail.Available != 2 {
		t.Fatalf("expected required=3 available=2, got %d/%d", detail.Required, detail.Available)
	}
	if len(h.provider.submitted) != 0 {
		t.Fatal("nothing should reach the provider below the minimum")
	}
}

func TestStartSnapshotsTrainingSet(t *testing.T) {
	h := setupFinetune(t)
	ctx := context.Background()
	set := seedTrainingSet(t, h, documentdomain.DocumentTypeInvoice, 4)

	// A verified correction becomes the training payload.
	corrected := json.RawMessage(`{"seq":0,"corrected":true}`)
	if _, err := h.documents.Verify(ctx, set[0].ID, corrected, "reviewer-2"); err != nil {
		t.Fatalf("verify with correction: %v", err)
	}

	job, err := h.svc.Start(ctx, finetunedomain.StartJobRequest{
		DocumentType:    documentdomain.DocumentTypeInvoice,
		Hyperparameters: map[string]any{"n_epochs": 3},
		TriggeredBy:     "admin-1",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if job.Status != finetunedomain.JobStatusRunning {
		t.Fatalf("expected running after submit, got %s", job.Status)
	}
	if job.ExternalJobID == "" {
		t.Fatal("expected external job id recorded")
	}
	if job.DocumentCount != 4 {
		t.Fatalf("expected 4 documents, got %d", job.DocumentCount)
	}

	snapshots, err := h.svc.ListJobDocuments(ctx, job.ID)
	if err != nil {
		t.Fatalf("list job documents: %v", err)
	}
	if len(snapshots) != 4 {
		t.Fatalf("expected 4 snapshots, got %d", len(snapshots))
	}
	found := false
	for _, snapshot := range snapshots {
		if snapshot.DocumentID == set[0].ID {
			found = true
			if string(snapshot.Payload) != string(corrected) {
				t.Fatalf("expected corrected payload in snapshot, got %s", snapshot.Payload)
			}
		}
	}
	if !found {
		t.Fatal("corrected document missing from snapshot")
	}

	// Later edits never reach the frozen snapshot.
	if _, err := h.documents.Verify(ctx, set[0].ID, json.RawMessage(`{"seq":0,"late":true}`), "reviewer-3"); err != nil {
		t.Fatalf("late edit: %v", err)
	}
	snapshots, err = h.svc.ListJobDocuments(ctx, job.ID)
	if err != nil {
		t.Fatalf("re-list job documents: %v", err)
	}
	for _, snapshot := range snapshots {
		if snapshot.DocumentID == set[0].ID && string(snapshot.Payload) != string(corrected) {
			t.Fatalf("snapshot changed after the fact: %s", snapshot.Payload)
		}
	}
}

func TestStartRejectsConcurrentActiveJob(t *testing.T) {
	h := setupFinetune(t)
	ctx := context.Background()
	seedTrainingSet(t, h, documentdomain.DocumentTypeReceipt, 3)

	if _, err := h.svc.Start(ctx, finetunedomain.StartJobRequest{
		DocumentType: documentdomain.DocumentTypeReceipt,
		TriggeredBy:  "admin-1",
	}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := h.svc.Start(ctx, finetunedomain.StartJobRequest{
		DocumentType: documentdomain.DocumentTypeReceipt,
		TriggeredBy:  "admin-1",
	})
	if !errors.Is(err, finetunedomain.ErrJobAlreadyActive) {
		t.Fatalf("expected ErrJobAlreadyActive, got %v", err)
	}
}

func TestSubmitRejectionMarksJobFailed(t *testing.T) {
	h := setupFinetune(t)
	ctx := context.Background()
	seedTrainingSet(t, h, documentdomain.DocumentTypeInvoice, 3)
	h.provider.submitErr = fmt.Errorf("quota exceeded: %w", training.ErrUnavailable)

	job, err := h.svc.Start(ctx, finetunedomain.StartJobRequest{
		DocumentType: documentdomain.DocumentTypeInvoice,
		TriggeredBy:  "admin-1",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if job.Status != finetunedomain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Fatal("expected provider message recorded")
	}
	if job.CompletedAt == nil {
		t.Fatal("expected completed_at on terminal job")
	}
}

func TestMonitorActiveJobsAppliesTransitions(t *testing.T) {
	h := setupFinetune(t)
	ctx := context.Background()
	seedTrainingSet(t, h, documentdomain.DocumentTypeInvoice, 3)
	seedTrainingSet(t, h, documentdomain.DocumentTypeReceipt, 3)

	h.provider.externalID = "ftjob-inv"
	jobA, err := h.svc.Start(ctx, finetunedomain.StartJobRequest{
		DocumentType: documentdomain.DocumentTypeInvoice, TriggeredBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("start invoice job: %v", err)
	}
	h.provider.externalID = "ftjob-rcpt"
	jobB, err := h.svc.Start(ctx, finetunedomain.StartJobRequest{
		DocumentType: documentdomain.DocumentTypeReceipt, TriggeredBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("start receipt job: %v", err)
	}

	// Nothing terminal provider-side yet.
	result, err := h.svc.MonitorActiveJobs(ctx)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if result.Updated != 0 || result.StillRunning != 2 {
		t.Fatalf("expected 2 still running, got %+v", result)
	}

	h.provider.polls["ftjob-inv"] = training.PollResult{Status: training.StatusSucceeded}
	h.provider.polls["ftjob-rcpt"] = training.PollResult{Status: training.StatusFailed, Error: "loss diverged"}

	result, err = h.svc.MonitorActiveJobs(ctx)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if result.Updated != 2 || result.Completed != 1 || result.Failed != 1 {
		t.Fatalf("expected 1 completed and 1 failed, got %+v", result)
	}

	succeeded, err := h.svc.Get(ctx, jobA.ID)
	if err != nil {
		t.Fatalf("get job a: %v", err)
	}
	if succeeded.Status != finetunedomain.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", succeeded.Status)
	}
	if len(h.hook.jobs) != 1 || h.hook.jobs[0] != jobA.ID {
		t.Fatalf("expected hook fired once for job a, got %v", h.hook.jobs)
	}

	failed, err := h.svc.Get(ctx, jobB.ID)
	if err != nil {
		t.Fatalf("get job b: %v", err)
	}
	if failed.Status != finetunedomain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.ErrorMessage != "loss diverged" {
		t.Fatalf("expected provider error recorded, got %q", failed.ErrorMessage)
	}

	// Terminal jobs drop out of the poll set.
	result, err = h.svc.MonitorActiveJobs(ctx)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if result.Updated != 0 || result.StillRunning != 0 {
		t.Fatalf("expected idle monitor pass, got %+v", result)
	}
}

func TestMonitorToleratesTransientProviderErrors(t *testing.T) {
	h := setupFinetune(t)
	ctx := context.Background()
	seedTrainingSet(t, h, documentdomain.DocumentTypeInvoice, 3)

	job, err := h.svc.Start(ctx, finetunedomain.StartJobRequest{
		DocumentType: documentdomain.DocumentTypeInvoice, TriggeredBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	h.provider.pollErr = fmt.Errorf("gateway timeout: %w", training.ErrUnavailable)
	result, err := h.svc.MonitorActiveJobs(ctx)
	if err != nil {
		t.Fatalf("monitor should absorb transient errors: %v", err)
	}
	if result.Updated != 0 || result.StillRunning != 1 {
		t.Fatalf("expected the unreachable job to stay in flight, got %+v", result)
	}

	current, err := h.svc.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Status != finetunedomain.JobStatusRunning {
		t.Fatalf("job should stay running for the next cycle, got %s", current.Status)
	}
}

func TestMonitorFailsOrphanedUploads(t *testing.T) {
	h := setupFinetune(t)
	ctx := context.Background()

	// A row stuck in uploading with no provider handle: the submitter
	// died before the provider acknowledged the job.
	orphan := &finetunedomain.FineTuningJob{
		ID:           mustNode(t).Generate(),
		DocumentType: documentdomain.DocumentTypeInvoice,
		Status:       finetunedomain.JobStatusUploading,
		TriggeredBy:  "admin-1",
		CreatedAt:    h.clock.Now(),
		UpdatedAt:    h.clock.Now(),
	}
	if err := h.svc.db.WithContext(ctx).Create(orphan).Error; err != nil {
		t.Fatalf("seed orphaned job: %v", err)
	}

	// Inside the grace window the upload is left alone.
	result, err := h.svc.MonitorActiveJobs(ctx)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if result.Updated != 0 || result.StillRunning != 1 {
		t.Fatalf("expected fresh upload left in flight, got %+v", result)
	}

	h.clock.Advance(time.Hour)
	result, err = h.svc.MonitorActiveJobs(ctx)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if result.Updated != 1 || result.Failed != 1 {
		t.Fatalf("expected stale upload failed, got %+v", result)
	}

	job, err := h.svc.Get(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != finetunedomain.JobStatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Fatal("expected the interruption recorded on the job")
	}
	if job.CompletedAt == nil {
		t.Fatal("expected completed_at set on the failed job")
	}
}

func TestGetStatusReportsStageProgress(t *testing.T) {
	h := setupFinetune(t)
	ctx := context.Background()
	seedTrainingSet(t, h, documentdomain.DocumentTypeInvoice, 3)

	job, err := h.svc.Start(ctx, finetunedomain.StartJobRequest{
		DocumentType: documentdomain.DocumentTypeInvoice, TriggeredBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	status, err := h.svc.GetStatus(ctx, job.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.ProgressPercent != 50 {
		t.Fatalf("expected 50%% while running, got %d", status.ProgressPercent)
	}

	h.provider.polls[job.ExternalJobID] = training.PollResult{Status: training.StatusSucceeded}
	if _, err := h.svc.MonitorActiveJobs(ctx); err != nil {
		t.Fatalf("monitor: %v", err)
	}
	status, err = h.svc.GetStatus(ctx, job.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.ProgressPercent != 100 {
		t.Fatalf("expected 100%% when terminal, got %d", status.ProgressPercent)
	}
}

func TestCancelIsBestEffort(t *testing.T) {
	h := setupFinetune(t)
	ctx := context.Background()
	seedTrainingSet(t, h, documentdomain.DocumentTypeInvoice, 3)

	job, err := h.svc.Start(ctx, finetunedomain.StartJobRequest{
		DocumentType: documentdomain.DocumentTypeInvoice, TriggeredBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	h.provider.cancelErr = errors.New("already finalizing")
	cancelled, err := h.svc.Cancel(ctx, job.ID, "admin-2")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != finetunedomain.JobStatusCancelled {
		t.Fatalf("expected cancelled despite provider error, got %s", cancelled.Status)
	}
	if len(h.provider.cancelled) != 1 {
		t.Fatalf("expected one provider cancel attempt, got %d", len(h.provider.cancelled))
	}

	if _, err := h.svc.Cancel(ctx, job.ID, "admin-2"); !errors.Is(err, finetunedomain.ErrJobTerminal) {
		t.Fatalf("expected ErrJobTerminal on repeat cancel, got %v", err)
	}
}
