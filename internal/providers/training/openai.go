package training

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/docuvine/docuvine/internal/config"
	"go.uber.org/zap"
)

// OpenAIProvider speaks the OpenAI-style fine-tuning API: upload a JSONL
// training file, create a fine-tuning job against it, poll, cancel.
type OpenAIProvider struct {
	log        *zap.Logger
	baseURL    string
	apiKey     string
	baseModel  string
	httpClient *http.Client
}

func NewOpenAIProvider(cfg config.Config, log *zap.Logger) Provider {
	return &OpenAIProvider{
		log:        log.Named("training.openai"),
		baseURL:    strings.TrimRight(cfg.TrainingAPIBaseURL, "/"),
		apiKey:     cfg.TrainingAPIKey,
		baseModel:  "gpt-4o-mini",
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("training provider http %d: %s", e.StatusCode, e.Body)
}

// Unwrap classifies retry-eligible statuses as transient so callers can
// errors.Is against ErrUnavailable.
func (e *httpError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return ErrUnavailable
	}
	if e.StatusCode == http.StatusNotFound {
		return ErrJobNotFound
	}
	return nil
}

type fineTuningJobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAIProvider) SubmitJob(ctx context.Context, dataset Dataset, hyperparameters map[string]any) (string, error) {
	if len(dataset.Examples) == 0 {
		return "", errors.New("empty training dataset")
	}

	fileID, err := p.uploadDataset(ctx, dataset)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"model":         p.baseModel,
		"training_file": fileID,
		"suffix":        dataset.DocumentType,
	}
	if len(hyperparameters) > 0 {
		body["hyperparameters"] = hyperparameters
	}

	var job fineTuningJobResponse
	if err := p.do(ctx, http.MethodPost, "/fine_tuning/jobs", body, &job); err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", errors.New("training provider returned no job id")
	}

	p.log.Info("fine-tuning job submitted",
		zap.String("external_job_id", job.ID),
		zap.String("document_type", dataset.DocumentType),
		zap.Int("examples", len(dataset.Examples)),
	)
	return job.ID, nil
}

func (p *OpenAIProvider) PollStatus(ctx context.Context, externalJobID string) (PollResult, error) {
	var job fineTuningJobResponse
	err := p.do(ctx, http.MethodGet, "/fine_tuning/jobs/"+externalJobID, nil, &job)
	if err != nil {
		return PollResult{}, err
	}

	result := PollResult{Status: normalizeStatus(job.Status)}
	if job.Error != nil {
		result.Error = job.Error.Message
	}
	return result, nil
}

func (p *OpenAIProvider) Cancel(ctx context.Context, externalJobID string) error {
	return p.do(ctx, http.MethodPost, "/fine_tuning/jobs/"+externalJobID+"/cancel", nil, nil)
}

// uploadDataset writes the examples as JSONL to the files endpoint and
// returns the uploaded file id.
func (p *OpenAIProvider) uploadDataset(ctx context.Context, dataset Dataset) (string, error) {
	var jsonl bytes.Buffer
	encoder := json.NewEncoder(&jsonl)
	for _, example := range dataset.Examples {
		if err := encoder.Encode(example); err != nil {
			return "", err
		}
	}

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	if err := writer.WriteField("purpose", "fine-tune"); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("file", dataset.DocumentType+".jsonl")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(jsonl.Bytes()); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/files", &form)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var file struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &file); err != nil {
		return "", err
	}
	if file.ID == "" {
		return "", errors.New("training provider returned no file id")
	}
	return file.ID, nil
}

func (p *OpenAIProvider) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func normalizeStatus(raw string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "validating_files", "queued":
		return StatusQueued
	case "running":
		return StatusRunning
	case "succeeded":
		return StatusSucceeded
	case "failed":
		return StatusFailed
	case "cancelled":
		return StatusCancelled
	default:
		return StatusRunning
	}
}
