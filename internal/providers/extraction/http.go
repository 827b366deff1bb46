package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/docuvine/docuvine/internal/config"
	"go.uber.org/zap"
)

// HTTPProvider calls the managed extraction service over JSON.
type HTTPProvider struct {
	log        *zap.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPProvider(cfg config.Config, log *zap.Logger) Provider {
	return &HTTPProvider{
		log:        log.Named("extraction.http"),
		baseURL:    strings.TrimRight(cfg.ExtractionAPIBaseURL, "/"),
		apiKey:     cfg.ExtractionAPIKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *HTTPProvider) Classify(ctx context.Context, fileRef string) (Classification, error) {
	var out Classification
	err := p.post(ctx, "/v1/classify", map[string]any{"file_ref": fileRef}, &out)
	if err != nil {
		return Classification{}, err
	}
	return out, nil
}

func (p *HTTPProvider) Extract(ctx context.Context, fileRef, documentType string) (Result, error) {
	var out Result
	err := p.post(ctx, "/v1/extract", map[string]any{
		"file_ref":      fileRef,
		"document_type": documentType,
	}, &out)
	if err != nil {
		return Result{}, err
	}
	return out, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, body, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, &buf)
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
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("extraction provider http %d: %s", resp.StatusCode, string(raw))
	}
	return json.Unmarshal(raw, out)
}
