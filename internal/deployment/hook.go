package deployment

import (
	"context"
	"errors"

	deploymentdomain "github.com/docuvine/docuvine/internal/deployment/domain"
	finetunedomain "github.com/docuvine/docuvine/internal/finetune/domain"
)

// completionHook registers a model version whenever a fine-tuning job
// finishes. Duplicate notifications for the same job are absorbed.
type completionHook struct {
	versions deploymentdomain.Service
}

func NewCompletionHook(versions deploymentdomain.Service) finetunedomain.CompletionHook {
	return &completionHook{versions: versions}
}

func (h *completionHook) JobSucceeded(ctx context.Context, job *finetunedomain.FineTuningJob) error {
	_, err := h.versions.CreateFromJob(ctx, job)
	if errors.Is(err, deploymentdomain.ErrVersionExists) {
		return nil
	}
	return err
}
