package domain

import "context"

// CompletionHook is notified once per job that reaches succeeded.
// Implementations must be idempotent: the monitor may observe the same
// transition twice under concurrent runs.
type CompletionHook interface {
	JobSucceeded(ctx context.Context, job *FineTuningJob) error
}
