package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
	finetunedomain "github.com/docuvine/docuvine/internal/finetune/domain"
)

type ListVersionsRequest struct {
	DocumentType documentdomain.DocumentType `form:"document_type"`
	Status       DeploymentStatus            `form:"status"`
}

// Route is the model a request should hit, resolved once per request
// so retries within it stay on the same version.
type Route struct {
	Version *ModelVersion `json:"version"`
	Canary  bool          `json:"canary"`
}

type Service interface {
	// CreateFromJob registers a new version for a succeeded job. The
	// initial status follows the configured auto-deploy policy.
	CreateFromJob(ctx context.Context, job *finetunedomain.FineTuningJob) (*ModelVersion, error)
	Get(ctx context.Context, id snowflake.ID) (*ModelVersion, error)
	List(ctx context.Context, req ListVersionsRequest) ([]ModelVersion, error)
	// Deploy promotes a version to active. The previously active
	// version for the same document type is demoted in the same
	// transaction; there is no window with two active versions.
	Deploy(ctx context.Context, id snowflake.ID) (*ModelVersion, error)
	Deactivate(ctx context.Context, id snowflake.ID) (*ModelVersion, error)
	Archive(ctx context.Context, id snowflake.ID) (*ModelVersion, error)
	// SetCanaryTraffic sends the given percentage of traffic to a
	// testing version, the remainder staying on the active one.
	SetCanaryTraffic(ctx context.Context, id snowflake.ID, percentage int) (*ModelVersion, error)
	// RouteFor resolves the version for one request. The same routing
	// key always lands on the same side of a canary split.
	RouteFor(ctx context.Context, documentType documentdomain.DocumentType, routingKey string) (Route, error)
}

var (
	ErrVersionNotFound = errors.New("model_version_not_found")
	ErrInvalidState    = errors.New("invalid_deployment_state")
	ErrJobNotSucceeded = errors.New("job_not_succeeded")
	ErrNoActiveVersion = errors.New("no_active_version")
	ErrInvalidTraffic  = errors.New("invalid_traffic_percentage")
	ErrVersionExists   = errors.New("model_version_exists")
)
