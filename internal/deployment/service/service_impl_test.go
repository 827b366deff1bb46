package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/docuvine/docuvine/internal/clock"
	"github.com/docuvine/docuvine/internal/config"
	deploymentdomain "github.com/docuvine/docuvine/internal/deployment/domain"
	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
	finetunedomain "github.com/docuvine/docuvine/internal/finetune/domain"
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

func prepareDeploymentSchema(t *testing.T, db *gorm.DB) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE model_versions (
			id INTEGER PRIMARY KEY,
			job_id INTEGER NOT NULL,
			document_type TEXT NOT NULL,
			version_number INTEGER NOT NULL,
			deployment_status TEXT NOT NULL,
			traffic_percentage INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_model_versions_job ON model_versions (job_id)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("prepare schema: %v", err)
		}
	}
}

func setupDeployment(t *testing.T, autoDeploy string) (*Service, *snowflake.Node) {
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
	prepareDeploymentSchema(t, db)

	node := mustNode(t)
	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Config: config.Config{AutoDeployStatus: autoDeploy},
	}).(*Service)
	return svc, node
}

func succeededJob(node *snowflake.Node, docType documentdomain.DocumentType) *finetunedomain.FineTuningJob {
	return &finetunedomain.FineTuningJob{
		ID:           node.Generate(),
		DocumentType: docType,
		Status:       finetunedomain.JobStatusSucceeded,
	}
}

func TestCreateFromJobRequiresSucceededJob(t *testing.T) {
	svc, node := setupDeployment(t, "testing")
	ctx := context.Background()

	job := succeededJob(node, documentdomain.DocumentTypeInvoice)
	job.Status = finetunedomain.JobStatusRunning
	if _, err := svc.CreateFromJob(ctx, job); !errors.Is(err, deploymentdomain.ErrJobNotSucceeded) {
		t.Fatalf("expected ErrJobNotSucceeded, got %v", err)
	}

	job.Status = finetunedomain.JobStatusSucceeded
	version, err := svc.CreateFromJob(ctx, job)
	if err != nil {
		t.Fatalf("create from job: %v", err)
	}
	if version.VersionNumber != 1 {
		t.Fatalf("expected version 1, got %d", version.VersionNumber)
	}
	if version.DeploymentStatus != deploymentdomain.DeploymentStatusTesting {
		t.Fatalf("expected testing under manual policy, got %s", version.DeploymentStatus)
	}

	// The completion hook can fire twice for one job.
	if _, err := svc.CreateFromJob(ctx, job); !errors.Is(err, deploymentdomain.ErrVersionExists) {
		t.Fatalf("expected ErrVersionExists, got %v", err)
	}
}

func TestVersionNumbersAreMonotonicPerType(t *testing.T) {
	svc, node := setupDeployment(t, "testing")
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		version, err := svc.CreateFromJob(ctx, succeededJob(node, documentdomain.DocumentTypeInvoice))
		if err != nil {
			t.Fatalf("create invoice version: %v", err)
		}
		if version.VersionNumber != want {
			t.Fatalf("expected invoice version %d, got %d", want, version.VersionNumber)
		}
	}

	// A separate document type counts from one.
	version, err := svc.CreateFromJob(ctx, succeededJob(node, documentdomain.DocumentTypeReceipt))
	if err != nil {
		t.Fatalf("create receipt version: %v", err)
	}
	if version.VersionNumber != 1 {
		t.Fatalf("expected receipt version 1, got %d", version.VersionNumber)
	}
}

func TestDeployDemotesPreviousActiveAtomically(t *testing.T) {
	svc, node := setupDeployment(t, "testing")
	ctx := context.Background()

	v1, err := svc.CreateFromJob(ctx, succeededJob(node, documentdomain.DocumentTypeInvoice))
	if err != nil {
		t.Fatalf("create v1: %v", err)
	}
	v2, err := svc.CreateFromJob(ctx, succeededJob(node, documentdomain.DocumentTypeInvoice))
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}

	if _, err := svc.Deploy(ctx, v1.ID); err != nil {
		t.Fatalf("deploy v1: %v", err)
	}
	deployed, err := svc.Deploy(ctx, v2.ID)
	if err != nil {
		t.Fatalf("deploy v2: %v", err)
	}
	if deployed.DeploymentStatus != deploymentdomain.DeploymentStatusActive || deployed.TrafficPercentage != 100 {
		t.Fatalf("expected v2 active at 100%%, got %s/%d", deployed.DeploymentStatus, deployed.TrafficPercentage)
	}

	demoted, err := svc.Get(ctx, v1.ID)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if demoted.DeploymentStatus != deploymentdomain.DeploymentStatusInactive || demoted.TrafficPercentage != 0 {
		t.Fatalf("expected v1 demoted, got %s/%d", demoted.DeploymentStatus, demoted.TrafficPercentage)
	}

	actives, err := svc.List(ctx, deploymentdomain.ListVersionsRequest{
		DocumentType: documentdomain.DocumentTypeInvoice,
		Status:       deploymentdomain.DeploymentStatusActive,
	})
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(actives) != 1 || actives[0].ID != v2.ID {
		t.Fatalf("expected exactly one active version, got %d", len(actives))
	}
}

func TestAutoDeployPolicyActivatesNewVersions(t *testing.T) {
	svc, node := setupDeployment(t, "active")
	ctx := context.Background()

	v1, err := svc.CreateFromJob(ctx, succeededJob(node, documentdomain.DocumentTypeInvoice))
	if err != nil {
		t.Fatalf("create v1: %v", err)
	}
	if v1.DeploymentStatus != deploymentdomain.DeploymentStatusActive {
		t.Fatalf("expected auto-deployed active, got %s", v1.DeploymentStatus)
	}

	v2, err := svc.CreateFromJob(ctx, succeededJob(node, documentdomain.DocumentTypeInvoice))
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}
	if v2.DeploymentStatus != deploymentdomain.DeploymentStatusActive {
		t.Fatalf("expected v2 active, got %s", v2.DeploymentStatus)
	}

	demoted, err := svc.Get(ctx, v1.ID)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if demoted.DeploymentStatus != deploymentdomain.DeploymentStatusInactive {
		t.Fatalf("expected v1 demoted by auto-deploy, got %s", demoted.DeploymentStatus)
	}
}

func TestArchiveRejectsActiveVersion(t *testing.T) {
	svc, node := setupDeployment(t, "active")
	ctx := context.Background()

	v1, err := svc.CreateFromJob(ctx, succeededJob(node, documentdomain.DocumentTypeInvoice))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Archive(ctx, v1.ID); !errors.Is(err, deploymentdomain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState archiving active, got %v", err)
	}

	if _, err := svc.Deactivate(ctx, v1.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	archived, err := svc.Archive(ctx, v1.ID)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.DeploymentStatus != deploymentdomain.DeploymentStatusArchived {
		t.Fatalf("expected archived, got %s", archived.DeploymentStatus)
	}

	// Archived versions never come back.
	if _, err := svc.Deploy(ctx, v1.ID); !errors.Is(err, deploymentdomain.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState deploying archived, got %v", err)
	}
}

func TestRouteForSplitsCanaryDeterministically(t *testing.T) {
	svc, node := setupDeployment(t, "testing")
	ctx := context.Background()

	if _, err := svc.RouteFor(ctx, documentdomain.DocumentTypeInvoice, "req-1"); !errors.Is(err, deploymentdomain.ErrNoActiveVersion) {
		t.Fatalf("expected ErrNoActiveVersion, got %v", err)
	}

	stable, err := svc.CreateFromJob(ctx, succeededJob(node, documentdomain.DocumentTypeInvoice))
	if err != nil {
		t.Fatalf("create stable: %v", err)
	}
	if _, err := svc.Deploy(ctx, stable.ID); err != nil {
		t.Fatalf("deploy stable: %v", err)
	}
	canary, err := svc.CreateFromJob(ctx, succeededJob(node, documentdomain.DocumentTypeInvoice))
	if err != nil {
		t.Fatalf("create canary: %v", err)
	}
	if _, err := svc.SetCanaryTraffic(ctx, canary.ID, 30); err != nil {
		t.Fatalf("set canary traffic: %v", err)
	}

	sawCanary, sawStable := 0, 0
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("request-%d", i)
		first, err := svc.RouteFor(ctx, documentdomain.DocumentTypeInvoice, key)
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		// The same key always resolves to the same version.
		second, err := svc.RouteFor(ctx, documentdomain.DocumentTypeInvoice, key)
		if err != nil {
			t.Fatalf("re-route: %v", err)
		}
		if first.Version.ID != second.Version.ID {
			t.Fatalf("routing flapped for key %s", key)
		}
		if first.Canary {
			sawCanary++
		} else {
			sawStable++
		}
	}
	if sawCanary == 0 || sawStable == 0 {
		t.Fatalf("expected traffic on both sides of the split, got canary=%d stable=%d", sawCanary, sawStable)
	}

	// Dropping the canary to zero sends everything to the active version.
	if _, err := svc.SetCanaryTraffic(ctx, canary.ID, 0); err != nil {
		t.Fatalf("clear canary traffic: %v", err)
	}
	route, err := svc.RouteFor(ctx, documentdomain.DocumentTypeInvoice, "request-1")
	if err != nil {
		t.Fatalf("route after clear: %v", err)
	}
	if route.Canary || route.Version.ID != stable.ID {
		t.Fatal("expected all traffic on the active version")
	}

	if _, err := svc.SetCanaryTraffic(ctx, canary.ID, 100); !errors.Is(err, deploymentdomain.ErrInvalidTraffic) {
		t.Fatalf("expected ErrInvalidTraffic, got %v", err)
	}
}
