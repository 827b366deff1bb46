package service

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/docuvine/docuvine/internal/clock"
	"github.com/docuvine/docuvine/internal/config"
	deploymentdomain "github.com/docuvine/docuvine/internal/deployment/domain"
	documentdomain "github.com/docuvine/docuvine/internal/document/domain"
	finetunedomain "github.com/docuvine/docuvine/internal/finetune/domain"
	pkgdb "github.com/docuvine/docuvine/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config config.Config
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cfg   config.Config
}

func NewService(p Params) deploymentdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("deployment.service"),
		genID: p.GenID,
		clock: p.Clock,
		cfg:   p.Config,
	}
}

func (s *Service) CreateFromJob(ctx context.Context, job *finetunedomain.FineTuningJob) (*deploymentdomain.ModelVersion, error) {
	if job == nil || job.Status != finetunedomain.JobStatusSucceeded {
		return nil, deploymentdomain.ErrJobNotSucceeded
	}

	autoDeploy := deploymentdomain.DeploymentStatus(s.cfg.AutoDeployStatus)
	if autoDeploy != deploymentdomain.DeploymentStatusActive {
		autoDeploy = deploymentdomain.DeploymentStatusTesting
	}

	now := s.clock.Now()
	version := &deploymentdomain.ModelVersion{
		ID:               s.genID.Generate(),
		JobID:            job.ID,
		DocumentType:     job.DocumentType,
		DeploymentStatus: deploymentdomain.DeploymentStatusTesting,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		err := tx.Model(&deploymentdomain.ModelVersion{}).
			Where("document_type = ?", job.DocumentType).
			Select("COALESCE(MAX(version_number), 0)").
			Scan(&maxVersion).Error
		if err != nil {
			return err
		}
		version.VersionNumber = maxVersion + 1

		if autoDeploy == deploymentdomain.DeploymentStatusActive {
			if err := s.demoteActive(tx, job.DocumentType, now); err != nil {
				return err
			}
			version.DeploymentStatus = deploymentdomain.DeploymentStatusActive
			version.TrafficPercentage = 100
		}
		return tx.Create(version).Error
	})
	if err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			// The monitor may fire the completion hook twice for the
			// same job; the first registration wins.
			return nil, deploymentdomain.ErrVersionExists
		}
		return nil, err
	}

	s.log.Info("model version registered",
		zap.String("job_id", job.ID.String()),
		zap.String("document_type", string(job.DocumentType)),
		zap.Int("version_number", version.VersionNumber),
		zap.String("deployment_status", string(version.DeploymentStatus)),
	)
	return version, nil
}

func (s *Service) demoteActive(tx *gorm.DB, documentType documentdomain.DocumentType, now time.Time) error {
	return tx.Model(&deploymentdomain.ModelVersion{}).
		Where("document_type = ? AND deployment_status = ?", documentType, deploymentdomain.DeploymentStatusActive).
		Updates(map[string]any{
			"deployment_status":  deploymentdomain.DeploymentStatusInactive,
			"traffic_percentage": 0,
			"updated_at":         now,
		}).Error
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*deploymentdomain.ModelVersion, error) {
	var version deploymentdomain.ModelVersion
	err := s.db.WithContext(ctx).First(&version, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, deploymentdomain.ErrVersionNotFound
		}
		return nil, err
	}
	return &version, nil
}

func (s *Service) List(ctx context.Context, req deploymentdomain.ListVersionsRequest) ([]deploymentdomain.ModelVersion, error) {
	query := s.db.WithContext(ctx).Model(&deploymentdomain.ModelVersion{})
	if req.DocumentType != "" {
		query = query.Where("document_type = ?", req.DocumentType)
	}
	if req.Status != "" {
		query = query.Where("deployment_status = ?", req.Status)
	}
	var versions []deploymentdomain.ModelVersion
	if err := query.Order("document_type, version_number DESC").Find(&versions).Error; err != nil {
		return nil, err
	}
	return versions, nil
}

func (s *Service) Deploy(ctx context.Context, id snowflake.ID) (*deploymentdomain.ModelVersion, error) {
	now := s.clock.Now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var version deploymentdomain.ModelVersion
		if err := tx.First(&version, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return deploymentdomain.ErrVersionNotFound
			}
			return err
		}
		switch version.DeploymentStatus {
		case deploymentdomain.DeploymentStatusActive:
			// Already serving; nothing to do.
			return nil
		case deploymentdomain.DeploymentStatusArchived:
			return deploymentdomain.ErrInvalidState
		}

		if err := s.demoteActive(tx, version.DocumentType, now); err != nil {
			return err
		}
		return tx.Model(&deploymentdomain.ModelVersion{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"deployment_status":  deploymentdomain.DeploymentStatusActive,
				"traffic_percentage": 100,
				"updated_at":         now,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) Deactivate(ctx context.Context, id snowflake.ID) (*deploymentdomain.ModelVersion, error) {
	version, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if version.DeploymentStatus == deploymentdomain.DeploymentStatusArchived {
		return nil, deploymentdomain.ErrInvalidState
	}
	err = s.db.WithContext(ctx).Model(&deploymentdomain.ModelVersion{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"deployment_status":  deploymentdomain.DeploymentStatusInactive,
			"traffic_percentage": 0,
			"updated_at":         s.clock.Now(),
		}).Error
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) Archive(ctx context.Context, id snowflake.ID) (*deploymentdomain.ModelVersion, error) {
	version, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// An active version must be deactivated first so there is never a
	// moment without a serving model going unnoticed.
	if version.DeploymentStatus == deploymentdomain.DeploymentStatusActive {
		return nil, deploymentdomain.ErrInvalidState
	}
	err = s.db.WithContext(ctx).Model(&deploymentdomain.ModelVersion{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"deployment_status":  deploymentdomain.DeploymentStatusArchived,
			"traffic_percentage": 0,
			"updated_at":         s.clock.Now(),
		}).Error
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) SetCanaryTraffic(ctx context.Context, id snowflake.ID, percentage int) (*deploymentdomain.ModelVersion, error) {
	if percentage < 0 || percentage > 99 {
		return nil, deploymentdomain.ErrInvalidTraffic
	}
	version, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if version.DeploymentStatus != deploymentdomain.DeploymentStatusTesting {
		return nil, deploymentdomain.ErrInvalidState
	}
	err = s.db.WithContext(ctx).Model(&deploymentdomain.ModelVersion{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"traffic_percentage": percentage,
			"updated_at":         s.clock.Now(),
		}).Error
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *Service) RouteFor(ctx context.Context, documentType documentdomain.DocumentType, routingKey string) (deploymentdomain.Route, error) {
	var active deploymentdomain.ModelVersion
	err := s.db.WithContext(ctx).
		Where("document_type = ? AND deployment_status = ?", documentType, deploymentdomain.DeploymentStatusActive).
		First(&active).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return deploymentdomain.Route{}, deploymentdomain.ErrNoActiveVersion
		}
		return deploymentdomain.Route{}, err
	}

	var canary deploymentdomain.ModelVersion
	err = s.db.WithContext(ctx).
		Where("document_type = ? AND deployment_status = ? AND traffic_percentage > 0",
			documentType, deploymentdomain.DeploymentStatusTesting).
		Order("version_number DESC").
		First(&canary).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return deploymentdomain.Route{Version: &active}, nil
		}
		return deploymentdomain.Route{}, err
	}

	if routingKey != "" && bucketFor(routingKey) < canary.TrafficPercentage {
		return deploymentdomain.Route{Version: &canary, Canary: true}, nil
	}
	return deploymentdomain.Route{Version: &active}, nil
}

// bucketFor maps a routing key onto [0, 100). The hash is stable across
// processes, so a request keyed the same way always takes the same path.
func bucketFor(routingKey string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(routingKey))
	return int(h.Sum32() % 100)
}
