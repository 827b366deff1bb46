// Package scheduler drives the periodic maintenance jobs: monthly
// credit resets, subscription expiry, and fine-tuning status polls.
// Every job is idempotent, so overlapping schedulers converge on the
// same state.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/docuvine/docuvine/internal/actorcontext"
	"github.com/docuvine/docuvine/internal/clock"
	creditdomain "github.com/docuvine/docuvine/internal/credit/domain"
	finetunedomain "github.com/docuvine/docuvine/internal/finetune/domain"
	obsmetrics "github.com/docuvine/docuvine/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	CreditSvc   creditdomain.Service
	FinetuneSvc finetunedomain.Service
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      Config `optional:"true"`
}

type Scheduler struct {
	db          *gorm.DB
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	creditSvc   creditdomain.Service
	finetuneSvc finetunedomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.CreditSvc == nil || p.FinetuneSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		creditSvc:   p.CreditSvc,
		finetuneSvc: p.FinetuneSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = actorcontext.WithActor(ctx, actorcontext.Actor{ID: "scheduler", Role: actorcontext.RoleSystem})
	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(run)
	}
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// A timed-out pass is not fatal; the next cycle resumes where
		// this one stopped.
		schedMetrics.IncJobTimeout(name)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	schedMetrics.IncJobError(name)
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{"reset_monthly_credits", s.cfg.JobTimeout, s.ResetMonthlyCreditsJob},
		{"check_subscription_expiry", s.cfg.JobTimeout, s.CheckSubscriptionExpiryJob},
		{"monitor_active_jobs", s.cfg.JobTimeout, s.MonitorActiveJobsJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Timeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		if lag := time.Since(nextRun); lag > 0 {
			schedMetrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// isJobEnabled defaults to all jobs when EnabledJobs is empty, so a
// monolith runs everything and a split deployment pins its own set.
func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) ResetMonthlyCreditsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "reset_monthly_credits")
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	result, err := s.creditSvc.ResetMonthlyCredits(ctx)
	if err != nil {
		s.logJobError(run, "reset_monthly_credits", err)
		return err
	}
	run.AddProcessed(result.AccountsReset)
	obsmetrics.Scheduler().AddBatchProcessed("reset_monthly_credits", "account", result.AccountsReset)
	return nil
}

func (s *Scheduler) CheckSubscriptionExpiryJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "check_subscription_expiry")
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	result, err := s.creditSvc.CheckSubscriptionExpiry(ctx)
	if err != nil {
		s.logJobError(run, "check_subscription_expiry", err)
		return err
	}
	run.AddProcessed(result.SubscriptionsExpired)
	obsmetrics.Scheduler().AddBatchProcessed("check_subscription_expiry", "account", result.SubscriptionsExpired)
	return nil
}

func (s *Scheduler) MonitorActiveJobsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "monitor_active_jobs")
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	result, err := s.finetuneSvc.MonitorActiveJobs(ctx)
	if err != nil {
		s.logJobError(run, "monitor_active_jobs", err)
		return err
	}
	run.AddProcessed(result.Updated)
	s.log.Info("monitor cycle finished",
		zap.String("job", "monitor_active_jobs"),
		zap.Int("updated", result.Updated),
		zap.Int("completed", result.Completed),
		zap.Int("failed", result.Failed),
		zap.Int("still_running", result.StillRunning),
	)
	obsmetrics.Scheduler().AddBatchProcessed("monitor_active_jobs", "fine_tuning_job", result.Updated)
	return nil
}
