package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/docuvine/docuvine/internal/actorcontext"
	"github.com/docuvine/docuvine/internal/clock"
	creditdomain "github.com/docuvine/docuvine/internal/credit/domain"
	finetunedomain "github.com/docuvine/docuvine/internal/finetune/domain"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type stubCreditService struct {
	creditdomain.Service

	resetResult  creditdomain.ResetResult
	resetErr     error
	resetCalls   int
	expiryResult creditdomain.ExpiryResult
	expiryErr    error
	expiryCalls  int
	sawActor     bool
}

func (s *stubCreditService) ResetMonthlyCredits(ctx context.Context) (creditdomain.ResetResult, error) {
	s.resetCalls++
	s.sawActor = actorcontext.IsElevated(ctx)
	return s.resetResult, s.resetErr
}

func (s *stubCreditService) CheckSubscriptionExpiry(ctx context.Context) (creditdomain.ExpiryResult, error) {
	s.expiryCalls++
	return s.expiryResult, s.expiryErr
}

type stubFinetuneService struct {
	finetunedomain.Service

	monitorResult finetunedomain.MonitorResult
	monitorErr    error
	monitorCalls  int
	block         chan struct{}
}

func (s *stubFinetuneService) MonitorActiveJobs(ctx context.Context) (finetunedomain.MonitorResult, error) {
	s.monitorCalls++
	if s.block != nil {
		select {
		case <-ctx.Done():
			return finetunedomain.MonitorResult{}, ctx.Err()
		case <-s.block:
		}
	}
	return s.monitorResult, s.monitorErr
}

func newTestScheduler(t *testing.T, credit *stubCreditService, finetune *stubFinetuneService, cfg Config) *Scheduler {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake.NewNode: %v", err)
	}
	sched, err := New(Params{
		DB:          db,
		Log:         zap.NewNop(),
		CreditSvc:   credit,
		FinetuneSvc: finetune,
		GenID:       node,
		Clock:       clock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)),
		Config:      cfg,
	})
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	return sched
}

func TestRunOnceRunsAllJobs(t *testing.T) {
	credit := &stubCreditService{
		resetResult:  creditdomain.ResetResult{AccountsReset: 3},
		expiryResult: creditdomain.ExpiryResult{SubscriptionsExpired: 1},
	}
	finetune := &stubFinetuneService{monitorResult: finetunedomain.MonitorResult{Updated: 2, Completed: 1, Failed: 1}}
	sched := newTestScheduler(t, credit, finetune, Config{})

	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if credit.resetCalls != 1 || credit.expiryCalls != 1 || finetune.monitorCalls != 1 {
		t.Fatalf("expected each job once, got reset=%d expiry=%d monitor=%d",
			credit.resetCalls, credit.expiryCalls, finetune.monitorCalls)
	}
	if !credit.sawActor {
		t.Fatal("expected jobs to run under a system actor")
	}
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	credit := &stubCreditService{}
	finetune := &stubFinetuneService{}
	sched := newTestScheduler(t, credit, finetune, Config{
		EnabledJobs: []string{"monitor_active_jobs"},
	})

	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if credit.resetCalls != 0 || credit.expiryCalls != 0 {
		t.Fatalf("expected credit jobs skipped, got reset=%d expiry=%d", credit.resetCalls, credit.expiryCalls)
	}
	if finetune.monitorCalls != 1 {
		t.Fatalf("expected monitor to run, got %d", finetune.monitorCalls)
	}
}

func TestRunOnceJoinsJobErrorsWithoutAborting(t *testing.T) {
	credit := &stubCreditService{resetErr: errors.New("deadlock detected")}
	finetune := &stubFinetuneService{monitorResult: finetunedomain.MonitorResult{Updated: 1, Completed: 1}}
	sched := newTestScheduler(t, credit, finetune, Config{})

	err := sched.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected joined error from failing job")
	}
	// One failing job never stops the others from running.
	if credit.expiryCalls != 1 || finetune.monitorCalls != 1 {
		t.Fatalf("expected remaining jobs to run, got expiry=%d monitor=%d",
			credit.expiryCalls, finetune.monitorCalls)
	}
}

func TestJobTimeoutIsSoft(t *testing.T) {
	credit := &stubCreditService{}
	finetune := &stubFinetuneService{block: make(chan struct{})}
	sched := newTestScheduler(t, credit, finetune, Config{JobTimeout: 20 * time.Millisecond})

	// The monitor job hangs past its deadline; RunOnce must still
	// return nil because timeouts are retried next cycle.
	if err := sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected soft timeout, got %v", err)
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(Params{})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
