package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/docuvine/docuvine/internal/actorcontext"
	"github.com/docuvine/docuvine/internal/clock"
	"github.com/docuvine/docuvine/internal/config"
	creditdomain "github.com/docuvine/docuvine/internal/credit/domain"
	"github.com/docuvine/docuvine/pkg/db"
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
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	creditCap int64
}

func NewService(p Params) creditdomain.Service {
	creditCap := p.Config.CreditCapPerTransaction
	if creditCap <= 0 {
		creditCap = 100000
	}
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("credit.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		creditCap: creditCap,
	}
}

func (s *Service) CreateAccount(ctx context.Context, req creditdomain.CreateAccountRequest) (*creditdomain.AccountBalance, error) {
	if req.AccountID == 0 {
		return nil, creditdomain.ErrAccountNotFound
	}
	if !creditdomain.ValidPlanType(req.Plan) {
		return nil, creditdomain.ErrInvalidPlan
	}

	now := s.clock.Now()
	allotment := creditdomain.MonthlyAllotment(req.Plan)
	account := &creditdomain.AccountBalance{
		AccountID:          req.AccountID,
		Credits:            allotment,
		SubscriptionType:   req.Plan,
		SubscriptionStatus: creditdomain.SubscriptionStatusActive,
		AutoRenew:          req.AutoRenew,
		BillingCycleEnd:    now.AddDate(0, 1, 0),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(account).Error; err != nil {
			if db.IsDuplicateKeyErr(err) {
				return creditdomain.ErrAccountExists
			}
			return err
		}
		entry := creditdomain.UsageEntry{
			ID:          s.genID.Generate(),
			AccountID:   req.AccountID,
			Amount:      allotment,
			Reason:      creditdomain.EntryReasonPlanGrant,
			Actor:       "system",
			Description: "initial plan grant: " + string(req.Plan),
			CreatedAt:   now,
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("account created",
		zap.String("account_id", account.AccountID.String()),
		zap.String("plan", string(req.Plan)),
	)
	return account, nil
}

func (s *Service) GetBalance(ctx context.Context, accountID snowflake.ID) (*creditdomain.AccountBalance, error) {
	var account creditdomain.AccountBalance
	err := s.db.WithContext(ctx).First(&account, "account_id = ?", accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, creditdomain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (s *Service) Authorize(ctx context.Context, accountID snowflake.ID, requiredCredits int64) (creditdomain.AuthorizeResult, error) {
	if requiredCredits <= 0 {
		return creditdomain.AuthorizeResult{}, creditdomain.ErrInvalidAmount
	}
	account, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return creditdomain.AuthorizeResult{}, err
	}

	result := creditdomain.AuthorizeResult{
		Available: account.Credits,
		Required:  requiredCredits,
	}
	if account.SubscriptionStatus == creditdomain.SubscriptionStatusActive && account.Credits >= requiredCredits {
		result.Allowed = true
		return result, nil
	}
	result.Shortfall = requiredCredits - account.Credits
	if result.Shortfall < 0 {
		result.Shortfall = 0
	}
	return result, nil
}

func (s *Service) Debit(ctx context.Context, req creditdomain.DebitRequest) (*creditdomain.AccountBalance, error) {
	if req.AccountID == 0 {
		return nil, creditdomain.ErrAccountNotFound
	}
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	if !creditdomain.ValidEntryReason(req.Reason) {
		return nil, creditdomain.ErrInvalidReason
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, creditdomain.ErrMissingIdempotencyKey
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		return nil, creditdomain.ErrMissingActor
	}

	var updated creditdomain.AccountBalance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var replays int64
		if err := tx.Model(&creditdomain.UsageEntry{}).
			Where("account_id = ? AND idempotency_key = ?", req.AccountID, key).
			Count(&replays).Error; err != nil {
			return err
		}
		if replays > 0 {
			return creditdomain.ErrDuplicateOperation
		}

		now := s.clock.Now()
		// Conditional update keeps check-then-act atomic: a concurrent
		// debit that would drive the balance negative affects zero rows.
		result := tx.Exec(
			`UPDATE account_balances
			 SET credits = credits - ?, lifetime_usage = lifetime_usage + ?, updated_at = ?
			 WHERE account_id = ? AND credits >= ?`,
			req.Amount, req.Amount, now, req.AccountID, req.Amount,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			var current creditdomain.AccountBalance
			if err := tx.First(&current, "account_id = ?", req.AccountID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return creditdomain.ErrAccountNotFound
				}
				return err
			}
			return &creditdomain.InsufficientCreditsError{
				Required:  req.Amount,
				Available: current.Credits,
			}
		}

		entry := creditdomain.UsageEntry{
			ID:             s.genID.Generate(),
			AccountID:      req.AccountID,
			Amount:         -req.Amount,
			Reason:         req.Reason,
			Actor:          actor,
			IdempotencyKey: &key,
			CreatedAt:      now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			// Losing the unique-index race rolls the balance update back,
			// so a retried request never double-charges.
			if db.IsDuplicateKeyErr(err) {
				return creditdomain.ErrDuplicateOperation
			}
			return err
		}

		return tx.First(&updated, "account_id = ?", req.AccountID).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Service) Credit(ctx context.Context, req creditdomain.CreditRequest) (*creditdomain.AccountBalance, error) {
	if req.AccountID == 0 {
		return nil, creditdomain.ErrAccountNotFound
	}
	if req.Amount <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}
	if req.Amount > s.creditCap {
		return nil, creditdomain.ErrAmountAboveCap
	}
	if !creditdomain.ValidEntryReason(req.Reason) {
		return nil, creditdomain.ErrInvalidReason
	}
	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		return nil, creditdomain.ErrMissingActor
	}
	if req.Reason == creditdomain.EntryReasonAdminAdd && !actorcontext.IsElevated(ctx) {
		return nil, creditdomain.ErrForbidden
	}

	var updated creditdomain.AccountBalance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		result := tx.Exec(
			`UPDATE account_balances SET credits = credits + ?, updated_at = ? WHERE account_id = ?`,
			req.Amount, now, req.AccountID,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return creditdomain.ErrAccountNotFound
		}

		entry := creditdomain.UsageEntry{
			ID:          s.genID.Generate(),
			AccountID:   req.AccountID,
			Amount:      req.Amount,
			Reason:      req.Reason,
			Actor:       actor,
			Description: strings.TrimSpace(req.Description),
			CreatedAt:   now,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		return tx.First(&updated, "account_id = ?", req.AccountID).Error
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *Service) ListEntries(ctx context.Context, accountID snowflake.ID, limit, offset int) ([]creditdomain.UsageEntry, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := s.db.WithContext(ctx).Model(&creditdomain.UsageEntry{}).Where("account_id = ?", accountID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []creditdomain.UsageEntry
	err := query.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&entries).Error
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *Service) ResetMonthlyCredits(ctx context.Context) (creditdomain.ResetResult, error) {
	now := s.clock.Now()

	var due []creditdomain.AccountBalance
	err := s.db.WithContext(ctx).
		Where("subscription_status = ? AND auto_renew = ? AND billing_cycle_end < ?",
			creditdomain.SubscriptionStatusActive, true, now).
		Order("account_id").
		Find(&due).Error
	if err != nil {
		return creditdomain.ResetResult{}, err
	}

	result := creditdomain.ResetResult{}
	for _, account := range due {
		reset, err := s.resetAccount(ctx, account, now)
		if err != nil {
			// One account's failure must not abort the batch.
			s.log.Warn("monthly reset failed for account",
				zap.String("account_id", account.AccountID.String()),
				zap.Error(err),
			)
			continue
		}
		if reset {
			result.AccountsReset++
		}
	}
	return result, nil
}

func (s *Service) resetAccount(ctx context.Context, account creditdomain.AccountBalance, now time.Time) (bool, error) {
	allotment := creditdomain.MonthlyAllotment(account.SubscriptionType)

	reset := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-read inside the transaction so the ledger entry delta is
		// computed from the same state the guarded update applies to.
		var current creditdomain.AccountBalance
		if err := tx.First(&current, "account_id = ?", account.AccountID).Error; err != nil {
			return err
		}
		if !current.BillingCycleEnd.Before(now) {
			return nil
		}
		nextCycleEnd := advanceCycleEnd(current.BillingCycleEnd, now)

		// The old cycle end is the optimistic guard: a concurrent or
		// repeated run sees zero rows and leaves the account alone.
		result := tx.Exec(
			`UPDATE account_balances
			 SET credits = ?, billing_cycle_end = ?, updated_at = ?
			 WHERE account_id = ? AND billing_cycle_end = ? AND subscription_status = ?`,
			allotment, nextCycleEnd, now,
			account.AccountID, current.BillingCycleEnd, creditdomain.SubscriptionStatusActive,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		reset = true

		entry := creditdomain.UsageEntry{
			ID:          s.genID.Generate(),
			AccountID:   account.AccountID,
			Amount:      allotment - current.Credits,
			Reason:      creditdomain.EntryReasonReset,
			Actor:       "system",
			Description: "monthly credit reset",
			CreatedAt:   now,
		}
		return tx.Create(&entry).Error
	})
	return reset, err
}

func (s *Service) CheckSubscriptionExpiry(ctx context.Context) (creditdomain.ExpiryResult, error) {
	now := s.clock.Now()

	var due []creditdomain.AccountBalance
	err := s.db.WithContext(ctx).
		Where("subscription_status = ? AND auto_renew = ? AND billing_cycle_end < ?",
			creditdomain.SubscriptionStatusActive, false, now).
		Order("account_id").
		Find(&due).Error
	if err != nil {
		return creditdomain.ExpiryResult{}, err
	}

	result := creditdomain.ExpiryResult{}
	for _, account := range due {
		expired, err := s.expireAccount(ctx, account, now)
		if err != nil {
			s.log.Warn("subscription expiry failed for account",
				zap.String("account_id", account.AccountID.String()),
				zap.Error(err),
			)
			continue
		}
		if expired {
			result.SubscriptionsExpired++
		}
	}
	return result, nil
}

func (s *Service) expireAccount(ctx context.Context, account creditdomain.AccountBalance, now time.Time) (bool, error) {
	expired := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current creditdomain.AccountBalance
		if err := tx.First(&current, "account_id = ?", account.AccountID).Error; err != nil {
			return err
		}

		result := tx.Exec(
			`UPDATE account_balances
			 SET subscription_status = ?, credits = 0, updated_at = ?
			 WHERE account_id = ? AND subscription_status = ?`,
			creditdomain.SubscriptionStatusExpired, now,
			account.AccountID, creditdomain.SubscriptionStatusActive,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// Already expired: a no-op, not an error.
			return nil
		}
		expired = true

		if current.Credits == 0 {
			return nil
		}
		entry := creditdomain.UsageEntry{
			ID:          s.genID.Generate(),
			AccountID:   account.AccountID,
			Amount:      -current.Credits,
			Reason:      creditdomain.EntryReasonExpiry,
			Actor:       "system",
			Description: "subscription expired, remaining credits cleared",
			CreatedAt:   now,
		}
		return tx.Create(&entry).Error
	})
	return expired, err
}

func (s *Service) ReconcileBalance(ctx context.Context, accountID snowflake.ID) (int64, error) {
	if _, err := s.GetBalance(ctx, accountID); err != nil {
		return 0, err
	}
	var sum *int64
	err := s.db.WithContext(ctx).
		Model(&creditdomain.UsageEntry{}).
		Select("SUM(amount)").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}

// advanceCycleEnd moves the cycle end forward whole months until it is
// in the future, so an account several cycles behind lands on schedule.
func advanceCycleEnd(cycleEnd, now time.Time) time.Time {
	next := cycleEnd
	for !next.After(now) {
		next = next.AddDate(0, 1, 0)
	}
	return next
}
