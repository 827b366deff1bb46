package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

type CreateAccountRequest struct {
	AccountID snowflake.ID `json:"account_id"`
	Plan      PlanType     `json:"plan"`
	AutoRenew bool         `json:"auto_renew"`
}

type AuthorizeResult struct {
	Allowed   bool  `json:"allowed"`
	Available int64 `json:"available"`
	Required  int64 `json:"required"`
	Shortfall int64 `json:"shortfall"`
}

type DebitRequest struct {
	AccountID      snowflake.ID `json:"account_id"`
	Amount         int64        `json:"amount"`
	Reason         EntryReason  `json:"reason"`
	Actor          string       `json:"actor"`
	IdempotencyKey string       `json:"idempotency_key"`
}

type CreditRequest struct {
	AccountID   snowflake.ID `json:"account_id"`
	Amount      int64        `json:"amount"`
	Reason      EntryReason  `json:"reason"`
	Actor       string       `json:"actor"`
	Description string       `json:"description,omitempty"`
}

type ResetResult struct {
	AccountsReset int `json:"accounts_reset"`
}

type ExpiryResult struct {
	SubscriptionsExpired int `json:"subscriptions_expired"`
}

type Service interface {
	CreateAccount(ctx context.Context, req CreateAccountRequest) (*AccountBalance, error)
	GetBalance(ctx context.Context, accountID snowflake.ID) (*AccountBalance, error)
	// Authorize is a read-only affordability check; it never mutates state
	// so a downstream failure cannot leave a spurious debit behind.
	Authorize(ctx context.Context, accountID snowflake.ID, requiredCredits int64) (AuthorizeResult, error)
	Debit(ctx context.Context, req DebitRequest) (*AccountBalance, error)
	Credit(ctx context.Context, req CreditRequest) (*AccountBalance, error)
	ListEntries(ctx context.Context, accountID snowflake.ID, limit, offset int) ([]UsageEntry, int64, error)
	// ResetMonthlyCredits and CheckSubscriptionExpiry are idempotent batch
	// jobs driven by the scheduler; both touch only rows whose cycle end
	// is strictly in the past.
	ResetMonthlyCredits(ctx context.Context) (ResetResult, error)
	CheckSubscriptionExpiry(ctx context.Context) (ExpiryResult, error)
	// ReconcileBalance recomputes an account's balance from its entries.
	ReconcileBalance(ctx context.Context, accountID snowflake.ID) (int64, error)
}

var (
	ErrAccountNotFound       = errors.New("account_not_found")
	ErrAccountExists         = errors.New("account_already_exists")
	ErrInsufficientCredits   = errors.New("insufficient_credits")
	ErrDuplicateOperation    = errors.New("duplicate_operation")
	ErrInvalidAmount         = errors.New("invalid_amount")
	ErrAmountAboveCap        = errors.New("amount_above_cap")
	ErrInvalidReason         = errors.New("invalid_reason")
	ErrInvalidPlan           = errors.New("invalid_plan")
	ErrMissingActor          = errors.New("missing_actor")
	ErrMissingIdempotencyKey = errors.New("missing_idempotency_key")
	ErrForbidden             = errors.New("forbidden")
)

// InsufficientCreditsError reports the shortfall so callers can surface
// an actionable denial rather than a bare boolean.
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient_credits: required %d, available %d (short %d)",
		e.Required, e.Available, e.Shortfall())
}

func (e *InsufficientCreditsError) Shortfall() int64 {
	return e.Required - e.Available
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}
