// Package domain contains persistence models and contracts for the
// credit ledger: per-account balances gated by usage debits, and the
// append-only entry trail the balance is derived from.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for an account's plan.
type SubscriptionStatus string

const (
	SubscriptionStatusActive  SubscriptionStatus = "active"
	SubscriptionStatusExpired SubscriptionStatus = "expired"
)

// EntryReason classifies a ledger entry.
type EntryReason string

const (
	EntryReasonUsage     EntryReason = "usage"
	EntryReasonAdminAdd  EntryReason = "admin_add"
	EntryReasonPlanGrant EntryReason = "plan_grant"
	EntryReasonReset     EntryReason = "reset"
	EntryReasonExpiry    EntryReason = "expiry"
)

// ValidEntryReason reports whether reason is a known classification.
func ValidEntryReason(reason EntryReason) bool {
	switch reason {
	case EntryReasonUsage, EntryReasonAdminAdd, EntryReasonPlanGrant, EntryReasonReset, EntryReasonExpiry:
		return true
	default:
		return false
	}
}

// AccountBalance is the materialized running balance for one account.
// It is a cache over the usage_entries trail: the invariant
// credits == sum(entries.amount) is reconciled in tests and never
// allowed to go negative.
type AccountBalance struct {
	AccountID          snowflake.ID       `gorm:"primaryKey" json:"account_id"`
	Credits            int64              `gorm:"not null;default:0" json:"credits"`
	SubscriptionType   PlanType           `gorm:"type:text;not null" json:"subscription_type"`
	SubscriptionStatus SubscriptionStatus `gorm:"type:text;not null" json:"subscription_status"`
	AutoRenew          bool               `gorm:"not null" json:"auto_renew"`
	BillingCycleEnd    time.Time          `gorm:"not null;index" json:"billing_cycle_end"`
	LifetimeUsage      int64              `gorm:"not null;default:0" json:"lifetime_usage"`
	CreatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (AccountBalance) TableName() string { return "account_balances" }

// UsageEntry is one immutable ledger posting. Debits carry negative
// amounts so the balance is always the plain sum of an account's entries.
type UsageEntry struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	AccountID      snowflake.ID `gorm:"not null;index;uniqueIndex:ux_usage_entries_account_idem,priority:1" json:"account_id"`
	Amount         int64        `gorm:"not null" json:"amount"`
	Reason         EntryReason  `gorm:"type:text;not null" json:"reason"`
	Actor          string       `gorm:"type:text;not null" json:"actor"`
	Description    string       `gorm:"type:text" json:"description,omitempty"`
	IdempotencyKey *string      `gorm:"type:text;uniqueIndex:ux_usage_entries_account_idem,priority:2" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName sets the database table name.
func (UsageEntry) TableName() string { return "usage_entries" }
