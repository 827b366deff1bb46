// Package seed bootstraps a demo credit account for local development
// so the API is exercisable immediately after first start.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/docuvine/docuvine/internal/credit/domain"
	"gorm.io/gorm"
)

const demoAccountID snowflake.ID = 1

// EnsureDemoAccount creates the demo account on the free plan if it
// does not exist. The opening grant goes through the ledger so the
// balance stays derivable from its entries.
func EnsureDemoAccount(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing creditdomain.AccountBalance
		err := tx.First(&existing, "account_id = ?", demoAccountID).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		allotment := creditdomain.MonthlyAllotment(creditdomain.PlanFree)
		account := creditdomain.AccountBalance{
			AccountID:          demoAccountID,
			Credits:            allotment,
			SubscriptionType:   creditdomain.PlanFree,
			SubscriptionStatus: creditdomain.SubscriptionStatusActive,
			AutoRenew:          true,
			BillingCycleEnd:    now.AddDate(0, 1, 0),
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := tx.Create(&account).Error; err != nil {
			return err
		}
		entry := creditdomain.UsageEntry{
			ID:          node.Generate(),
			AccountID:   demoAccountID,
			Amount:      allotment,
			Reason:      creditdomain.EntryReasonPlanGrant,
			Actor:       "seed",
			Description: "initial demo account grant",
			CreatedAt:   now,
		}
		return tx.Create(&entry).Error
	})
}
