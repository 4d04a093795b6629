// Package testing moves balance timestamps so scheduler jobs have work to do.
package testing

import (
	"context"
	"time"

	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites persisted timestamps relative to a clock.
type TimeAccelerator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTimeAccelerator(db *gorm.DB, now func() time.Time) *TimeAccelerator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TimeAccelerator{db: db, now: now}
}

// FastForwardResets makes every active resetting entitlement of the
// customer due one minute ago.
func (ta *TimeAccelerator) FastForwardResets(ctx context.Context, key ledgerdomain.CustomerKey) (int64, error) {
	now := ta.now()
	result := ta.db.WithContext(ctx).
		Model(&ledgerdomain.CustomerEntitlement{}).
		Where("org_id = ? AND env = ? AND customer_id = ? AND status = ? AND next_reset_at IS NOT NULL",
			key.OrgID, key.Env, key.CustomerID, ledgerdomain.StatusActive).
		Updates(map[string]any{
			"next_reset_at": now.Add(-time.Minute),
			"updated_at":    now,
		})
	return result.RowsAffected, result.Error
}

// AgeAllocations shifts pending allocation records back by d.
func (ta *TimeAccelerator) AgeAllocations(ctx context.Context, d time.Duration) (int64, error) {
	var pending []ledgerdomain.AllocationRecord
	if err := ta.db.WithContext(ctx).
		Where("status = ?", ledgerdomain.AllocationStatusPending).
		Find(&pending).Error; err != nil {
		return 0, err
	}
	for _, a := range pending {
		if err := ta.db.WithContext(ctx).
			Model(&ledgerdomain.AllocationRecord{}).
			Where("id = ?", a.ID).
			Update("created_at", a.CreatedAt.Add(-d)).Error; err != nil {
			return 0, err
		}
	}
	return int64(len(pending)), nil
}
