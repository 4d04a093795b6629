package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/balancer/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func withBalanceState(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Entitlement").
		Preload("Rollovers", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") })
}

func (r *repo) CreateEntitlement(ctx context.Context, db *gorm.DB, ent *domain.Entitlement) error {
	return db.WithContext(ctx).Create(ent).Error
}

func (r *repo) FindEntitlement(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Entitlement, error) {
	var ent domain.Entitlement
	err := db.WithContext(ctx).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ent, nil
}

func (r *repo) CreateCustomerEntitlement(ctx context.Context, db *gorm.DB, ce *domain.CustomerEntitlement) error {
	return db.WithContext(ctx).Omit(clause.Associations).Create(ce).Error
}

// LockCustomerEntitlements takes row locks in id order so concurrent
// deductions over overlapping rows cannot deadlock.
func (r *repo) LockCustomerEntitlements(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.CustomerEntitlement, error) {
	var rows []domain.CustomerEntitlement
	err := withBalanceState(db.WithContext(ctx)).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id IN ? AND status = ?", ids, domain.StatusActive).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ListCustomerEntitlements(ctx context.Context, db *gorm.DB, key domain.CustomerKey, lock bool) ([]domain.CustomerEntitlement, error) {
	stmt := withBalanceState(db.WithContext(ctx)).
		Where("org_id = ? AND env = ? AND customer_id = ? AND status = ?", key.OrgID, key.Env, key.CustomerID, domain.StatusActive).
		Order("id ASC")
	if lock {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var rows []domain.CustomerEntitlement
	if err := stmt.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *repo) ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.CustomerEntitlement, error) {
	var rows []domain.CustomerEntitlement
	err := withBalanceState(db.WithContext(ctx)).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND next_reset_at IS NOT NULL AND next_reset_at <= ?", domain.StatusActive, now).
		Order("next_reset_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// nextStamp keeps updated_at strictly increasing per row so writers holding
// the row lock in turn can be ordered by it.
func nextStamp(prev, now time.Time) time.Time {
	stamp := now.Truncate(time.Microsecond)
	if floor := prev.Add(time.Microsecond); !prev.IsZero() && stamp.Before(floor) {
		stamp = floor
	}
	return stamp
}

func (r *repo) UpdateBalances(ctx context.Context, db *gorm.DB, ce *domain.CustomerEntitlement, now time.Time) error {
	now = nextStamp(ce.UpdatedAt, now)
	res := db.WithContext(ctx).
		Model(&domain.CustomerEntitlement{}).
		Where("id = ?", ce.ID).
		Updates(map[string]any{
			"balance":            ce.Balance,
			"additional_balance": ce.AdditionalBalance,
			"adjustment":         ce.Adjustment,
			"entities":           ce.Entities,
			"next_reset_at":      ce.NextResetAt,
			"updated_at":         now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	ce.UpdatedAt = now
	return nil
}

func (r *repo) CloseCustomerProduct(ctx context.Context, db *gorm.DB, key domain.CustomerKey, customerProductID snowflake.ID, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.CustomerEntitlement{}).
		Where("org_id = ? AND env = ? AND customer_id = ? AND customer_product_id = ? AND status = ?",
			key.OrgID, key.Env, key.CustomerID, customerProductID, domain.StatusActive).
		Updates(map[string]any{
			"status":     domain.StatusExpired,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

func (r *repo) CreateRollover(ctx context.Context, db *gorm.DB, rollover *domain.Rollover) error {
	return db.WithContext(ctx).Create(rollover).Error
}

func (r *repo) UpdateRollover(ctx context.Context, db *gorm.DB, rollover *domain.Rollover) error {
	return db.WithContext(ctx).
		Model(&domain.Rollover{}).
		Where("id = ?", rollover.ID).
		Updates(map[string]any{
			"balance":  rollover.Balance,
			"entities": rollover.Entities,
		}).Error
}

func (r *repo) DeleteRollovers(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.Rollover{}).Error
}

func (r *repo) CreateAllocations(ctx context.Context, db *gorm.DB, records []domain.AllocationRecord) error {
	if len(records) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&records).Error
}

func (r *repo) UpdateAllocationStatus(ctx context.Context, db *gorm.DB, ids []snowflake.ID, status domain.AllocationStatus, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.AllocationRecord{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":     status,
			"updated_at": now,
		}).Error
}

func (r *repo) ListPendingAllocations(ctx context.Context, db *gorm.DB, createdBefore time.Time, limit int) ([]domain.AllocationRecord, error) {
	var rows []domain.AllocationRecord
	err := db.WithContext(ctx).
		Where("status = ? AND created_at < ?", domain.AllocationStatusPending, createdBefore).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
