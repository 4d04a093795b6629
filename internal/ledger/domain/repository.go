package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	CreateEntitlement(ctx context.Context, db *gorm.DB, ent *Entitlement) error
	FindEntitlement(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Entitlement, error)
	CreateCustomerEntitlement(ctx context.Context, db *gorm.DB, ce *CustomerEntitlement) error

	LockCustomerEntitlements(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]CustomerEntitlement, error)
	ListCustomerEntitlements(ctx context.Context, db *gorm.DB, key CustomerKey, lock bool) ([]CustomerEntitlement, error)
	ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]CustomerEntitlement, error)
	UpdateBalances(ctx context.Context, db *gorm.DB, ce *CustomerEntitlement, now time.Time) error
	CloseCustomerProduct(ctx context.Context, db *gorm.DB, key CustomerKey, customerProductID snowflake.ID, now time.Time) (int64, error)

	CreateRollover(ctx context.Context, db *gorm.DB, r *Rollover) error
	UpdateRollover(ctx context.Context, db *gorm.DB, r *Rollover) error
	DeleteRollovers(ctx context.Context, db *gorm.DB, ids []snowflake.ID) error

	CreateAllocations(ctx context.Context, db *gorm.DB, records []AllocationRecord) error
	UpdateAllocationStatus(ctx context.Context, db *gorm.DB, ids []snowflake.ID, status AllocationStatus, now time.Time) error
	ListPendingAllocations(ctx context.Context, db *gorm.DB, createdBefore time.Time, limit int) ([]AllocationRecord, error)
}
