package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Service is the durable record store for entitlement balances.
type Service interface {
	// Deduct applies one planned deduction atomically under row locks.
	Deduct(ctx context.Context, params DeductParams) (*DeductResult, error)
	// Compensate adds inverse deltas back in a single transaction.
	Compensate(ctx context.Context, comps []Compensation) error
	ListCustomerEntitlements(ctx context.Context, key CustomerKey) ([]CustomerEntitlement, error)
	// ResetDue resets the customer's due entitlements and reports whether any changed.
	ResetDue(ctx context.Context, key CustomerKey, now time.Time) ([]CustomerEntitlement, bool, error)
	// ClaimDueForReset resets up to limit due rows, skipping rows locked by
	// another worker, and returns the affected customers.
	ClaimDueForReset(ctx context.Context, now time.Time, limit int) ([]CustomerKey, error)

	CreateEntitlement(ctx context.Context, ent *Entitlement) error
	Attach(ctx context.Context, req AttachRequest) (*CustomerEntitlement, error)
	CloseCustomerProduct(ctx context.Context, key CustomerKey, customerProductID snowflake.ID) (int64, error)
	MarkAllocationsInvoiced(ctx context.Context, ids []snowflake.ID) error
	// PendingAllocations lists allocation records still waiting for an
	// invoice that were created before createdBefore, oldest first.
	PendingAllocations(ctx context.Context, createdBefore time.Time, limit int) ([]AllocationRecord, error)
}

// AttachRequest grants an entitlement to a customer.
type AttachRequest struct {
	Key               CustomerKey
	CustomerProductID snowflake.ID
	EntitlementID     snowflake.ID
	PrepaidQuantity   decimal.Decimal
	EntityIDs         []string
}
