package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
)

type Service interface {
	// Deduct applies every feature deduction or none of them.
	Deduct(ctx context.Context, req DeductRequest) (*DeductResponse, error)
	// GetBalances prefers the cache unless skipCache is set. Due entitlements
	// are reset before they are returned.
	GetBalances(ctx context.Context, key ledgerdomain.CustomerKey, skipCache bool) ([]ledgerdomain.CustomerEntitlement, error)
}

// FeatureDeduction is one signed delta, or an explicit target, for a feature.
type FeatureDeduction struct {
	FeatureID     snowflake.ID               `json:"feature_id"`
	Amount        decimal.Decimal            `json:"amount"`
	TargetBalance decimal.NullDecimal        `json:"target_balance"`
	Options       ledgerdomain.DeductOptions `json:"options"`
}

type DeductRequest struct {
	Key        ledgerdomain.CustomerKey   `json:"customer"`
	EntityID   string                     `json:"entity_id,omitempty"`
	Deductions []FeatureDeduction         `json:"deductions"`
	Options    ledgerdomain.DeductOptions `json:"options"`
}

// FeatureOutcome summarizes one deduction in feature units.
type FeatureOutcome struct {
	FeatureID snowflake.ID    `json:"feature_id"`
	Requested decimal.Decimal `json:"requested"`
	Remaining decimal.Decimal `json:"remaining"`
	Unlimited bool            `json:"unlimited"`
}

type DeductResponse struct {
	OldState []ledgerdomain.CustomerEntitlement             `json:"old_state"`
	NewState []ledgerdomain.CustomerEntitlement             `json:"new_state"`
	Updates  map[snowflake.ID]*ledgerdomain.DeductionUpdate `json:"updates"`
	Features []FeatureOutcome                               `json:"features"`
}
