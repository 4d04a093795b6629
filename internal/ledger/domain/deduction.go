package domain

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// BalanceField selects which balance column a deduction affects.
type BalanceField string

const (
	FieldBalance           BalanceField = "balance"
	FieldAdditionalBalance BalanceField = "additional_balance"
)

func (f BalanceField) Valid() bool {
	return f == FieldBalance || f == FieldAdditionalBalance
}

// CustomerKey scopes balances, cache entries and locks.
type CustomerKey struct {
	OrgID      snowflake.ID `json:"org_id"`
	Env        string       `json:"env"`
	CustomerID snowflake.ID `json:"customer_id"`
}

func (k CustomerKey) Validate() error {
	if k.OrgID == 0 {
		return ErrInvalidOrganization
	}
	if strings.TrimSpace(k.Env) == "" {
		return ErrInvalidEnvironment
	}
	if k.CustomerID == 0 {
		return ErrInvalidCustomer
	}
	return nil
}

func (k CustomerKey) String() string {
	return k.OrgID.String() + ":" + k.Env + ":" + k.CustomerID.String()
}

type DeductOptions struct {
	BlockOverage         bool         `json:"block_overage"`
	AllowNegativeBalance bool         `json:"allow_negative_balance"`
	TargetField          BalanceField `json:"target_field,omitempty"`
}

func (o DeductOptions) Field() BalanceField {
	if o.TargetField == "" {
		return FieldBalance
	}
	return o.TargetField
}

// CandidateRef identifies one entitlement in deduction order. CreditCost
// converts feature units into entitlement units; zero means one.
// ContinuousUse marks entitlements of a continuous-use feature.
type CandidateRef struct {
	CustomerEntitlementID snowflake.ID    `json:"customer_entitlement_id"`
	CreditCost            decimal.Decimal `json:"credit_cost"`
	ContinuousUse         bool            `json:"continuous_use,omitempty"`
}

// DeductParams is the payload of the atomic ledger deduction.
type DeductParams struct {
	Key           CustomerKey         `json:"key"`
	FeatureID     snowflake.ID        `json:"feature_id"`
	Candidates    []CandidateRef      `json:"candidates"`
	Amount        decimal.Decimal     `json:"amount"`
	TargetBalance decimal.NullDecimal `json:"target_balance"`
	EntityID      string              `json:"entity_id,omitempty"`
	Options       DeductOptions       `json:"options"`
}

func (p DeductParams) Validate() error {
	if err := p.Key.Validate(); err != nil {
		return err
	}
	if p.FeatureID == 0 {
		return ErrInvalidFeature
	}
	if len(p.Candidates) == 0 {
		return ErrNoCandidates
	}
	if !p.Options.Field().Valid() {
		return ErrInvalidTargetField
	}
	if p.Amount.IsZero() && !p.TargetBalance.Valid {
		return ErrInvalidAmount
	}
	for _, c := range p.Candidates {
		if c.CustomerEntitlementID == 0 || c.CreditCost.IsNegative() {
			return ErrInvalidCandidate
		}
	}
	return nil
}

// DeductionUpdate describes what one deduction changed on one customer entitlement.
type DeductionUpdate struct {
	CustomerEntitlementID snowflake.ID    `json:"customer_entitlement_id"`
	FeatureID             snowflake.ID    `json:"feature_id"`
	OldBalance            decimal.Decimal `json:"old_balance"`
	NewBalance            decimal.Decimal `json:"new_balance"`
	OldAdditionalBalance  decimal.Decimal `json:"old_additional_balance"`
	NewAdditionalBalance  decimal.Decimal `json:"new_additional_balance"`
	OldAdjustment         decimal.Decimal `json:"old_adjustment"`
	NewAdjustment         decimal.Decimal `json:"new_adjustment"`
	OldEntities           EntityBalances  `json:"old_entities,omitempty"`
	NewEntities           EntityBalances  `json:"new_entities,omitempty"`
	OldRollovers          []Rollover      `json:"old_rollovers,omitempty"`
	NewRollovers          []Rollover      `json:"new_rollovers,omitempty"`
	// Deducted is in entitlement units; negative for credits.
	Deducted decimal.Decimal `json:"deducted"`
	// Remaining is in feature units, still unresolved after this entitlement.
	Remaining decimal.Decimal `json:"remaining"`
}

// ChangedRollovers returns the buckets whose balances differ from before.
func (u DeductionUpdate) ChangedRollovers() []Rollover {
	var out []Rollover
	for _, r := range u.NewRollovers {
		old, ok := findRollover(u.OldRollovers, r.ID)
		if !ok || !old.Balance.Equal(r.Balance) || !entitiesEqual(old.Entities, r.Entities) {
			out = append(out, r)
		}
	}
	return out
}

// Inverse returns the delta that undoes this update when added back.
func (u DeductionUpdate) Inverse() Compensation {
	c := Compensation{
		CustomerEntitlementID: u.CustomerEntitlementID,
		Balance:               u.OldBalance.Sub(u.NewBalance),
		AdditionalBalance:     u.OldAdditionalBalance.Sub(u.NewAdditionalBalance),
		Adjustment:            u.OldAdjustment.Sub(u.NewAdjustment),
		Entities:              entityDelta(u.OldEntities, u.NewEntities),
	}
	for _, r := range u.NewRollovers {
		old, _ := findRollover(u.OldRollovers, r.ID)
		delta := RolloverDelta{
			RolloverID: r.ID,
			Balance:    old.Balance.Sub(r.Balance),
			Entities:   entityDelta(old.Entities, r.Entities),
		}
		if delta.Balance.IsZero() && len(delta.Entities) == 0 {
			continue
		}
		c.Rollovers = append(c.Rollovers, delta)
	}
	return c
}

// Compensation is an additive delta applied under row lock to revert a
// persisted deduction without clobbering concurrent writes.
type Compensation struct {
	CustomerEntitlementID snowflake.ID    `json:"customer_entitlement_id"`
	Balance               decimal.Decimal `json:"balance"`
	AdditionalBalance     decimal.Decimal `json:"additional_balance"`
	Adjustment            decimal.Decimal `json:"adjustment"`
	Entities              EntityBalances  `json:"entities,omitempty"`
	Rollovers             []RolloverDelta `json:"rollovers,omitempty"`
	AllocationIDs         []snowflake.ID  `json:"allocation_ids,omitempty"`
}

type RolloverDelta struct {
	RolloverID snowflake.ID    `json:"rollover_id"`
	Balance    decimal.Decimal `json:"balance"`
	Entities   EntityBalances  `json:"entities,omitempty"`
}

func (c Compensation) IsZero() bool {
	return c.Balance.IsZero() && c.AdditionalBalance.IsZero() && c.Adjustment.IsZero() &&
		len(c.Entities) == 0 && len(c.Rollovers) == 0 && len(c.AllocationIDs) == 0
}

// DeductResult is the outcome of one atomic ledger deduction.
type DeductResult struct {
	Updates         map[snowflake.ID]*DeductionUpdate `json:"updates"`
	Order           []snowflake.ID                    `json:"order"`
	RolloverUpdates []Rollover                        `json:"rollover_updates,omitempty"`
	Remaining       decimal.Decimal                   `json:"remaining"`
	Overage         bool                              `json:"overage"`
	Unlimited       bool                              `json:"unlimited"`
	Allocations     []AllocationRecord                `json:"allocations,omitempty"`
	// Entitlements holds the post-deduction rows for cache sync.
	Entitlements []CustomerEntitlement `json:"entitlements,omitempty"`
}

// Compensations returns the inverse of every update in processing order,
// carrying the allocation records that must be reverted with it.
func (r *DeductResult) Compensations() []Compensation {
	if r == nil {
		return nil
	}
	allocs := make(map[snowflake.ID][]snowflake.ID, len(r.Allocations))
	for _, a := range r.Allocations {
		allocs[a.CustomerEntitlementID] = append(allocs[a.CustomerEntitlementID], a.ID)
	}
	out := make([]Compensation, 0, len(r.Order))
	for _, id := range r.Order {
		upd, ok := r.Updates[id]
		if !ok {
			continue
		}
		c := upd.Inverse()
		c.AllocationIDs = allocs[id]
		if c.IsZero() {
			continue
		}
		out = append(out, c)
	}
	return out
}

func findRollover(list []Rollover, id snowflake.ID) (Rollover, bool) {
	for _, r := range list {
		if r.ID == id {
			return r, true
		}
	}
	return Rollover{ID: id}, false
}

func entityDelta(old, updated EntityBalances) EntityBalances {
	var out EntityBalances
	for _, nb := range updated {
		ob, _ := old.Get(nb.EntityID)
		d := EntityBalance{
			EntityID:          nb.EntityID,
			Balance:           ob.Balance.Sub(nb.Balance),
			AdditionalBalance: ob.AdditionalBalance.Sub(nb.AdditionalBalance),
			Adjustment:        ob.Adjustment.Sub(nb.Adjustment),
		}
		if d.isZero() {
			continue
		}
		out = append(out, d)
	}
	return out
}

func entitiesEqual(a, b EntityBalances) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].EntityID != b[i].EntityID ||
			!a[i].Balance.Equal(b[i].Balance) ||
			!a[i].AdditionalBalance.Equal(b[i].AdditionalBalance) ||
			!a[i].Adjustment.Equal(b[i].Adjustment) {
			return false
		}
	}
	return true
}
