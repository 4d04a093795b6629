// Package planner decides which customer entitlements absorb a usage delta.
// It performs no I/O and never fails; the ledger runs it again on locked rows.
package planner

import (
	"cmp"
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
)

var one = decimal.NewFromInt(1)

// Candidate is one customer entitlement eligible for a feature deduction.
type Candidate struct {
	Entitlement ledgerdomain.CustomerEntitlement
	// CreditCost is entitlement units consumed per feature unit. Zero means one.
	CreditCost decimal.Decimal
	// ContinuousUse marks a held resource such as seats. A free one may go
	// into overage unless overage is blocked.
	ContinuousUse bool
}

func (c Candidate) cost() decimal.Decimal {
	if c.CreditCost.IsPositive() {
		return c.CreditCost
	}
	return one
}

type Request struct {
	// Amount is in feature units; negative credits the balance.
	Amount decimal.Decimal
	// TargetBalance, when valid, replaces Amount with current minus target.
	TargetBalance decimal.NullDecimal
	EntityID      string
	Options       ledgerdomain.DeductOptions
	Now           time.Time
}

type Result struct {
	Updates map[snowflake.ID]*ledgerdomain.DeductionUpdate
	// Order lists updated entitlements in processing order.
	Order []snowflake.ID
	// Remaining is the feature units no candidate could absorb.
	Remaining decimal.Decimal
	Overage   bool
	// Unlimited is set when an unlimited entitlement short-circuited the plan.
	Unlimited bool
}

// Blocked reports whether the plan must be rejected under opts.
func (r Result) Blocked(opts ledgerdomain.DeductOptions) bool {
	return opts.BlockOverage && r.Overage
}

// Sort orders candidates by interval length ascending, so the entitlement
// that regenerates soonest drains first. Non-resetting intervals go last.
// Ties fall back to creation time and id. reverse flips the interval order.
func Sort(candidates []Candidate, reverse bool) {
	slices.SortStableFunc(candidates, func(a, b Candidate) int {
		ea, eb := a.Entitlement.Entitlement, b.Entitlement.Entitlement
		la, lb := ea.Interval.Length(ea.IntervalCount), eb.Interval.Length(eb.IntervalCount)
		if la != lb {
			if reverse {
				return cmp.Compare(lb, la)
			}
			return cmp.Compare(la, lb)
		}
		if c := a.Entitlement.CreatedAt.Compare(b.Entitlement.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Entitlement.ID, b.Entitlement.ID)
	})
}

// Plan resolves req against candidates, which must already be sorted.
//
// Positive amounts run in two passes. The first drains every candidate to
// zero, rollover buckets oldest first and then fresh balance. The second
// places what is left on candidates that may go negative, bounded by the
// entitlement's usage limit. Negative amounts are credited in full to the
// first candidate that holds the requested entity; with none, the credit is
// left in Remaining.
func Plan(candidates []Candidate, req Request) Result {
	res := Result{
		Updates:   map[snowflake.ID]*ledgerdomain.DeductionUpdate{},
		Remaining: decimal.Zero,
	}
	for _, c := range candidates {
		if c.Entitlement.Entitlement.Unlimited {
			res.Unlimited = true
			return res
		}
	}

	field := req.Options.Field()
	states := make([]*state, 0, len(candidates))
	for _, c := range candidates {
		states = append(states, newState(c, field, req))
	}

	amount := req.Amount
	allowNegative := req.Options.AllowNegativeBalance
	ignoreLimit := false
	if req.TargetBalance.Valid {
		current := decimal.Zero
		for _, s := range states {
			current = current.Add(s.available())
		}
		amount = current.Sub(req.TargetBalance.Decimal)
		allowNegative, ignoreLimit = true, true
	}

	switch {
	case amount.IsZero() || len(states) == 0:
		if amount.IsPositive() {
			res.Remaining = amount
			res.Overage = true
		}
	case amount.IsNegative():
		remaining := amount.Neg()
		for _, s := range states {
			if s.credit(remaining) {
				remaining = decimal.Zero
				break
			}
		}
		res.Remaining = remaining
	default:
		remaining := amount
		for _, s := range states {
			if !remaining.IsPositive() {
				break
			}
			remaining = s.drain(remaining, floor{}, true)
		}
		for _, s := range states {
			if !remaining.IsPositive() {
				break
			}
			if !allowNegative && !s.overage {
				continue
			}
			remaining = s.drain(remaining, s.overageFloor(ignoreLimit), false)
		}
		res.Remaining = remaining
		res.Overage = remaining.IsPositive()
	}

	for _, s := range states {
		if !s.touched {
			continue
		}
		upd := s.update()
		res.Updates[upd.CustomerEntitlementID] = upd
		res.Order = append(res.Order, upd.CustomerEntitlementID)
	}
	return res
}

// floor is the lowest value a bucket may be drained to.
type floor struct {
	value     decimal.Decimal
	unbounded bool
}

// absorb returns how much of need a bucket holding v can take above f.
func (f floor) absorb(v, need decimal.Decimal) decimal.Decimal {
	if f.unbounded {
		return need
	}
	avail := v.Sub(f.value)
	if !avail.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(avail, need)
}

type state struct {
	orig     ledgerdomain.CustomerEntitlement
	ce       ledgerdomain.CustomerEntitlement
	cost     decimal.Decimal
	overage  bool
	field    ledgerdomain.BalanceField
	entityID string
	now      time.Time

	deducted  decimal.Decimal
	remaining decimal.Decimal
	touched   bool
}

func newState(c Candidate, field ledgerdomain.BalanceField, req Request) *state {
	ce := c.Entitlement.Clone()
	slices.SortFunc(ce.Rollovers, func(a, b ledgerdomain.Rollover) int { return cmp.Compare(a.ID, b.ID) })
	return &state{
		orig:      c.Entitlement.Clone(),
		ce:        ce,
		cost:      c.cost(),
		overage:   usageAllowed(c, req.Options),
		field:     field,
		entityID:  req.EntityID,
		now:       req.Now,
		deducted:  decimal.Zero,
		remaining: decimal.Zero,
	}
}

func usageAllowed(c Candidate, opts ledgerdomain.DeductOptions) bool {
	ent := c.Entitlement.Entitlement
	if ent.UsageAllowed {
		return true
	}
	return c.ContinuousUse && !ent.PaidAllocated && !opts.BlockOverage
}

// available is the current total in feature units.
func (s *state) available() decimal.Decimal {
	return s.ce.Available(s.field, s.entityID, s.now).Div(s.cost)
}

func (s *state) overageFloor(ignoreLimit bool) floor {
	limit := s.ce.Entitlement.UsageLimit
	if ignoreLimit || !limit.Valid {
		return floor{unbounded: true}
	}
	return floor{value: s.ce.ResetBalance().Sub(limit.Decimal)}
}

// entityScope lists the entity ids a deduction may touch, in id order.
func (s *state) entityScope() []string {
	if s.entityID != "" {
		if _, ok := s.ce.Entities.Get(s.entityID); ok {
			return []string{s.entityID}
		}
		return nil
	}
	return s.ce.Entities.IDs()
}

// drain takes up to remaining feature units and returns what is left.
func (s *state) drain(remaining decimal.Decimal, f floor, rolloversFirst bool) decimal.Decimal {
	need := remaining.Mul(s.cost)
	start := need

	if rolloversFirst && s.field == ledgerdomain.FieldBalance {
		need = s.drainRollovers(need)
	}

	if s.ce.EntityScoped() {
		for _, id := range s.entityScope() {
			if !need.IsPositive() {
				break
			}
			eb, _ := s.ce.Entities.Get(id)
			take := f.absorb(eb.Field(s.field), need)
			if take.IsZero() {
				continue
			}
			eb.SetField(s.field, eb.Field(s.field).Sub(take))
			if s.field == ledgerdomain.FieldBalance {
				eb.Adjustment = eb.Adjustment.Sub(take)
			}
			s.ce.Entities = s.ce.Entities.Upsert(eb)
			need = need.Sub(take)
		}
	} else if need.IsPositive() {
		current := s.ce.Field(s.field)
		take := f.absorb(current, need)
		if !take.IsZero() {
			s.ce.SetField(s.field, current.Sub(take))
			if s.field == ledgerdomain.FieldBalance {
				s.ce.Adjustment = s.ce.Adjustment.Sub(take)
			}
			need = need.Sub(take)
		}
	}

	taken := start.Sub(need)
	left := need.Div(s.cost)
	if !taken.IsZero() {
		s.deducted = s.deducted.Add(taken)
		s.remaining = left
		s.touched = true
	}
	return left
}

func (s *state) drainRollovers(need decimal.Decimal) decimal.Decimal {
	scoped := s.ce.EntityScoped()
	for i := range s.ce.Rollovers {
		if !need.IsPositive() {
			break
		}
		r := &s.ce.Rollovers[i]
		if r.Expired(s.now) {
			continue
		}
		if !scoped {
			take := decimal.Min(decimal.Max(r.Balance, decimal.Zero), need)
			r.Balance = r.Balance.Sub(take)
			need = need.Sub(take)
			continue
		}
		for _, id := range s.entityScope() {
			if !need.IsPositive() {
				break
			}
			eb, ok := r.Entities.Get(id)
			if !ok {
				continue
			}
			take := decimal.Min(decimal.Max(eb.Balance, decimal.Zero), need)
			eb.Balance = eb.Balance.Sub(take)
			r.Entities = r.Entities.Upsert(eb)
			need = need.Sub(take)
		}
	}
	return need
}

// credit adds units (feature units, positive) back to this entitlement. It
// reports false, changing nothing, when the requested entity does not exist.
func (s *state) credit(units decimal.Decimal) bool {
	amount := units.Mul(s.cost)

	target := ""
	if s.ce.EntityScoped() {
		target = s.entityID
		if target == "" && len(s.ce.Entities) > 0 {
			target = s.ce.Entities[0].EntityID
		}
	}

	if target != "" {
		eb, ok := s.ce.Entities.Get(target)
		if !ok {
			return false
		}
		eb.SetField(s.field, eb.Field(s.field).Add(amount))
		if s.field == ledgerdomain.FieldBalance {
			eb.Adjustment = eb.Adjustment.Add(amount)
		}
		s.ce.Entities = s.ce.Entities.Upsert(eb)
	} else {
		s.ce.SetField(s.field, s.ce.Field(s.field).Add(amount))
		if s.field == ledgerdomain.FieldBalance {
			s.ce.Adjustment = s.ce.Adjustment.Add(amount)
		}
	}

	s.deducted = s.deducted.Sub(amount)
	s.touched = true
	return true
}

func (s *state) update() *ledgerdomain.DeductionUpdate {
	return &ledgerdomain.DeductionUpdate{
		CustomerEntitlementID: s.ce.ID,
		FeatureID:             s.ce.FeatureID,
		OldBalance:            s.orig.Balance,
		NewBalance:            s.ce.Balance,
		OldAdditionalBalance:  s.orig.AdditionalBalance,
		NewAdditionalBalance:  s.ce.AdditionalBalance,
		OldAdjustment:         s.orig.Adjustment,
		NewAdjustment:         s.ce.Adjustment,
		OldEntities:           s.orig.Entities,
		NewEntities:           s.ce.Entities,
		OldRollovers:          s.orig.Rollovers,
		NewRollovers:          s.ce.Rollovers,
		Deducted:              s.deducted,
		Remaining:             s.remaining,
	}
}

// Apply writes the update's new state onto ce.
func Apply(ce *ledgerdomain.CustomerEntitlement, upd *ledgerdomain.DeductionUpdate) {
	ce.Balance = upd.NewBalance
	ce.AdditionalBalance = upd.NewAdditionalBalance
	ce.Adjustment = upd.NewAdjustment
	ce.Entities = upd.NewEntities.Clone()
	if upd.NewRollovers != nil {
		ce.Rollovers = make([]ledgerdomain.Rollover, len(upd.NewRollovers))
		for i, r := range upd.NewRollovers {
			ce.Rollovers[i] = r.Clone()
		}
	}
}
