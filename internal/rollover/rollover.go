// Package rollover computes interval resets and the buckets carried across them.
package rollover

import (
	"cmp"
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
)

// Outcome is the result of resetting one customer entitlement.
type Outcome struct {
	Entitlement ledgerdomain.CustomerEntitlement
	Created     *ledgerdomain.Rollover
	Updated     []ledgerdomain.Rollover
	Dropped     []snowflake.ID
	Reset       bool
}

// Due reports whether ce has crossed its reset boundary.
func Due(ce ledgerdomain.CustomerEntitlement, now time.Time) bool {
	if ce.Closed() || ce.NextResetAt == nil {
		return false
	}
	ent := ce.Entitlement
	if ent.Unlimited || !ent.Interval.Resets() {
		return false
	}
	return !now.Before(*ce.NextResetAt)
}

// Reset carries unused balance into a new bucket, expires and trims old
// buckets, restores the fresh balance and advances next_reset_at past now.
// Entitlements that are not due come back unchanged.
func Reset(ce ledgerdomain.CustomerEntitlement, now time.Time, newID func() snowflake.ID) Outcome {
	if !Due(ce, now) {
		return Outcome{Entitlement: ce}
	}

	out := ce.Clone()
	resetAt := *ce.NextResetAt
	cfg := ce.Entitlement.Rollover
	scoped := ce.EntityScoped()

	original := make(map[snowflake.ID]ledgerdomain.Rollover, len(out.Rollovers))
	var kept []ledgerdomain.Rollover
	var dropped []snowflake.ID
	for _, r := range out.Rollovers {
		original[r.ID] = r
		if r.Expired(now) {
			dropped = append(dropped, r.ID)
			continue
		}
		kept = append(kept, r)
	}
	slices.SortFunc(kept, func(a, b ledgerdomain.Rollover) int { return cmp.Compare(a.ID, b.ID) })

	if cfg.Enabled() {
		limit := decimal.Max(cfg.Max.Decimal, decimal.Zero)
		bucket := carry(out, limit, scoped)
		if bucket.Total("", scoped).IsPositive() {
			bucket.ID = newID()
			bucket.CustomerEntitlementID = ce.ID
			bucket.ExpiresAt = cfg.ExpiresAt(resetAt)
			bucket.CreatedAt = now
			kept = append(kept, bucket)
		}
		trimToCap(kept, limit, scoped)
	}

	live := make([]ledgerdomain.Rollover, 0, len(kept))
	for _, r := range kept {
		if r.Total("", scoped).IsPositive() {
			live = append(live, r)
			continue
		}
		if _, existed := original[r.ID]; existed {
			dropped = append(dropped, r.ID)
		}
	}
	kept = live

	if cfg.MaxBuckets > 0 && len(kept) > cfg.MaxBuckets {
		excess := len(kept) - cfg.MaxBuckets
		for _, r := range kept[:excess] {
			dropped = append(dropped, r.ID)
		}
		kept = kept[excess:]
	}

	var updated []ledgerdomain.Rollover
	var created *ledgerdomain.Rollover
	for i, r := range kept {
		old, existed := original[r.ID]
		if !existed {
			created = &kept[i]
			continue
		}
		if !old.Balance.Equal(r.Balance) || !sameEntities(old.Entities, r.Entities) {
			updated = append(updated, r)
		}
	}

	if scoped {
		entities := out.Entities.Clone()
		for i := range entities {
			entities[i].Balance = ce.Entitlement.Allowance
			entities[i].Adjustment = decimal.Zero
		}
		out.Entities = entities
	} else {
		out.Balance = ce.ResetBalance()
	}
	out.Adjustment = decimal.Zero
	out.Rollovers = kept

	next := resetAt
	for !next.After(now) {
		next = ce.Entitlement.Interval.Add(next, ce.Entitlement.IntervalCount)
	}
	out.NextResetAt = &next

	return Outcome{
		Entitlement: out,
		Created:     created,
		Updated:     updated,
		Dropped:     dropped,
		Reset:       true,
	}
}

// carry builds the bucket for the balance left at reset, each scope capped at limit.
func carry(ce ledgerdomain.CustomerEntitlement, limit decimal.Decimal, scoped bool) ledgerdomain.Rollover {
	bucket := ledgerdomain.Rollover{Balance: decimal.Zero}
	if !scoped {
		bucket.Balance = decimal.Min(decimal.Max(ce.Balance, decimal.Zero), limit)
		return bucket
	}
	for _, eb := range ce.Entities {
		amount := decimal.Min(decimal.Max(eb.Balance, decimal.Zero), limit)
		if !amount.IsPositive() {
			continue
		}
		bucket.Entities = bucket.Entities.Upsert(ledgerdomain.EntityBalance{
			EntityID:          eb.EntityID,
			Balance:           amount,
			AdditionalBalance: decimal.Zero,
			Adjustment:        decimal.Zero,
		})
	}
	return bucket
}

// trimToCap consumes the oldest buckets until each scope totals at most limit.
func trimToCap(buckets []ledgerdomain.Rollover, limit decimal.Decimal, scoped bool) {
	if !scoped {
		excess := decimal.Zero
		for _, r := range buckets {
			excess = excess.Add(decimal.Max(r.Balance, decimal.Zero))
		}
		excess = excess.Sub(limit)
		for i := range buckets {
			if !excess.IsPositive() {
				return
			}
			take := decimal.Min(decimal.Max(buckets[i].Balance, decimal.Zero), excess)
			buckets[i].Balance = buckets[i].Balance.Sub(take)
			excess = excess.Sub(take)
		}
		return
	}

	ids := map[string]struct{}{}
	for _, r := range buckets {
		for _, eb := range r.Entities {
			ids[eb.EntityID] = struct{}{}
		}
	}
	for id := range ids {
		excess := decimal.Zero
		for _, r := range buckets {
			eb, _ := r.Entities.Get(id)
			excess = excess.Add(decimal.Max(eb.Balance, decimal.Zero))
		}
		excess = excess.Sub(limit)
		for i := range buckets {
			if !excess.IsPositive() {
				break
			}
			eb, ok := buckets[i].Entities.Get(id)
			if !ok {
				continue
			}
			take := decimal.Min(decimal.Max(eb.Balance, decimal.Zero), excess)
			eb.Balance = eb.Balance.Sub(take)
			buckets[i].Entities = buckets[i].Entities.Upsert(eb)
			excess = excess.Sub(take)
		}
	}
}

func sameEntities(a, b ledgerdomain.EntityBalances) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].EntityID != b[i].EntityID || !a[i].Balance.Equal(b[i].Balance) {
			return false
		}
	}
	return true
}
