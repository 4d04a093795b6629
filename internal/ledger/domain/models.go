package domain

import (
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Interval is the reset cadence of an entitlement.
type Interval string

const (
	IntervalNone       Interval = "none"
	IntervalMinute     Interval = "minute"
	IntervalHour       Interval = "hour"
	IntervalDay        Interval = "day"
	IntervalWeek       Interval = "week"
	IntervalMonth      Interval = "month"
	IntervalQuarter    Interval = "quarter"
	IntervalSemiAnnual Interval = "semi_annual"
	IntervalYear       Interval = "year"
	IntervalLifetime   Interval = "lifetime"
)

// Resets reports whether balances on this interval are ever replenished.
func (i Interval) Resets() bool {
	switch i {
	case IntervalMinute, IntervalHour, IntervalDay, IntervalWeek,
		IntervalMonth, IntervalQuarter, IntervalSemiAnnual, IntervalYear:
		return true
	default:
		return false
	}
}

// Length approximates the interval span for ordering. Non-resetting
// intervals sort after everything else.
func (i Interval) Length(count int) time.Duration {
	if count <= 0 {
		count = 1
	}
	var unit time.Duration
	switch i {
	case IntervalMinute:
		unit = time.Minute
	case IntervalHour:
		unit = time.Hour
	case IntervalDay:
		unit = 24 * time.Hour
	case IntervalWeek:
		unit = 7 * 24 * time.Hour
	case IntervalMonth:
		unit = 30 * 24 * time.Hour
	case IntervalQuarter:
		unit = 91 * 24 * time.Hour
	case IntervalSemiAnnual:
		unit = 182 * 24 * time.Hour
	case IntervalYear:
		unit = 365 * 24 * time.Hour
	default:
		return time.Duration(math.MaxInt64)
	}
	return unit * time.Duration(count)
}

// Add advances t by count intervals using calendar arithmetic.
func (i Interval) Add(t time.Time, count int) time.Time {
	if count <= 0 {
		count = 1
	}
	switch i {
	case IntervalMinute:
		return t.Add(time.Duration(count) * time.Minute)
	case IntervalHour:
		return t.Add(time.Duration(count) * time.Hour)
	case IntervalDay:
		return t.AddDate(0, 0, count)
	case IntervalWeek:
		return t.AddDate(0, 0, 7*count)
	case IntervalMonth:
		return t.AddDate(0, count, 0)
	case IntervalQuarter:
		return t.AddDate(0, 3*count, 0)
	case IntervalSemiAnnual:
		return t.AddDate(0, 6*count, 0)
	case IntervalYear:
		return t.AddDate(count, 0, 0)
	default:
		return t
	}
}

type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

// RolloverConfig bounds how much unused balance survives a reset.
// A null Max disables rollovers.
type RolloverConfig struct {
	Max              decimal.NullDecimal `gorm:"type:numeric" json:"max"`
	DurationInterval Interval            `gorm:"type:text" json:"duration_interval,omitempty"`
	DurationCount    int                 `json:"duration_count,omitempty"`
	MaxBuckets       int                 `json:"max_buckets,omitempty"`
}

func (c RolloverConfig) Enabled() bool { return c.Max.Valid }

// ExpiresAt returns the expiry of a bucket created at resetAt, nil when
// buckets never expire.
func (c RolloverConfig) ExpiresAt(resetAt time.Time) *time.Time {
	if !c.DurationInterval.Resets() {
		return nil
	}
	at := c.DurationInterval.Add(resetAt, c.DurationCount)
	return &at
}

// Entitlement is a feature grant defined by a plan.
type Entitlement struct {
	ID              snowflake.ID        `gorm:"primaryKey" json:"id"`
	OrgID           snowflake.ID        `gorm:"not null;index" json:"org_id"`
	FeatureID       snowflake.ID        `gorm:"not null;index" json:"feature_id"`
	Allowance       decimal.Decimal     `gorm:"type:numeric;not null" json:"allowance"`
	Unlimited       bool                `gorm:"not null" json:"unlimited"`
	Interval        Interval            `gorm:"type:text;not null" json:"interval"`
	IntervalCount   int                 `gorm:"not null;default:1" json:"interval_count"`
	UsageAllowed    bool                `gorm:"not null" json:"usage_allowed"`
	UsageLimit      decimal.NullDecimal `gorm:"type:numeric" json:"usage_limit"`
	EntityFeatureID *snowflake.ID       `json:"entity_feature_id,omitempty"`
	PaidAllocated   bool                `gorm:"not null" json:"paid_allocated"`
	AlertThreshold  decimal.NullDecimal `gorm:"type:numeric" json:"alert_threshold"`
	Rollover        RolloverConfig      `gorm:"embedded;embeddedPrefix:rollover_" json:"rollover"`
	CreatedAt       time.Time           `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (Entitlement) TableName() string { return "entitlements" }

func (e Entitlement) EntityScoped() bool { return e.EntityFeatureID != nil && *e.EntityFeatureID != 0 }

// CustomerEntitlement is the live balance state of one entitlement for one customer.
type CustomerEntitlement struct {
	ID                snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID             snowflake.ID    `gorm:"not null;index:ix_customer_entitlements_customer,priority:1" json:"org_id"`
	Env               string          `gorm:"type:text;not null;index:ix_customer_entitlements_customer,priority:2" json:"env"`
	CustomerID        snowflake.ID    `gorm:"not null;index:ix_customer_entitlements_customer,priority:3" json:"customer_id"`
	CustomerProductID snowflake.ID    `gorm:"not null;index" json:"customer_product_id"`
	EntitlementID     snowflake.ID    `gorm:"not null;index" json:"entitlement_id"`
	FeatureID         snowflake.ID    `gorm:"not null;index" json:"feature_id"`
	Balance           decimal.Decimal `gorm:"type:numeric;not null" json:"balance"`
	AdditionalBalance decimal.Decimal `gorm:"type:numeric;not null" json:"additional_balance"`
	// Adjustment is decremented by every deduction against Balance.
	Adjustment      decimal.Decimal `gorm:"type:numeric;not null" json:"adjustment"`
	PrepaidQuantity decimal.Decimal `gorm:"type:numeric;not null" json:"prepaid_quantity"`
	Entities        EntityBalances  `json:"entities,omitempty"`
	NextResetAt     *time.Time      `gorm:"index" json:"next_reset_at,omitempty"`
	Status          Status          `gorm:"type:text;not null;default:'active'" json:"status"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	Entitlement Entitlement `gorm:"foreignKey:EntitlementID" json:"entitlement"`
	Rollovers   []Rollover  `gorm:"foreignKey:CustomerEntitlementID" json:"rollovers,omitempty"`
}

func (CustomerEntitlement) TableName() string { return "customer_entitlements" }

func (c CustomerEntitlement) Key() CustomerKey {
	return CustomerKey{OrgID: c.OrgID, Env: c.Env, CustomerID: c.CustomerID}
}

func (c CustomerEntitlement) EntityScoped() bool { return c.Entitlement.EntityScoped() }

// ResetBalance is the fresh balance granted at each reset.
func (c CustomerEntitlement) ResetBalance() decimal.Decimal {
	return c.Entitlement.Allowance.Add(c.PrepaidQuantity)
}

func (c CustomerEntitlement) Field(field BalanceField) decimal.Decimal {
	if field == FieldAdditionalBalance {
		return c.AdditionalBalance
	}
	return c.Balance
}

func (c *CustomerEntitlement) SetField(field BalanceField, value decimal.Decimal) {
	if field == FieldAdditionalBalance {
		c.AdditionalBalance = value
		return
	}
	c.Balance = value
}

// FieldTotal sums the fresh balance of field within the entity scope.
// An empty entityID covers the customer-level balance and every entity.
func (c CustomerEntitlement) FieldTotal(field BalanceField, entityID string) decimal.Decimal {
	if entityID != "" && c.EntityScoped() {
		eb, _ := c.Entities.Get(entityID)
		return eb.Field(field)
	}
	return c.Field(field).Add(c.Entities.Sum(field))
}

// RolloverTotal sums unexpired rollover buckets within the entity scope.
func (c CustomerEntitlement) RolloverTotal(entityID string, now time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, r := range c.Rollovers {
		if r.Expired(now) {
			continue
		}
		total = total.Add(r.Total(entityID, c.EntityScoped()))
	}
	return total
}

// Available is the total usable amount of field. Rollovers only back Balance.
func (c CustomerEntitlement) Available(field BalanceField, entityID string, now time.Time) decimal.Decimal {
	total := c.FieldTotal(field, entityID)
	if field == FieldBalance {
		total = total.Add(c.RolloverTotal(entityID, now))
	}
	return total
}

func (c CustomerEntitlement) Closed() bool { return c.Status == StatusExpired }

// Clone deep-copies the mutable balance state.
func (c CustomerEntitlement) Clone() CustomerEntitlement {
	out := c
	out.Entities = c.Entities.Clone()
	if c.NextResetAt != nil {
		at := *c.NextResetAt
		out.NextResetAt = &at
	}
	if c.Rollovers != nil {
		out.Rollovers = make([]Rollover, len(c.Rollovers))
		for i, r := range c.Rollovers {
			out.Rollovers[i] = r.Clone()
		}
	}
	return out
}

// Rollover is unused balance carried from a previous interval.
// IDs are snowflakes, so ascending ID is creation order.
type Rollover struct {
	ID                    snowflake.ID    `gorm:"primaryKey" json:"id"`
	CustomerEntitlementID snowflake.ID    `gorm:"not null;index" json:"customer_entitlement_id"`
	Balance               decimal.Decimal `gorm:"type:numeric;not null" json:"balance"`
	Entities              EntityBalances  `json:"entities,omitempty"`
	ExpiresAt             *time.Time      `json:"expires_at,omitempty"`
	CreatedAt             time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (Rollover) TableName() string { return "rollovers" }

func (r Rollover) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

func (r Rollover) Total(entityID string, entityScoped bool) decimal.Decimal {
	if !entityScoped {
		return r.Balance
	}
	if entityID != "" {
		eb, _ := r.Entities.Get(entityID)
		return eb.Balance
	}
	return r.Entities.Sum(FieldBalance)
}

func (r Rollover) Clone() Rollover {
	out := r
	out.Entities = r.Entities.Clone()
	return out
}

type AllocationStatus string

const (
	AllocationStatusPending  AllocationStatus = "pending"
	AllocationStatusInvoiced AllocationStatus = "invoiced"
	AllocationStatusReverted AllocationStatus = "reverted"
)

// AllocationRecord captures billable consumption of a paid-allocated entitlement.
type AllocationRecord struct {
	ID                    snowflake.ID     `gorm:"primaryKey" json:"id"`
	OrgID                 snowflake.ID     `gorm:"not null;index" json:"org_id"`
	Env                   string           `gorm:"type:text;not null" json:"env"`
	CustomerID            snowflake.ID     `gorm:"not null;index" json:"customer_id"`
	CustomerEntitlementID snowflake.ID     `gorm:"not null;index" json:"customer_entitlement_id"`
	FeatureID             snowflake.ID     `gorm:"not null" json:"feature_id"`
	EntityID              string           `gorm:"type:text" json:"entity_id,omitempty"`
	PreviousBalance       decimal.Decimal  `gorm:"type:numeric;not null" json:"previous_balance"`
	NewBalance            decimal.Decimal  `gorm:"type:numeric;not null" json:"new_balance"`
	Quantity              decimal.Decimal  `gorm:"type:numeric;not null" json:"quantity"`
	Status                AllocationStatus `gorm:"type:text;not null" json:"status"`
	CreatedAt             time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt             time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (AllocationRecord) TableName() string { return "allocation_records" }
