package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"gorm.io/datatypes"
)

type EventType string

const (
	EventAllocationInvoice EventType = "balance.allocation_invoice"
	EventThresholdCrossed  EventType = "balance.threshold_crossed"
)

// Event is an outbox row consumed by downstream billing systems.
type Event struct {
	ID          snowflake.ID   `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID   `gorm:"not null;uniqueIndex:ux_balance_events_dedupe,priority:1" json:"org_id"`
	Env         string         `gorm:"type:text;not null" json:"env"`
	CustomerID  snowflake.ID   `gorm:"not null;index" json:"customer_id"`
	Type        EventType      `gorm:"column:event_type;type:text;not null" json:"event_type"`
	DedupeKey   string         `gorm:"type:text;not null;uniqueIndex:ux_balance_events_dedupe,priority:2" json:"dedupe_key"`
	Payload     datatypes.JSON `gorm:"not null" json:"payload"`
	Published   bool           `gorm:"not null;default:false" json:"published"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
	PublishedAt *time.Time     `json:"published_at,omitempty"`
}

func (Event) TableName() string { return "balance_events" }

// AllocationInvoice asks billing to invoice newly allocated paid units.
type AllocationInvoice struct {
	Key                   ledgerdomain.CustomerKey `json:"customer"`
	CustomerEntitlementID snowflake.ID             `json:"customer_entitlement_id"`
	FeatureID             snowflake.ID             `json:"feature_id"`
	AllocationIDs         []snowflake.ID           `json:"allocation_ids"`
	Quantity              decimal.Decimal          `json:"quantity"`
}

// ThresholdCrossing reports that a balance fell to or below its alert threshold.
type ThresholdCrossing struct {
	Key                   ledgerdomain.CustomerKey `json:"customer"`
	CustomerEntitlementID snowflake.ID             `json:"customer_entitlement_id"`
	FeatureID             snowflake.ID             `json:"feature_id"`
	Threshold             decimal.Decimal          `json:"threshold"`
	PreviousBalance       decimal.Decimal          `json:"previous_balance"`
	NewBalance            decimal.Decimal          `json:"new_balance"`
	PeriodResetAt         *time.Time               `json:"period_reset_at,omitempty"`
}
