package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type FeatureType string

const (
	FeatureTypeBoolean      FeatureType = "boolean"
	FeatureTypeMetered      FeatureType = "metered"
	FeatureTypeCreditSystem FeatureType = "credit_system"
)

// UsageType says whether usage is consumed once or held while in use,
// like seats or storage.
type UsageType string

const (
	UsageSingle     UsageType = "single_use"
	UsageContinuous UsageType = "continuous_use"
)

// CreditSchemaItem prices one metered feature in units of a credit system.
type CreditSchemaItem struct {
	MeteredFeatureID snowflake.ID    `json:"metered_feature_id"`
	CreditCost       decimal.Decimal `json:"credit_cost"`
}

type Feature struct {
	ID    snowflake.ID `gorm:"primaryKey"`
	OrgID snowflake.ID `gorm:"column:org_id;not null;uniqueIndex:ux_features_org_code,priority:1"`
	Code  string       `gorm:"type:text;not null;uniqueIndex:ux_features_org_code,priority:2"`

	Name         string                                 `gorm:"type:text;not null"`
	Type         FeatureType                            `gorm:"column:feature_type;type:text;not null"`
	UsageType    UsageType                              `gorm:"column:usage_type;type:text;not null;default:single_use"`
	Active       bool                                   `gorm:"not null;default:true"`
	CreditSchema datatypes.JSONType[[]CreditSchemaItem] `gorm:"column:credit_schema"`
	Metadata     datatypes.JSONMap                      `gorm:"column:metadata"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Feature) TableName() string { return "features" }

// CreditCost reports what one unit of meteredID costs in this credit system.
func (f Feature) CreditCost(meteredID snowflake.ID) (decimal.Decimal, bool) {
	if f.Type != FeatureTypeCreditSystem {
		return decimal.Zero, false
	}
	for _, item := range f.CreditSchema.Data() {
		if item.MeteredFeatureID == meteredID {
			return item.CreditCost, true
		}
	}
	return decimal.Zero, false
}

// Relevant is a feature whose entitlements can absorb usage of another
// feature. CreditCost is one for the feature itself.
type Relevant struct {
	FeatureID  snowflake.ID
	Type       FeatureType
	CreditCost decimal.Decimal
	Continuous bool
}
