package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Feature, error)
	// Relevant lists the feature itself followed by every active credit
	// system that prices it.
	Relevant(ctx context.Context, orgID, featureID snowflake.ID) ([]Relevant, error)
}

type CreateRequest struct {
	OrgID        snowflake.ID
	Code         string
	Name         string
	FeatureType  FeatureType
	UsageType    UsageType
	CreditSchema []CreditSchemaItem
	Metadata     map[string]any
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidCode         = errors.New("invalid_code")
	ErrInvalidName         = errors.New("invalid_name")
	ErrInvalidType         = errors.New("invalid_feature_type")
	ErrInvalidUsageType    = errors.New("invalid_usage_type")
	ErrInvalidCreditSchema = errors.New("invalid_credit_schema")
	ErrNotFound            = errors.New("not_found")
)

// ValidateCreditSchema requires positive costs on distinct metered features.
func ValidateCreditSchema(items []CreditSchemaItem) error {
	seen := make(map[snowflake.ID]struct{}, len(items))
	for _, item := range items {
		if item.MeteredFeatureID == 0 || !item.CreditCost.GreaterThan(decimal.Zero) {
			return ErrInvalidCreditSchema
		}
		if _, dup := seen[item.MeteredFeatureID]; dup {
			return ErrInvalidCreditSchema
		}
		seen[item.MeteredFeatureID] = struct{}{}
	}
	return nil
}
