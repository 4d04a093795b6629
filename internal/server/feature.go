package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	featuredomain "github.com/smallbiznis/balancer/internal/feature/domain"
)

type creditSchemaItemRequest struct {
	MeteredFeatureID string          `json:"metered_feature_id"`
	CreditCost       decimal.Decimal `json:"credit_cost"`
}

type createFeatureRequest struct {
	Code         string                    `json:"code"`
	Name         string                    `json:"name"`
	FeatureType  string                    `json:"feature_type"`
	UsageType    string                    `json:"usage_type"`
	CreditSchema []creditSchemaItemRequest `json:"credit_schema"`
	Metadata     map[string]any            `json:"metadata"`
}

type featureResponse struct {
	ID           string                           `json:"id"`
	Code         string                           `json:"code"`
	Name         string                           `json:"name"`
	FeatureType  featuredomain.FeatureType        `json:"feature_type"`
	UsageType    featuredomain.UsageType          `json:"usage_type"`
	Active       bool                             `json:"active"`
	CreditSchema []featuredomain.CreditSchemaItem `json:"credit_schema,omitempty"`
	Metadata     map[string]any                   `json:"metadata,omitempty"`
	CreatedAt    time.Time                        `json:"created_at"`
}

func (s *Server) CreateFeature(c *gin.Context) {
	var req createFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	schema := make([]featuredomain.CreditSchemaItem, 0, len(req.CreditSchema))
	for _, item := range req.CreditSchema {
		meteredID, err := parseSnowflakeID(item.MeteredFeatureID)
		if err != nil {
			AbortWithError(c, newValidationError("credit_schema", "invalid_credit_schema", "invalid metered_feature_id"))
			return
		}
		schema = append(schema, featuredomain.CreditSchemaItem{
			MeteredFeatureID: meteredID,
			CreditCost:       item.CreditCost,
		})
	}

	resp, err := s.features.Create(c.Request.Context(), featuredomain.CreateRequest{
		OrgID:        scopeFrom(c).OrgID,
		Code:         strings.TrimSpace(req.Code),
		Name:         strings.TrimSpace(req.Name),
		FeatureType:  featuredomain.FeatureType(strings.TrimSpace(req.FeatureType)),
		UsageType:    featuredomain.UsageType(strings.TrimSpace(req.UsageType)),
		CreditSchema: schema,
		Metadata:     req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": toFeatureResponse(resp)})
}

func toFeatureResponse(f *featuredomain.Feature) featureResponse {
	return featureResponse{
		ID:           f.ID.String(),
		Code:         f.Code,
		Name:         f.Name,
		FeatureType:  f.Type,
		UsageType:    f.UsageType,
		Active:       f.Active,
		CreditSchema: f.CreditSchema.Data(),
		Metadata:     f.Metadata,
		CreatedAt:    f.CreatedAt,
	}
}
