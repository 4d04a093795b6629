package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balancer/internal/cache"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"github.com/smallbiznis/balancer/internal/observability/logger"
	"go.uber.org/zap"
)

type rolloverRequest struct {
	Max              decimal.NullDecimal `json:"max"`
	DurationInterval string              `json:"duration_interval"`
	DurationCount    int                 `json:"duration_count"`
	MaxBuckets       int                 `json:"max_buckets"`
}

type createEntitlementRequest struct {
	FeatureID       string              `json:"feature_id"`
	Allowance       decimal.Decimal     `json:"allowance"`
	Unlimited       bool                `json:"unlimited"`
	Interval        string              `json:"interval"`
	IntervalCount   int                 `json:"interval_count"`
	UsageAllowed    bool                `json:"usage_allowed"`
	UsageLimit      decimal.NullDecimal `json:"usage_limit"`
	EntityFeatureID *string             `json:"entity_feature_id"`
	PaidAllocated   bool                `json:"paid_allocated"`
	AlertThreshold  decimal.NullDecimal `json:"alert_threshold"`
	Rollover        *rolloverRequest    `json:"rollover"`
}

type attachEntitlementRequest struct {
	EntitlementID     string          `json:"entitlement_id"`
	CustomerProductID string          `json:"customer_product_id"`
	PrepaidQuantity   decimal.Decimal `json:"prepaid_quantity"`
	EntityIDs         []string        `json:"entity_ids"`
}

func (s *Server) CreateEntitlement(c *gin.Context) {
	var req createEntitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	featureID, err := parseSnowflakeID(req.FeatureID)
	if err != nil {
		AbortWithError(c, newValidationError("feature_id", "invalid_feature", "invalid feature_id"))
		return
	}
	entityFeatureID, err := parseOptionalSnowflakeID(req.EntityFeatureID)
	if err != nil {
		AbortWithError(c, newValidationError("entity_feature_id", "invalid_feature", "invalid entity_feature_id"))
		return
	}
	interval := ledgerdomain.Interval(strings.TrimSpace(req.Interval))
	if interval != "" && !validInterval(interval) {
		AbortWithError(c, newValidationError("interval", "invalid_interval", "invalid interval"))
		return
	}

	ent := &ledgerdomain.Entitlement{
		OrgID:           scopeFrom(c).OrgID,
		FeatureID:       featureID,
		Allowance:       req.Allowance,
		Unlimited:       req.Unlimited,
		Interval:        interval,
		IntervalCount:   req.IntervalCount,
		UsageAllowed:    req.UsageAllowed,
		UsageLimit:      req.UsageLimit,
		EntityFeatureID: entityFeatureID,
		PaidAllocated:   req.PaidAllocated,
		AlertThreshold:  req.AlertThreshold,
	}
	if req.Rollover != nil {
		durationInterval := ledgerdomain.Interval(strings.TrimSpace(req.Rollover.DurationInterval))
		if durationInterval != "" && !validInterval(durationInterval) {
			AbortWithError(c, newValidationError("rollover.duration_interval", "invalid_interval", "invalid duration_interval"))
			return
		}
		ent.Rollover = ledgerdomain.RolloverConfig{
			Max:              req.Rollover.Max,
			DurationInterval: durationInterval,
			DurationCount:    req.Rollover.DurationCount,
			MaxBuckets:       req.Rollover.MaxBuckets,
		}
	}

	if err := s.ledger.CreateEntitlement(c.Request.Context(), ent); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ent})
}

// AttachEntitlement grants an entitlement to the customer and drops the
// cached balances so the next read picks up the new row.
func (s *Server) AttachEntitlement(c *gin.Context) {
	customerID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_customer", "invalid customer id"))
		return
	}

	var req attachEntitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	entitlementID, err := parseSnowflakeID(req.EntitlementID)
	if err != nil {
		AbortWithError(c, newValidationError("entitlement_id", "invalid_entitlement", "invalid entitlement_id"))
		return
	}
	productID, err := parseSnowflakeID(req.CustomerProductID)
	if err != nil {
		AbortWithError(c, newValidationError("customer_product_id", "invalid_customer_product", "invalid customer_product_id"))
		return
	}

	key := scopeFrom(c).customer(customerID)
	ce, err := s.ledger.Attach(c.Request.Context(), ledgerdomain.AttachRequest{
		Key:               key,
		CustomerProductID: productID,
		EntitlementID:     entitlementID,
		PrepaidQuantity:   req.PrepaidQuantity,
		EntityIDs:         req.EntityIDs,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.invalidateBalances(c, key)

	c.JSON(http.StatusOK, gin.H{"data": ce})
}

func (s *Server) CloseCustomerProduct(c *gin.Context) {
	customerID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_customer", "invalid customer id"))
		return
	}
	productID, err := parseSnowflakeID(c.Param("product_id"))
	if err != nil {
		AbortWithError(c, newValidationError("product_id", "invalid_customer_product", "invalid product id"))
		return
	}

	key := scopeFrom(c).customer(customerID)
	closed, err := s.ledger.CloseCustomerProduct(c.Request.Context(), key, productID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.invalidateBalances(c, key)

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"closed": closed}})
}

// invalidateBalances is best effort. A stale entry is replanned on the next
// deduction and expires with the cache TTL.
func (s *Server) invalidateBalances(c *gin.Context, key ledgerdomain.CustomerKey) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(c.Request.Context(), key); err != nil && !errors.Is(err, cache.ErrCacheDisabled) {
		logger.FromContext(c.Request.Context()).Warn("invalidate balance cache failed",
			zap.String("customer_id", key.CustomerID.String()),
			zap.Error(err),
		)
	}
}

func validInterval(i ledgerdomain.Interval) bool {
	return i == ledgerdomain.IntervalNone || i == ledgerdomain.IntervalLifetime || i.Resets()
}
