package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/balancer/internal/balance/domain"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	obscontext "github.com/smallbiznis/balancer/internal/observability/context"
)

type deductOptionsRequest struct {
	BlockOverage         bool   `json:"block_overage"`
	AllowNegativeBalance bool   `json:"allow_negative_balance"`
	TargetField          string `json:"target_field"`
}

func (o *deductOptionsRequest) toDomain() ledgerdomain.DeductOptions {
	if o == nil {
		return ledgerdomain.DeductOptions{}
	}
	return ledgerdomain.DeductOptions{
		BlockOverage:         o.BlockOverage,
		AllowNegativeBalance: o.AllowNegativeBalance,
		TargetField:          ledgerdomain.BalanceField(strings.TrimSpace(o.TargetField)),
	}
}

type trackDeductionRequest struct {
	FeatureID string                `json:"feature_id"`
	Amount    decimal.Decimal       `json:"amount"`
	Options   *deductOptionsRequest `json:"options"`
}

type trackUsageRequest struct {
	CustomerID string                  `json:"customer_id"`
	EntityID   string                  `json:"entity_id"`
	Deductions []trackDeductionRequest `json:"deductions"`
	Options    *deductOptionsRequest   `json:"options"`
}

type setBalanceRequest struct {
	CustomerID string                `json:"customer_id"`
	EntityID   string                `json:"entity_id"`
	FeatureID  string                `json:"feature_id"`
	Balance    decimal.NullDecimal   `json:"balance"`
	Options    *deductOptionsRequest `json:"options"`
}

// TrackUsage applies a batch of signed feature deductions for one customer.
func (s *Server) TrackUsage(c *gin.Context) {
	var req trackUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	customerID, err := parseSnowflakeID(req.CustomerID)
	if err != nil {
		AbortWithError(c, newValidationError("customer_id", "invalid_customer", "invalid customer_id"))
		return
	}
	if len(req.Deductions) == 0 {
		AbortWithError(c, balancedomain.ErrNoDeductions)
		return
	}

	deductions := make([]balancedomain.FeatureDeduction, 0, len(req.Deductions))
	for _, item := range req.Deductions {
		featureID, err := parseSnowflakeID(item.FeatureID)
		if err != nil {
			AbortWithError(c, newValidationError("feature_id", "invalid_feature", "invalid feature_id"))
			return
		}
		opts := req.Options.toDomain()
		if item.Options != nil {
			opts = item.Options.toDomain()
		}
		deductions = append(deductions, balancedomain.FeatureDeduction{
			FeatureID: featureID,
			Amount:    item.Amount,
			Options:   opts,
		})
	}

	key := scopeFrom(c).customer(customerID)
	ctx := obscontext.WithCustomerID(c.Request.Context(), customerID.String())
	resp, err := s.balances.Deduct(ctx, balancedomain.DeductRequest{
		Key:        key,
		EntityID:   strings.TrimSpace(req.EntityID),
		Deductions: deductions,
		Options:    req.Options.toDomain(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// SetBalance moves one feature balance to an explicit target.
func (s *Server) SetBalance(c *gin.Context) {
	var req setBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	customerID, err := parseSnowflakeID(req.CustomerID)
	if err != nil {
		AbortWithError(c, newValidationError("customer_id", "invalid_customer", "invalid customer_id"))
		return
	}
	featureID, err := parseSnowflakeID(req.FeatureID)
	if err != nil {
		AbortWithError(c, newValidationError("feature_id", "invalid_feature", "invalid feature_id"))
		return
	}
	if !req.Balance.Valid {
		AbortWithError(c, newValidationError("balance", "invalid_amount", "balance is required"))
		return
	}

	opts := req.Options.toDomain()
	key := scopeFrom(c).customer(customerID)
	ctx := obscontext.WithCustomerID(c.Request.Context(), customerID.String())
	resp, err := s.balances.Deduct(ctx, balancedomain.DeductRequest{
		Key:      key,
		EntityID: strings.TrimSpace(req.EntityID),
		Deductions: []balancedomain.FeatureDeduction{{
			FeatureID:     featureID,
			TargetBalance: req.Balance,
			Options:       opts,
		}},
		Options: opts,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetCustomerBalances(c *gin.Context) {
	customerID, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_customer", "invalid customer id"))
		return
	}
	skipCache, err := parseOptionalBool(c.Query("skip_cache"))
	if err != nil {
		AbortWithError(c, newValidationError("skip_cache", "invalid_skip_cache", "invalid skip_cache"))
		return
	}

	key := scopeFrom(c).customer(customerID)
	ctx := obscontext.WithCustomerID(c.Request.Context(), customerID.String())
	rows, err := s.balances.GetBalances(ctx, key, skipCache != nil && *skipCache)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if rows == nil {
		rows = []ledgerdomain.CustomerEntitlement{}
	}

	c.JSON(http.StatusOK, gin.H{"data": rows})
}
