package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	balancedomain "github.com/smallbiznis/balancer/internal/balance/domain"
	"github.com/smallbiznis/balancer/internal/cache"
	"github.com/smallbiznis/balancer/internal/config"
	featuredomain "github.com/smallbiznis/balancer/internal/feature/domain"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"github.com/smallbiznis/balancer/internal/ledger/ledgertest"
	"github.com/smallbiznis/balancer/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeBalanceService struct {
	deducts   []balancedomain.DeductRequest
	deductErr error

	balanceKeys []ledgerdomain.CustomerKey
	skipCache   []bool
	rows        []ledgerdomain.CustomerEntitlement
}

func (f *fakeBalanceService) Deduct(ctx context.Context, req balancedomain.DeductRequest) (*balancedomain.DeductResponse, error) {
	f.deducts = append(f.deducts, req)
	if f.deductErr != nil {
		return nil, f.deductErr
	}
	return &balancedomain.DeductResponse{}, nil
}

func (f *fakeBalanceService) GetBalances(ctx context.Context, key ledgerdomain.CustomerKey, skipCache bool) ([]ledgerdomain.CustomerEntitlement, error) {
	f.balanceKeys = append(f.balanceKeys, key)
	f.skipCache = append(f.skipCache, skipCache)
	return f.rows, nil
}

type fakeFeatureService struct {
	created []featuredomain.CreateRequest
	err     error
}

func (f *fakeFeatureService) Create(ctx context.Context, req featuredomain.CreateRequest) (*featuredomain.Feature, error) {
	f.created = append(f.created, req)
	if f.err != nil {
		return nil, f.err
	}
	return &featuredomain.Feature{ID: snowflake.ID(42), OrgID: req.OrgID, Code: req.Code, Name: req.Name, Type: req.FeatureType, Active: true}, nil
}

func (f *fakeFeatureService) Relevant(ctx context.Context, orgID, featureID snowflake.ID) ([]featuredomain.Relevant, error) {
	return nil, nil
}

type testRig struct {
	fixture  *ledgertest.Fixture
	mr       *miniredis.Miniredis
	cache    *cache.BalanceCache
	balances *fakeBalanceService
	features *fakeFeatureService
	engine   *gin.Engine
}

func newTestRig(t *testing.T, limit config.RateLimitConfig) *testRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := ledgertest.New(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := config.Config{RateLimit: limit}
	limiter, err := ratelimit.NewTrackLimiter(cfg, client)
	require.NoError(t, err)

	rig := &testRig{
		fixture:  f,
		mr:       mr,
		cache:    cache.NewBalanceCache(client, config.NewStaticBalancePolicyHolder(config.DefaultBalancePolicy())),
		balances: &fakeBalanceService{},
		features: &fakeFeatureService{},
		engine:   NewEngine(),
	}
	NewServer(ServerParams{
		Gin:          rig.engine,
		Cfg:          cfg,
		Log:          zap.NewNop(),
		Balances:     rig.balances,
		Features:     rig.features,
		Ledger:       f.Ledger,
		Cache:        rig.cache,
		TrackLimiter: limiter,
	})
	return rig
}

func (r *testRig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderOrg, r.fixture.Key.OrgID.String())
	rec := httptest.NewRecorder()
	r.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestRequestsWithoutOrgAreRejected(t *testing.T) {
	rig := newTestRig(t, config.RateLimitConfig{})

	req := httptest.NewRequest(http.MethodGet, "/v1/customers/1/balances", nil)
	rec := httptest.NewRecorder()
	rig.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "org_required", payload.Errors[0].Code)
	assert.Empty(t, rig.balances.balanceKeys)
}

func TestTrackUsageBuildsDeductRequest(t *testing.T) {
	rig := newTestRig(t, config.RateLimitConfig{})
	key := rig.fixture.Key
	featureA := snowflake.ID(101)
	featureB := snowflake.ID(102)

	rec := rig.do(t, http.MethodPost, "/v1/balances/track", map[string]any{
		"customer_id": key.CustomerID.String(),
		"entity_id":   " seat-1 ",
		"options":     map[string]any{"block_overage": true},
		"deductions": []map[string]any{
			{"feature_id": featureA.String(), "amount": "2.5"},
			{"feature_id": featureB.String(), "amount": -3, "options": map[string]any{"target_field": "additional_balance"}},
		},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, rig.balances.deducts, 1)
	got := rig.balances.deducts[0]
	assert.Equal(t, key, got.Key)
	assert.Equal(t, "seat-1", got.EntityID)
	assert.True(t, got.Options.BlockOverage)
	require.Len(t, got.Deductions, 2)
	assert.Equal(t, featureA, got.Deductions[0].FeatureID)
	assert.True(t, got.Deductions[0].Amount.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, got.Deductions[0].Options.BlockOverage)
	assert.Equal(t, ledgerdomain.FieldAdditionalBalance, got.Deductions[1].Options.TargetField)
	assert.False(t, got.Deductions[1].Options.BlockOverage)
	assert.True(t, got.Deductions[1].Amount.Equal(decimal.NewFromInt(-3)))
}

func TestTrackUsageErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		errType   string
		retryable bool
	}{
		{"overage", balancedomain.ErrOverageBlocked, http.StatusUnprocessableEntity, "overage_blocked", false},
		{"lock timeout", balancedomain.ErrLockTimeout, http.StatusConflict, "operation_in_progress", true},
		{"transient", balancedomain.ErrTransientStore, http.StatusServiceUnavailable, "service_unavailable", true},
		{"inconsistent", balancedomain.ErrInternalInconsistency, http.StatusInternalServerError, "internal_error", false},
		{"unknown feature", balancedomain.ErrUnknownFeature, http.StatusBadRequest, "validation_error", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newTestRig(t, config.RateLimitConfig{})
			rig.balances.deductErr = tc.err

			rec := rig.do(t, http.MethodPost, "/v1/balances/track", map[string]any{
				"customer_id": rig.fixture.Key.CustomerID.String(),
				"deductions":  []map[string]any{{"feature_id": "7", "amount": 1}},
			})

			require.Equal(t, tc.status, rec.Code)
			payload := decodeError(t, rec)
			assert.Equal(t, tc.errType, payload.Type)
			assert.Equal(t, tc.retryable, payload.Retryable)
			if tc.retryable {
				assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestTrackUsageValidation(t *testing.T) {
	rig := newTestRig(t, config.RateLimitConfig{})

	rec := rig.do(t, http.MethodPost, "/v1/balances/track", map[string]any{
		"customer_id": rig.fixture.Key.CustomerID.String(),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no_deductions", decodeError(t, rec).Errors[0].Code)

	rec = rig.do(t, http.MethodPost, "/v1/balances/track", map[string]any{
		"customer_id": "not-a-number",
		"deductions":  []map[string]any{{"feature_id": "7", "amount": 1}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_customer", decodeError(t, rec).Errors[0].Code)
	assert.Empty(t, rig.balances.deducts)
}

func TestSetBalanceSendsTarget(t *testing.T) {
	rig := newTestRig(t, config.RateLimitConfig{})

	rec := rig.do(t, http.MethodPost, "/v1/balances/set", map[string]any{
		"customer_id": rig.fixture.Key.CustomerID.String(),
		"feature_id":  "9",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rig.balances.deducts)

	rec = rig.do(t, http.MethodPost, "/v1/balances/set", map[string]any{
		"customer_id": rig.fixture.Key.CustomerID.String(),
		"feature_id":  "9",
		"balance":     "25",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, rig.balances.deducts, 1)
	d := rig.balances.deducts[0].Deductions
	require.Len(t, d, 1)
	assert.True(t, d[0].TargetBalance.Valid)
	assert.True(t, d[0].TargetBalance.Decimal.Equal(decimal.NewFromInt(25)))
	assert.True(t, d[0].Amount.IsZero())
}

func TestGetCustomerBalancesUsesScopeAndSkipCache(t *testing.T) {
	rig := newTestRig(t, config.RateLimitConfig{})
	key := rig.fixture.Key

	req := httptest.NewRequest(http.MethodGet, "/v1/customers/"+key.CustomerID.String()+"/balances?skip_cache=true", nil)
	req.Header.Set(HeaderOrg, key.OrgID.String())
	req.Header.Set(HeaderEnvironment, "sandbox")
	rec := httptest.NewRecorder()
	rig.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, rig.balances.balanceKeys, 1)
	assert.Equal(t, "sandbox", rig.balances.balanceKeys[0].Env)
	assert.Equal(t, key.CustomerID, rig.balances.balanceKeys[0].CustomerID)
	assert.True(t, rig.balances.skipCache[0])
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
}

func TestCreateFeatureParsesCreditSchema(t *testing.T) {
	rig := newTestRig(t, config.RateLimitConfig{})

	rec := rig.do(t, http.MethodPost, "/v1/features", map[string]any{
		"code":         " credits ",
		"name":         "Credits",
		"feature_type": "credit_system",
		"credit_schema": []map[string]any{
			{"metered_feature_id": "55", "credit_cost": "2.5"},
		},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, rig.features.created, 1)
	got := rig.features.created[0]
	assert.Equal(t, rig.fixture.Key.OrgID, got.OrgID)
	assert.Equal(t, "credits", got.Code)
	assert.Equal(t, featuredomain.FeatureTypeCreditSystem, got.FeatureType)
	require.Len(t, got.CreditSchema, 1)
	assert.Equal(t, snowflake.ID(55), got.CreditSchema[0].MeteredFeatureID)

	rig.features.err = featuredomain.ErrInvalidCreditSchema
	rec = rig.do(t, http.MethodPost, "/v1/features", map[string]any{"code": "x", "name": "x", "feature_type": "credit_system"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_credit_schema", decodeError(t, rec).Errors[0].Code)
}

func TestAttachEntitlementInvalidatesCache(t *testing.T) {
	rig := newTestRig(t, config.RateLimitConfig{})
	f := rig.fixture
	ctx := context.Background()

	rec := rig.do(t, http.MethodPost, "/v1/entitlements", map[string]any{
		"feature_id": f.Node.Generate().String(),
		"allowance":  100,
		"interval":   "month",
		"rollover":   map[string]any{"max": "50", "duration_interval": "month", "duration_count": 2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created struct {
		Data ledgerdomain.Entitlement `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotZero(t, created.Data.ID)
	assert.True(t, created.Data.Rollover.Enabled())

	require.NoError(t, rig.cache.Overwrite(ctx, f.Key, nil))
	require.True(t, rig.mr.Exists(cache.BalanceKey(f.Key)))

	rec = rig.do(t, http.MethodPost, "/v1/customers/"+f.Key.CustomerID.String()+"/entitlements", map[string]any{
		"entitlement_id":      created.Data.ID.String(),
		"customer_product_id": f.Node.Generate().String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, rig.mr.Exists(cache.BalanceKey(f.Key)))

	rows, err := f.Ledger.ListCustomerEntitlements(ctx, f.Key)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Balance.Equal(decimal.NewFromInt(100)))
}

func TestAttachUnknownEntitlementIsNotFound(t *testing.T) {
	rig := newTestRig(t, config.RateLimitConfig{})
	f := rig.fixture

	rec := rig.do(t, http.MethodPost, "/v1/customers/"+f.Key.CustomerID.String()+"/entitlements", map[string]any{
		"entitlement_id":      f.Node.Generate().String(),
		"customer_product_id": f.Node.Generate().String(),
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateEntitlementRejectsUnknownInterval(t *testing.T) {
	rig := newTestRig(t, config.RateLimitConfig{})

	rec := rig.do(t, http.MethodPost, "/v1/entitlements", map[string]any{
		"feature_id": "12",
		"allowance":  10,
		"interval":   "fortnight",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_interval", decodeError(t, rec).Errors[0].Code)
}

func TestCloseCustomerProductExpiresRows(t *testing.T) {
	rig := newTestRig(t, config.RateLimitConfig{})
	f := rig.fixture
	ce := f.Grant(t, ledgertest.Grant{FeatureID: f.Node.Generate(), Allowance: 10})

	path := "/v1/customers/" + f.Key.CustomerID.String() + "/products/" + ce.CustomerProductID.String() + "/close"
	rec := rig.do(t, http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"data":{"closed":1}}`, rec.Body.String())
	assert.Equal(t, ledgerdomain.StatusExpired, f.Load(t, ce.ID).Status)
}

func TestTrackRateLimitDeniesAfterBurst(t *testing.T) {
	rig := newTestRig(t, config.RateLimitConfig{Enabled: true, TrackOrgRate: 0.01, TrackOrgBurst: 1})
	body := map[string]any{
		"customer_id": rig.fixture.Key.CustomerID.String(),
		"deductions":  []map[string]any{{"feature_id": "7", "amount": 1}},
	}

	rec := rig.do(t, http.MethodPost, "/v1/balances/track", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = rig.do(t, http.MethodPost, "/v1/balances/track", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, rateLimitReasonOrgRate, rec.Header().Get("X-Rate-Limited-Reason"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Len(t, rig.balances.deducts, 1)
}

func TestClassifyErrorForLog(t *testing.T) {
	errType, code := classifyErrorForLog(balancedomain.ErrOverageBlocked)
	assert.Equal(t, "overage_blocked", errType)
	assert.Equal(t, "overage_blocked", code)

	errType, code = classifyErrorForLog(ledgerdomain.ErrInvalidAmount)
	assert.Equal(t, "validation_error", errType)
	assert.Equal(t, "invalid_amount", code)

	_, code = classifyErrorForLog(balancedomain.ErrInternalInconsistency)
	assert.Equal(t, "internal_inconsistency", code)
}

func TestRequestLogCarriesMappedError(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	t.Cleanup(zap.ReplaceGlobals(zap.New(core)))

	rig := newTestRig(t, config.RateLimitConfig{})
	rig.balances.deductErr = balancedomain.ErrOverageBlocked

	rec := rig.do(t, http.MethodPost, "/v1/balances/track", map[string]any{
		"customer_id": rig.fixture.Key.CustomerID.String(),
		"deductions":  []map[string]any{{"feature_id": "7", "amount": 1}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	requestID := rec.Header().Get("X-Request-Id")
	assert.NotEmpty(t, requestID)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "overage_blocked", fields["error_type"])
	assert.Equal(t, "overage_blocked", fields["error_code"])
	assert.Equal(t, "/v1/balances/track", fields["route"])
	assert.Equal(t, requestID, fields["request_id"])
	assert.Equal(t, rig.fixture.Key.OrgID.String(), fields["org_id"])
}

func TestRequestLogKeepsCallerRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	t.Cleanup(zap.ReplaceGlobals(zap.New(core)))

	rig := newTestRig(t, config.RateLimitConfig{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	rig.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-Id"))
	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, "req-123", entries[0].ContextMap()["request_id"])
	assert.NotContains(t, entries[0].ContextMap(), "error_type")
}
