package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balancer/internal/clock"
	"github.com/smallbiznis/balancer/internal/feature/domain"
	"github.com/smallbiznis/balancer/internal/feature/repository"
	"github.com/smallbiznis/balancer/internal/ledger/ledgertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	svc   domain.Service
	node  *snowflake.Node
	clock *clock.FakeClock
	org   snowflake.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(ledgertest.Epoch)
	db := ledgertest.OpenDB(t, &domain.Feature{})

	return &fixture{
		svc:   New(Params{DB: db, Log: zap.NewNop(), GenID: node, Repo: repository.Provide(), Clock: clk}),
		node:  node,
		clock: clk,
		org:   node.Generate(),
	}
}

func TestRelevantIncludesCreditSystems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	api, err := f.svc.Create(ctx, domain.CreateRequest{OrgID: f.org, Code: "api_calls", Name: "API calls"})
	require.NoError(t, err)
	other, err := f.svc.Create(ctx, domain.CreateRequest{OrgID: f.org, Code: "exports", Name: "Exports"})
	require.NoError(t, err)

	credits, err := f.svc.Create(ctx, domain.CreateRequest{
		OrgID:       f.org,
		Code:        "credits",
		Name:        "Credits",
		FeatureType: domain.FeatureTypeCreditSystem,
		CreditSchema: []domain.CreditSchemaItem{
			{MeteredFeatureID: api.ID, CreditCost: decimal.RequireFromString("2.5")},
		},
	})
	require.NoError(t, err)

	relevant, err := f.svc.Relevant(ctx, f.org, api.ID)
	require.NoError(t, err)
	require.Len(t, relevant, 2)
	assert.Equal(t, api.ID, relevant[0].FeatureID)
	assert.True(t, relevant[0].CreditCost.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, credits.ID, relevant[1].FeatureID)
	assert.True(t, relevant[1].CreditCost.Equal(decimal.RequireFromString("2.5")))

	relevant, err = f.svc.Relevant(ctx, f.org, other.ID)
	require.NoError(t, err)
	assert.Len(t, relevant, 1)
}

func TestRelevantCachePurgedByNewCreditSystem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	api, err := f.svc.Create(ctx, domain.CreateRequest{OrgID: f.org, Code: "api_calls", Name: "API calls"})
	require.NoError(t, err)
	relevant, err := f.svc.Relevant(ctx, f.org, api.ID)
	require.NoError(t, err)
	require.Len(t, relevant, 1)

	_, err = f.svc.Create(ctx, domain.CreateRequest{
		OrgID:        f.org,
		Code:         "credits",
		Name:         "Credits",
		FeatureType:  domain.FeatureTypeCreditSystem,
		CreditSchema: []domain.CreditSchemaItem{{MeteredFeatureID: api.ID, CreditCost: decimal.NewFromInt(1)}},
	})
	require.NoError(t, err)

	relevant, err = f.svc.Relevant(ctx, f.org, api.ID)
	require.NoError(t, err)
	assert.Len(t, relevant, 2)

	f.clock.Advance(2 * time.Minute)
	relevant, err = f.svc.Relevant(ctx, f.org, api.ID)
	require.NoError(t, err)
	assert.Len(t, relevant, 2)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	metered := f.node.Generate()

	cases := []struct {
		name string
		req  domain.CreateRequest
		err  error
	}{
		{name: "no_org", req: domain.CreateRequest{Code: "a", Name: "a"}, err: domain.ErrInvalidOrganization},
		{name: "no_code", req: domain.CreateRequest{OrgID: f.org, Name: "a"}, err: domain.ErrInvalidCode},
		{name: "no_name", req: domain.CreateRequest{OrgID: f.org, Code: "a"}, err: domain.ErrInvalidName},
		{name: "bad_type", req: domain.CreateRequest{OrgID: f.org, Code: "a", Name: "a", FeatureType: "seat"}, err: domain.ErrInvalidType},
		{name: "bad_usage_type", req: domain.CreateRequest{OrgID: f.org, Code: "a", Name: "a", UsageType: "hourly"}, err: domain.ErrInvalidUsageType},
		{name: "schema_on_metered", req: domain.CreateRequest{
			OrgID: f.org, Code: "a", Name: "a",
			CreditSchema: []domain.CreditSchemaItem{{MeteredFeatureID: metered, CreditCost: decimal.NewFromInt(1)}},
		}, err: domain.ErrInvalidCreditSchema},
		{name: "zero_cost", req: domain.CreateRequest{
			OrgID: f.org, Code: "a", Name: "a", FeatureType: domain.FeatureTypeCreditSystem,
			CreditSchema: []domain.CreditSchemaItem{{MeteredFeatureID: metered}},
		}, err: domain.ErrInvalidCreditSchema},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(ctx, tc.req)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestRelevantMarksContinuousUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seats, err := f.svc.Create(ctx, domain.CreateRequest{OrgID: f.org, Code: "seats", Name: "Seats", UsageType: "Continuous_Use"})
	require.NoError(t, err)
	assert.Equal(t, domain.UsageContinuous, seats.UsageType)

	calls, err := f.svc.Create(ctx, domain.CreateRequest{OrgID: f.org, Code: "calls", Name: "Calls"})
	require.NoError(t, err)
	assert.Equal(t, domain.UsageSingle, calls.UsageType)

	relevant, err := f.svc.Relevant(ctx, f.org, seats.ID)
	require.NoError(t, err)
	require.Len(t, relevant, 1)
	assert.True(t, relevant[0].Continuous)

	relevant, err = f.svc.Relevant(ctx, f.org, calls.ID)
	require.NoError(t, err)
	assert.False(t, relevant[0].Continuous)
}

func TestRelevantUnknownFeature(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Relevant(context.Background(), f.org, f.node.Generate())
	require.ErrorIs(t, err, domain.ErrNotFound)
}
