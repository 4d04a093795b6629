package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balancer/internal/events/domain"
	"github.com/smallbiznis/balancer/internal/events/repository"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"github.com/smallbiznis/balancer/internal/ledger/ledgertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newOutbox(t *testing.T) (*Outbox, *ledgertest.Fixture) {
	t.Helper()
	f := ledgertest.New(t)
	require.NoError(t, f.DB.AutoMigrate(&domain.Event{}))

	return NewOutbox(OutboxParams{
		DB:     f.DB,
		Log:    zap.NewNop(),
		GenID:  f.Node,
		Repo:   repository.Provide(),
		Ledger: f.Repo,
		Clock:  f.Clock,
	}), f
}

func TestInvoiceAllocationsMarksRecordsOnce(t *testing.T) {
	o, f := newOutbox(t)
	ctx := context.Background()
	feature := f.Node.Generate()
	seats := f.Grant(t, ledgertest.Grant{FeatureID: feature, Allowance: 2, PaidAllocated: true, UsageAllowed: true})

	res, err := f.Ledger.Deduct(ctx, ledgerdomain.DeductParams{
		Key:        f.Key,
		FeatureID:  feature,
		Candidates: []ledgerdomain.CandidateRef{{CustomerEntitlementID: seats.ID}},
		Amount:     decimal.NewFromInt(3),
	})
	require.NoError(t, err)
	require.Len(t, res.Allocations, 1)

	inv := domain.AllocationInvoice{
		Key:                   f.Key,
		CustomerEntitlementID: seats.ID,
		FeatureID:             feature,
		AllocationIDs:         []snowflake.ID{res.Allocations[0].ID},
		Quantity:              decimal.NewFromInt(3),
	}
	require.NoError(t, o.InvoiceAllocations(ctx, inv))
	require.NoError(t, o.InvoiceAllocations(ctx, inv), "redelivery is a no-op")

	var events []domain.Event
	require.NoError(t, f.DB.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventAllocationInvoice, events[0].Type)

	var payload domain.AllocationInvoice
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.True(t, payload.Quantity.Equal(decimal.NewFromInt(3)))

	var stored ledgerdomain.AllocationRecord
	require.NoError(t, f.DB.First(&stored, "id = ?", res.Allocations[0].ID).Error)
	assert.Equal(t, ledgerdomain.AllocationStatusInvoiced, stored.Status)
}

func TestInvoiceAllocationsIgnoresEmptyBatch(t *testing.T) {
	o, f := newOutbox(t)
	require.NoError(t, o.InvoiceAllocations(context.Background(), domain.AllocationInvoice{Key: f.Key}))

	var count int64
	require.NoError(t, f.DB.Model(&domain.Event{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestNotifyThresholdOncePerPeriod(t *testing.T) {
	o, f := newOutbox(t)
	ctx := context.Background()
	period := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	crossing := domain.ThresholdCrossing{
		Key:                   f.Key,
		CustomerEntitlementID: f.Node.Generate(),
		FeatureID:             f.Node.Generate(),
		Threshold:             decimal.NewFromInt(10),
		PreviousBalance:       decimal.NewFromInt(12),
		NewBalance:            decimal.NewFromInt(8),
		PeriodResetAt:         &period,
	}

	require.NoError(t, o.NotifyThreshold(ctx, crossing))
	require.NoError(t, o.NotifyThreshold(ctx, crossing))

	next := period.AddDate(0, 1, 0)
	crossing.PeriodResetAt = &next
	require.NoError(t, o.NotifyThreshold(ctx, crossing))

	var events []domain.Event
	require.NoError(t, f.DB.Order("id ASC").Find(&events).Error)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventThresholdCrossed, events[1].Type)
	assert.Equal(t, f.Key.CustomerID, events[1].CustomerID)
}
