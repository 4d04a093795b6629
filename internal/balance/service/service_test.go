package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balancer/internal/balance/domain"
	"github.com/smallbiznis/balancer/internal/cache"
	"github.com/smallbiznis/balancer/internal/config"
	"github.com/smallbiznis/balancer/internal/events"
	eventsdomain "github.com/smallbiznis/balancer/internal/events/domain"
	featuredomain "github.com/smallbiznis/balancer/internal/feature/domain"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"github.com/smallbiznis/balancer/internal/ledger/ledgertest"
	"github.com/smallbiznis/balancer/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type stubFeatures struct {
	creditSystems map[snowflake.ID][]featuredomain.Relevant
	continuous    map[snowflake.ID]bool
}

func (s *stubFeatures) Create(context.Context, featuredomain.CreateRequest) (*featuredomain.Feature, error) {
	return nil, errors.New("not supported")
}

func (s *stubFeatures) Relevant(_ context.Context, _ snowflake.ID, featureID snowflake.ID) ([]featuredomain.Relevant, error) {
	out := []featuredomain.Relevant{{
		FeatureID:  featureID,
		Type:       featuredomain.FeatureTypeMetered,
		CreditCost: dec(1),
		Continuous: s.continuous[featureID],
	}}
	return append(out, s.creditSystems[featureID]...), nil
}

// hookedLedger runs before ahead of every Deduct call.
type hookedLedger struct {
	ledgerdomain.Service

	mu     sync.Mutex
	calls  int
	before func(call int, params ledgerdomain.DeductParams) error
}

func (h *hookedLedger) Deduct(ctx context.Context, params ledgerdomain.DeductParams) (*ledgerdomain.DeductResult, error) {
	h.mu.Lock()
	h.calls++
	call, before := h.calls, h.before
	h.mu.Unlock()
	if before != nil {
		if err := before(call, params); err != nil {
			return nil, err
		}
	}
	return h.Service.Deduct(ctx, params)
}

type recordingSinks struct {
	invoices   chan eventsdomain.AllocationInvoice
	thresholds chan eventsdomain.ThresholdCrossing
}

func (r *recordingSinks) InvoiceAllocations(_ context.Context, inv eventsdomain.AllocationInvoice) error {
	r.invoices <- inv
	return nil
}

func (r *recordingSinks) NotifyThreshold(_ context.Context, c eventsdomain.ThresholdCrossing) error {
	r.thresholds <- c
	return nil
}

type rig struct {
	*ledgertest.Fixture
	svc      *Service
	ledger   *hookedLedger
	cache    *cache.BalanceCache
	locks    *lock.Coordinator
	mr       *miniredis.Miniredis
	features *stubFeatures
	sinks    *recordingSinks
}

func newRig(t *testing.T) *rig {
	t.Helper()
	f := ledgertest.New(t)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	policy := config.DefaultBalancePolicy()
	policy.LockWaitTimeout = 50 * time.Millisecond
	holder := config.NewStaticBalancePolicyHolder(policy)

	dispatcher := events.NewDispatcher(events.DispatcherParams{
		Config: config.Config{Dispatch: config.DispatchConfig{Workers: 1, QueueSize: 16, MaxTries: 1}},
		Log:    zap.NewNop(),
	})
	dispatcher.Start()
	t.Cleanup(func() { _ = dispatcher.Stop(context.Background()) })

	r := &rig{
		Fixture: f,
		ledger:  &hookedLedger{Service: f.Ledger},
		cache:   cache.NewBalanceCache(client, holder),
		locks:   lock.NewCoordinator(lock.NewLocker(client), holder, nil, nil),
		mr:      mr,
		features: &stubFeatures{
			creditSystems: map[snowflake.ID][]featuredomain.Relevant{},
			continuous:    map[snowflake.ID]bool{},
		},
		sinks: &recordingSinks{
			invoices:   make(chan eventsdomain.AllocationInvoice, 8),
			thresholds: make(chan eventsdomain.ThresholdCrossing, 8),
		},
	}
	r.svc = newService(Params{
		Log:        zap.NewNop(),
		Ledger:     r.ledger,
		Features:   r.features,
		Cache:      r.cache,
		Locks:      r.locks,
		Dispatcher: dispatcher,
		Invoicer:   r.sinks,
		Notifier:   r.sinks,
		Policy:     holder,
		Clock:      f.Clock,
	})
	return r
}

func (r *rig) request(deductions ...domain.FeatureDeduction) domain.DeductRequest {
	return domain.DeductRequest{Key: r.Key, Deductions: deductions}
}

func usage(feature snowflake.ID, amount int64) domain.FeatureDeduction {
	return domain.FeatureDeduction{FeatureID: feature, Amount: dec(amount)}
}

func balanceOf(t *testing.T, rows []ledgerdomain.CustomerEntitlement, id snowflake.ID) decimal.Decimal {
	t.Helper()
	for _, ce := range rows {
		if ce.ID == id {
			return ce.Balance
		}
	}
	t.Fatalf("entitlement %s not found", id)
	return decimal.Zero
}

func TestDeductDrainsShortIntervalFirstAndSyncsCache(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	feature := r.Node.Generate()
	lifetime := r.Grant(t, ledgertest.Grant{FeatureID: feature, Allowance: 200, Interval: ledgerdomain.IntervalLifetime})
	month := r.Grant(t, ledgertest.Grant{FeatureID: feature, Allowance: 500, Interval: ledgerdomain.IntervalMonth})

	resp, err := r.svc.Deduct(ctx, r.request(usage(feature, 600)))
	require.NoError(t, err)

	assert.True(t, balanceOf(t, resp.OldState, month.ID).Equal(dec(500)))
	assert.True(t, balanceOf(t, resp.NewState, month.ID).Equal(dec(0)))
	assert.True(t, balanceOf(t, resp.NewState, lifetime.ID).Equal(dec(100)))
	require.Len(t, resp.Features, 1)
	assert.True(t, resp.Features[0].Remaining.IsZero())
	assert.True(t, resp.Updates[month.ID].Deducted.Equal(dec(500)))

	cached, ok, err := r.cache.Get(ctx, r.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, balanceOf(t, cached, month.ID).Equal(dec(0)))
	assert.True(t, balanceOf(t, cached, lifetime.ID).Equal(dec(100)))
}

func TestDeductRollsBackEarlierFeatureWhenLaterPersistFails(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	seats := r.Node.Generate()
	calls := r.Node.Generate()
	seatCE := r.Grant(t, ledgertest.Grant{FeatureID: seats, Allowance: 5, PaidAllocated: true, UsageAllowed: true})
	callCE := r.Grant(t, ledgertest.Grant{FeatureID: calls, Allowance: 100})

	r.ledger.before = func(call int, _ ledgerdomain.DeductParams) error {
		if call == 2 {
			return ledgerdomain.ErrTransientStore
		}
		return nil
	}

	_, err := r.svc.Deduct(ctx, r.request(usage(seats, 8), usage(calls, 10)))
	require.ErrorIs(t, err, domain.ErrTransientStore)
	assert.True(t, domain.IsRetryable(err))

	assert.True(t, r.Load(t, seatCE.ID).Balance.Equal(dec(5)))
	assert.True(t, r.Load(t, callCE.ID).Balance.Equal(dec(100)))

	var allocs []ledgerdomain.AllocationRecord
	require.NoError(t, r.DB.Find(&allocs).Error)
	require.Len(t, allocs, 1)
	assert.Equal(t, ledgerdomain.AllocationStatusReverted, allocs[0].Status)
	assert.Empty(t, r.sinks.invoices, "nothing is invoiced for a rolled back deduction")
	assert.False(t, r.mr.Exists(lock.Key(r.Key)), "lock released")
}

func TestDeductBlockedOverageRollsBackWholeRequest(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	first := r.Node.Generate()
	second := r.Node.Generate()
	firstCE := r.Grant(t, ledgertest.Grant{FeatureID: first, Allowance: 100})
	r.Grant(t, ledgertest.Grant{FeatureID: second, Allowance: 10})

	blocked := usage(second, 50)
	blocked.Options.BlockOverage = true

	_, err := r.svc.Deduct(ctx, r.request(usage(first, 30), blocked))
	require.ErrorIs(t, err, domain.ErrOverageBlocked)
	assert.False(t, domain.IsRetryable(err))
	assert.True(t, r.Load(t, firstCE.ID).Balance.Equal(dec(100)))
}

func TestDeductStaleCacheWriteInvalidates(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	feature := r.Node.Generate()
	ce := r.Grant(t, ledgertest.Grant{FeatureID: feature, Allowance: 100})

	_, err := r.svc.GetBalances(ctx, r.Key, false)
	require.NoError(t, err)

	// a reset job rewrites the cache between planning and the cache write
	r.ledger.before = func(int, ledgerdomain.DeductParams) error {
		rows, _, err := r.cache.Get(ctx, r.Key)
		if err != nil {
			return err
		}
		for i := range rows {
			next := rows[i].NextResetAt.AddDate(0, 1, 0)
			rows[i].NextResetAt = &next
		}
		return r.cache.Overwrite(ctx, r.Key, rows)
	}

	_, err = r.svc.Deduct(ctx, r.request(usage(feature, 40)))
	require.NoError(t, err, "stale cache writes never fail the deduction")
	assert.False(t, r.mr.Exists(cache.BalanceKey(r.Key)))

	rows, err := r.svc.GetBalances(ctx, r.Key, false)
	require.NoError(t, err)
	assert.True(t, balanceOf(t, rows, ce.ID).Equal(dec(60)))
}

func TestDeductLockTimeoutOnPaidAllocated(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	seats := r.Node.Generate()
	seatCE := r.Grant(t, ledgertest.Grant{FeatureID: seats, Allowance: 5, PaidAllocated: true})

	held, err := r.locks.Acquire(ctx, r.Key)
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	_, err = r.svc.Deduct(ctx, r.request(usage(seats, 1)))
	require.ErrorIs(t, err, domain.ErrLockTimeout)
	assert.True(t, domain.IsRetryable(err))
	assert.True(t, r.Load(t, seatCE.ID).Balance.Equal(dec(5)))
	assert.True(t, r.mr.Exists(lock.Key(r.Key)), "held lock untouched")
}

func TestDeductOrdinaryEntitlementSkipsLock(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	feature := r.Node.Generate()
	r.Grant(t, ledgertest.Grant{FeatureID: feature, Allowance: 5})

	held, err := r.locks.Acquire(ctx, r.Key)
	require.NoError(t, err)
	defer func() { _ = held.Release(ctx) }()

	_, err = r.svc.Deduct(ctx, r.request(usage(feature, 1)))
	require.NoError(t, err)
}

func TestDeductConcurrentBlockOverageCapsSuccesses(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	feature := r.Node.Generate()
	ce := r.Grant(t, ledgertest.Grant{FeatureID: feature, Allowance: 500})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		blocked   int
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := usage(feature, 200)
			d.Options.BlockOverage = true
			_, err := r.svc.Deduct(ctx, r.request(d))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrOverageBlocked):
				blocked++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, succeeded)
	assert.Equal(t, 3, blocked)
	rows, err := r.svc.GetBalances(ctx, r.Key, true)
	require.NoError(t, err)
	assert.True(t, balanceOf(t, rows, ce.ID).Equal(dec(100)))
}

func TestDeductChargesCreditSystem(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	apiCalls := r.Node.Generate()
	credits := r.Node.Generate()
	creditCE := r.Grant(t, ledgertest.Grant{FeatureID: credits, Allowance: 100})
	r.features.creditSystems[apiCalls] = []featuredomain.Relevant{
		{FeatureID: credits, Type: featuredomain.FeatureTypeCreditSystem, CreditCost: decimal.RequireFromString("2.5")},
	}

	resp, err := r.svc.Deduct(ctx, r.request(usage(apiCalls, 10)))
	require.NoError(t, err)
	assert.True(t, balanceOf(t, resp.NewState, creditCE.ID).Equal(dec(75)))
}

func TestDeductTargetBalanceIgnoresCreditSystem(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	messages := r.Node.Generate()
	credits := r.Node.Generate()
	messagesCE := r.Grant(t, ledgertest.Grant{FeatureID: messages, Allowance: 50})
	creditCE := r.Grant(t, ledgertest.Grant{FeatureID: credits, Allowance: 100})
	r.features.creditSystems[messages] = []featuredomain.Relevant{
		{FeatureID: credits, Type: featuredomain.FeatureTypeCreditSystem, CreditCost: dec(2)},
	}

	resp, err := r.svc.Deduct(ctx, r.request(domain.FeatureDeduction{
		FeatureID:     messages,
		TargetBalance: decimal.NewNullDecimal(dec(10)),
	}))
	require.NoError(t, err)
	assert.True(t, balanceOf(t, resp.NewState, messagesCE.ID).Equal(dec(10)))
	assert.True(t, balanceOf(t, resp.NewState, creditCE.ID).Equal(dec(100)))

	assert.True(t, r.Load(t, messagesCE.ID).Balance.Equal(dec(10)))
	assert.True(t, r.Load(t, creditCE.ID).Balance.Equal(dec(100)))
}

func TestDeductFreeContinuousUseAllowsOverage(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	seats := r.Node.Generate()
	seatCE := r.Grant(t, ledgertest.Grant{FeatureID: seats, Allowance: 5, Interval: ledgerdomain.IntervalNone})
	r.features.continuous[seats] = true

	blocked := usage(seats, 8)
	blocked.Options.BlockOverage = true
	_, err := r.svc.Deduct(ctx, r.request(blocked))
	require.ErrorIs(t, err, domain.ErrOverageBlocked)
	assert.True(t, r.Load(t, seatCE.ID).Balance.Equal(dec(5)))

	resp, err := r.svc.Deduct(ctx, r.request(usage(seats, 8)))
	require.NoError(t, err)
	assert.True(t, balanceOf(t, resp.NewState, seatCE.ID).Equal(dec(-3)))
	assert.True(t, r.Load(t, seatCE.ID).Balance.Equal(dec(-3)))
}

func TestDeductDispatchesInvoiceAndThreshold(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	seats := r.Node.Generate()
	seatCE := r.Grant(t, ledgertest.Grant{
		FeatureID:      seats,
		Allowance:      10,
		PaidAllocated:  true,
		UsageAllowed:   true,
		AlertThreshold: ledgertest.Int(2),
	})

	_, err := r.svc.Deduct(ctx, r.request(usage(seats, 12)))
	require.NoError(t, err)

	select {
	case inv := <-r.sinks.invoices:
		assert.Equal(t, seatCE.ID, inv.CustomerEntitlementID)
		assert.True(t, inv.Quantity.Equal(dec(12)))
		assert.Len(t, inv.AllocationIDs, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("allocation invoice not dispatched")
	}
	select {
	case crossing := <-r.sinks.thresholds:
		assert.True(t, crossing.PreviousBalance.Equal(dec(10)))
		assert.True(t, crossing.NewBalance.Equal(dec(-2)))
	case <-time.After(2 * time.Second):
		t.Fatal("threshold crossing not dispatched")
	}
}

func TestGetBalancesResetsDueEntitlements(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	feature := r.Node.Generate()
	ce := r.Grant(t, ledgertest.Grant{FeatureID: feature, Allowance: 100})

	_, err := r.svc.Deduct(ctx, r.request(usage(feature, 30)))
	require.NoError(t, err)
	rows, err := r.svc.GetBalances(ctx, r.Key, false)
	require.NoError(t, err)
	assert.True(t, balanceOf(t, rows, ce.ID).Equal(dec(70)))

	r.Clock.Advance(32 * 24 * time.Hour)

	rows, err = r.svc.GetBalances(ctx, r.Key, false)
	require.NoError(t, err)
	assert.True(t, balanceOf(t, rows, ce.ID).Equal(dec(100)))

	cached, ok, err := r.cache.Get(ctx, r.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cached[0].NextResetAt.After(r.Clock.Now()))
}

func TestDeductReplansWhenCacheNamesClosedEntitlement(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	feature := r.Node.Generate()
	closing := r.Grant(t, ledgertest.Grant{FeatureID: feature, Allowance: 50})
	remaining := r.Grant(t, ledgertest.Grant{FeatureID: feature, Allowance: 50, Interval: ledgerdomain.IntervalYear})

	_, err := r.svc.GetBalances(ctx, r.Key, false)
	require.NoError(t, err)
	_, err = r.Ledger.CloseCustomerProduct(ctx, r.Key, closing.CustomerProductID)
	require.NoError(t, err)

	resp, err := r.svc.Deduct(ctx, r.request(usage(feature, 20)))
	require.NoError(t, err)
	assert.True(t, balanceOf(t, resp.NewState, remaining.ID).Equal(dec(30)))
	assert.True(t, r.Load(t, closing.ID).Balance.Equal(dec(50)), "closed balances stay frozen")
}

func TestDeductValidation(t *testing.T) {
	r := newRig(t)
	feature := r.Node.Generate()

	cases := []struct {
		name string
		req  domain.DeductRequest
		err  error
	}{
		{name: "no_customer", req: domain.DeductRequest{Deductions: []domain.FeatureDeduction{usage(feature, 1)}}, err: ledgerdomain.ErrInvalidOrganization},
		{name: "no_deductions", req: r.request(), err: domain.ErrNoDeductions},
		{name: "duplicate", req: r.request(usage(feature, 1), usage(feature, 2)), err: domain.ErrDuplicateFeature},
		{name: "zero_amount", req: r.request(usage(feature, 0)), err: ledgerdomain.ErrInvalidAmount},
		{name: "bad_field", req: domain.DeductRequest{
			Key:        r.Key,
			Deductions: []domain.FeatureDeduction{usage(feature, 1)},
			Options:    ledgerdomain.DeductOptions{TargetField: "prepaid"},
		}, err: ledgerdomain.ErrInvalidTargetField},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.svc.Deduct(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestDeductWithoutEntitlementIsDropped(t *testing.T) {
	r := newRig(t)
	feature := r.Node.Generate()

	resp, err := r.svc.Deduct(context.Background(), r.request(usage(feature, 5)))
	require.NoError(t, err)
	require.Len(t, resp.Features, 1)
	assert.True(t, resp.Features[0].Remaining.Equal(dec(5)))

	blocked := usage(feature, 5)
	blocked.Options.BlockOverage = true
	_, err = r.svc.Deduct(context.Background(), r.request(blocked))
	require.ErrorIs(t, err, domain.ErrOverageBlocked)
}
