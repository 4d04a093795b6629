package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balancer/internal/balance/planner"
	"github.com/smallbiznis/balancer/internal/clock"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/balancer/internal/observability/metrics"
	"github.com/smallbiznis/balancer/internal/rollover"
	"github.com/smallbiznis/balancer/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RetryPolicy bounds internal retries of transient store failures.
type RetryPolicy struct {
	MaxTries        uint
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        5,
		MaxElapsed:      5 * time.Second,
		InitialInterval: 25 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	return b
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  ledgerdomain.Repository
	Clock clock.Clock
	Retry *RetryPolicy `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  ledgerdomain.Repository
	clock clock.Clock
	retry RetryPolicy
}

func NewService(p Params) ledgerdomain.Service {
	retry := DefaultRetryPolicy()
	if p.Retry != nil {
		retry = *p.Retry
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: clk,
		retry: retry,
	}
}

// withRetry reruns fn while it fails with a transient store error. Exhausted
// retries surface as ErrTransientStore.
func withRetry[T any](ctx context.Context, s *Service, op string, fn func() (T, error)) (T, error) {
	attempt := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !db.IsTransientErr(err) {
			return v, backoff.Permanent(err)
		}
		s.log.Warn("transient ledger failure",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		return v, err
	},
		backoff.WithBackOff(s.retry.backOff()),
		backoff.WithMaxTries(s.retry.MaxTries),
		backoff.WithMaxElapsedTime(s.retry.MaxElapsed),
	)
	if err == nil {
		return res, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	if db.IsTransientErr(err) {
		return res, fmt.Errorf("%w: %s: %w", ledgerdomain.ErrTransientStore, op, err)
	}
	return res, err
}

func (s *Service) Deduct(ctx context.Context, params ledgerdomain.DeductParams) (*ledgerdomain.DeductResult, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	return withRetry(ctx, s, "deduct", func() (*ledgerdomain.DeductResult, error) {
		var result *ledgerdomain.DeductResult
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			result, err = s.deductTx(ctx, tx, params, s.clock.Now())
			return err
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

func (s *Service) deductTx(ctx context.Context, tx *gorm.DB, params ledgerdomain.DeductParams, now time.Time) (*ledgerdomain.DeductResult, error) {
	ids := lo.Uniq(lo.Map(params.Candidates, func(c ledgerdomain.CandidateRef, _ int) snowflake.ID {
		return c.CustomerEntitlementID
	}))

	rows, err := s.repo.LockCustomerEntitlements(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	if len(rows) != len(ids) {
		return nil, fmt.Errorf("%w: locked %d of %d entitlements", ledgerdomain.ErrInternalInconsistency, len(rows), len(ids))
	}

	byID := make(map[snowflake.ID]ledgerdomain.CustomerEntitlement, len(rows))
	for i := range rows {
		ce := rows[i]
		if ce.OrgID != params.Key.OrgID || ce.Env != params.Key.Env || ce.CustomerID != params.Key.CustomerID {
			return nil, fmt.Errorf("%w: entitlement %s belongs to another customer", ledgerdomain.ErrInternalInconsistency, ce.ID)
		}
		if _, err := s.applyReset(ctx, tx, &ce, now); err != nil {
			return nil, err
		}
		byID[ce.ID] = ce
	}

	candidates := make([]planner.Candidate, 0, len(params.Candidates))
	for _, ref := range params.Candidates {
		candidates = append(candidates, planner.Candidate{
			Entitlement:   byID[ref.CustomerEntitlementID],
			CreditCost:    ref.CreditCost,
			ContinuousUse: ref.ContinuousUse,
		})
	}

	plan := planner.Plan(candidates, planner.Request{
		Amount:        params.Amount,
		TargetBalance: params.TargetBalance,
		EntityID:      params.EntityID,
		Options:       params.Options,
		Now:           now,
	})
	if plan.Blocked(params.Options) {
		return nil, fmt.Errorf("%w: %s units unresolved", ledgerdomain.ErrOverageBlocked, plan.Remaining)
	}

	result := &ledgerdomain.DeductResult{
		Updates:   plan.Updates,
		Order:     plan.Order,
		Remaining: plan.Remaining,
		Overage:   plan.Overage,
		Unlimited: plan.Unlimited,
	}

	field := params.Options.Field()
	for _, id := range plan.Order {
		upd := plan.Updates[id]
		before := byID[id]
		after := before.Clone()
		planner.Apply(&after, upd)

		if err := s.repo.UpdateBalances(ctx, tx, &after, now); err != nil {
			return nil, err
		}
		for _, r := range upd.ChangedRollovers() {
			if err := s.repo.UpdateRollover(ctx, tx, &r); err != nil {
				return nil, err
			}
			result.RolloverUpdates = append(result.RolloverUpdates, r)
		}

		if after.Entitlement.PaidAllocated && !upd.Deducted.IsZero() {
			result.Allocations = append(result.Allocations, ledgerdomain.AllocationRecord{
				ID:                    s.genID.Generate(),
				OrgID:                 after.OrgID,
				Env:                   after.Env,
				CustomerID:            after.CustomerID,
				CustomerEntitlementID: after.ID,
				FeatureID:             after.FeatureID,
				EntityID:              params.EntityID,
				PreviousBalance:       before.Available(field, params.EntityID, now),
				NewBalance:            after.Available(field, params.EntityID, now),
				Quantity:              upd.Deducted,
				Status:                ledgerdomain.AllocationStatusPending,
				CreatedAt:             now,
				UpdatedAt:             now,
			})
		}
		byID[id] = after
	}

	if err := s.repo.CreateAllocations(ctx, tx, result.Allocations); err != nil {
		return nil, err
	}

	for _, id := range ids {
		result.Entitlements = append(result.Entitlements, byID[id])
	}
	return result, nil
}

// applyReset persists a due interval reset on a locked row.
func (s *Service) applyReset(ctx context.Context, tx *gorm.DB, ce *ledgerdomain.CustomerEntitlement, now time.Time) (bool, error) {
	out := rollover.Reset(*ce, now, s.genID.Generate)
	if !out.Reset {
		return false, nil
	}

	if err := s.repo.DeleteRollovers(ctx, tx, out.Dropped); err != nil {
		return false, err
	}
	for i := range out.Updated {
		if err := s.repo.UpdateRollover(ctx, tx, &out.Updated[i]); err != nil {
			return false, err
		}
	}
	if out.Created != nil {
		created := out.Created.Clone()
		if err := s.repo.CreateRollover(ctx, tx, &created); err != nil {
			return false, err
		}
	}
	if err := s.repo.UpdateBalances(ctx, tx, &out.Entitlement, now); err != nil {
		return false, err
	}

	s.log.Debug("entitlement reset",
		zap.String("customer_entitlement_id", ce.ID.String()),
		zap.Time("next_reset_at", *out.Entitlement.NextResetAt),
		zap.Int("rollovers", len(out.Entitlement.Rollovers)),
	)
	*ce = out.Entitlement
	return true, nil
}

func (s *Service) Compensate(ctx context.Context, comps []ledgerdomain.Compensation) error {
	comps = lo.Filter(comps, func(c ledgerdomain.Compensation, _ int) bool { return !c.IsZero() })
	if len(comps) == 0 {
		return nil
	}

	_, err := withRetry(ctx, s, "compensate", func() (struct{}, error) {
		return struct{}{}, s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return s.compensateTx(ctx, tx, comps, s.clock.Now())
		})
	})
	return err
}

func (s *Service) compensateTx(ctx context.Context, tx *gorm.DB, comps []ledgerdomain.Compensation, now time.Time) error {
	ids := lo.Uniq(lo.Map(comps, func(c ledgerdomain.Compensation, _ int) snowflake.ID { return c.CustomerEntitlementID }))
	rows, err := s.repo.LockCustomerEntitlements(ctx, tx, ids)
	if err != nil {
		return err
	}
	byID := lo.KeyBy(rows, func(ce ledgerdomain.CustomerEntitlement) snowflake.ID { return ce.ID })

	var reverted []snowflake.ID
	for _, comp := range comps {
		ce, ok := byID[comp.CustomerEntitlementID]
		if !ok {
			return fmt.Errorf("%w: entitlement %s missing during compensation", ledgerdomain.ErrInternalInconsistency, comp.CustomerEntitlementID)
		}

		ce.Balance = ce.Balance.Add(comp.Balance)
		ce.AdditionalBalance = ce.AdditionalBalance.Add(comp.AdditionalBalance)
		ce.Adjustment = ce.Adjustment.Add(comp.Adjustment)
		ce.Entities = addEntities(ce.Entities, comp.Entities)

		for _, delta := range comp.Rollovers {
			idx := -1
			for i := range ce.Rollovers {
				if ce.Rollovers[i].ID == delta.RolloverID {
					idx = i
					break
				}
			}
			if idx < 0 {
				s.log.Warn("rollover gone before compensation",
					zap.String("customer_entitlement_id", ce.ID.String()),
					zap.String("rollover_id", delta.RolloverID.String()),
				)
				continue
			}
			r := &ce.Rollovers[idx]
			r.Balance = r.Balance.Add(delta.Balance)
			r.Entities = addEntities(r.Entities, delta.Entities)
			if err := s.repo.UpdateRollover(ctx, tx, r); err != nil {
				return err
			}
		}

		if err := s.repo.UpdateBalances(ctx, tx, &ce, now); err != nil {
			return err
		}
		byID[ce.ID] = ce
		reverted = append(reverted, comp.AllocationIDs...)
	}

	return s.repo.UpdateAllocationStatus(ctx, tx, reverted, ledgerdomain.AllocationStatusReverted, now)
}

func addEntities(base, delta ledgerdomain.EntityBalances) ledgerdomain.EntityBalances {
	out := base.Clone()
	for _, d := range delta {
		cur, _ := out.Get(d.EntityID)
		cur.Balance = cur.Balance.Add(d.Balance)
		cur.AdditionalBalance = cur.AdditionalBalance.Add(d.AdditionalBalance)
		cur.Adjustment = cur.Adjustment.Add(d.Adjustment)
		out = out.Upsert(cur)
	}
	return out
}

func (s *Service) ListCustomerEntitlements(ctx context.Context, key ledgerdomain.CustomerKey) ([]ledgerdomain.CustomerEntitlement, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListCustomerEntitlements(ctx, s.db, key, false)
}

func (s *Service) ResetDue(ctx context.Context, key ledgerdomain.CustomerKey, now time.Time) ([]ledgerdomain.CustomerEntitlement, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}

	type outcome struct {
		rows    []ledgerdomain.CustomerEntitlement
		changed bool
	}
	res, err := withRetry(ctx, s, "reset_due", func() (outcome, error) {
		var out outcome
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			rows, err := s.repo.ListCustomerEntitlements(ctx, tx, key, true)
			if err != nil {
				return err
			}
			for i := range rows {
				reset, err := s.applyReset(ctx, tx, &rows[i], now)
				if err != nil {
					return err
				}
				out.changed = out.changed || reset
			}
			out.rows = rows
			return nil
		})
		return out, err
	})
	if err != nil {
		return nil, false, err
	}
	return res.rows, res.changed, nil
}

func (s *Service) ClaimDueForReset(ctx context.Context, now time.Time, limit int) ([]ledgerdomain.CustomerKey, error) {
	if limit <= 0 {
		limit = 100
	}

	return withRetry(ctx, s, "claim_due_for_reset", func() ([]ledgerdomain.CustomerKey, error) {
		var keys []ledgerdomain.CustomerKey
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			start := time.Now()
			rows, err := s.repo.ClaimDue(ctx, tx, now, limit)
			obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceDueEntitlements, time.Since(start))
			if err != nil {
				return err
			}
			for i := range rows {
				if _, err := s.applyReset(ctx, tx, &rows[i], now); err != nil {
					return err
				}
			}
			keys = lo.Uniq(lo.Map(rows, func(ce ledgerdomain.CustomerEntitlement, _ int) ledgerdomain.CustomerKey {
				return ce.Key()
			}))
			return nil
		})
		return keys, err
	})
}

func (s *Service) CreateEntitlement(ctx context.Context, ent *ledgerdomain.Entitlement) error {
	if ent == nil || ent.OrgID == 0 {
		return ledgerdomain.ErrInvalidOrganization
	}
	if ent.FeatureID == 0 {
		return ledgerdomain.ErrInvalidFeature
	}
	if ent.Allowance.IsNegative() {
		return ledgerdomain.ErrInvalidAmount
	}
	if ent.ID == 0 {
		ent.ID = s.genID.Generate()
	}
	if ent.Interval == "" {
		ent.Interval = ledgerdomain.IntervalNone
	}
	if ent.IntervalCount <= 0 {
		ent.IntervalCount = 1
	}
	if ent.CreatedAt.IsZero() {
		ent.CreatedAt = s.clock.Now()
	}
	return s.repo.CreateEntitlement(ctx, s.db, ent)
}

func (s *Service) Attach(ctx context.Context, req ledgerdomain.AttachRequest) (*ledgerdomain.CustomerEntitlement, error) {
	if err := req.Key.Validate(); err != nil {
		return nil, err
	}
	if req.PrepaidQuantity.IsNegative() {
		return nil, ledgerdomain.ErrInvalidAmount
	}

	ent, err := s.repo.FindEntitlement(ctx, s.db, req.Key.OrgID, req.EntitlementID)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		return nil, ledgerdomain.ErrNotFound
	}

	now := s.clock.Now()
	ce := &ledgerdomain.CustomerEntitlement{
		ID:                s.genID.Generate(),
		OrgID:             req.Key.OrgID,
		Env:               req.Key.Env,
		CustomerID:        req.Key.CustomerID,
		CustomerProductID: req.CustomerProductID,
		EntitlementID:     ent.ID,
		FeatureID:         ent.FeatureID,
		Balance:           decimal.Zero,
		AdditionalBalance: decimal.Zero,
		Adjustment:        decimal.Zero,
		PrepaidQuantity:   req.PrepaidQuantity,
		Status:            ledgerdomain.StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
		Entitlement:       *ent,
	}
	if ent.EntityScoped() {
		var entities ledgerdomain.EntityBalances
		for _, id := range req.EntityIDs {
			entities = append(entities, ledgerdomain.EntityBalance{
				EntityID:          id,
				Balance:           ent.Allowance,
				AdditionalBalance: decimal.Zero,
				Adjustment:        decimal.Zero,
			})
		}
		ce.Entities = entities.Normalize()
	} else {
		ce.Balance = ce.ResetBalance()
	}
	if ent.Interval.Resets() && !ent.Unlimited {
		next := ent.Interval.Add(now, ent.IntervalCount)
		ce.NextResetAt = &next
	}

	if err := s.repo.CreateCustomerEntitlement(ctx, s.db, ce); err != nil {
		return nil, err
	}
	return ce, nil
}

func (s *Service) CloseCustomerProduct(ctx context.Context, key ledgerdomain.CustomerKey, customerProductID snowflake.ID) (int64, error) {
	if err := key.Validate(); err != nil {
		return 0, err
	}
	return s.repo.CloseCustomerProduct(ctx, s.db, key, customerProductID, s.clock.Now())
}

func (s *Service) MarkAllocationsInvoiced(ctx context.Context, ids []snowflake.ID) error {
	return s.repo.UpdateAllocationStatus(ctx, s.db, ids, ledgerdomain.AllocationStatusInvoiced, s.clock.Now())
}

func (s *Service) PendingAllocations(ctx context.Context, createdBefore time.Time, limit int) ([]ledgerdomain.AllocationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListPendingAllocations(ctx, s.db, createdBefore, limit)
}
