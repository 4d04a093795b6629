package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/balancer/internal/balance/domain"
	"github.com/smallbiznis/balancer/internal/balance/planner"
	"github.com/smallbiznis/balancer/internal/cache"
	"github.com/smallbiznis/balancer/internal/clock"
	"github.com/smallbiznis/balancer/internal/config"
	"github.com/smallbiznis/balancer/internal/events"
	eventsdomain "github.com/smallbiznis/balancer/internal/events/domain"
	featuredomain "github.com/smallbiznis/balancer/internal/feature/domain"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"github.com/smallbiznis/balancer/internal/lock"
	obslogger "github.com/smallbiznis/balancer/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/balancer/internal/observability/metrics"
	"github.com/smallbiznis/balancer/internal/observability/tracing"
	"github.com/smallbiznis/balancer/internal/rollover"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultRollbackTimeout = 10 * time.Second

type Params struct {
	fx.In

	Log        *zap.Logger
	Ledger     ledgerdomain.Service
	Features   featuredomain.Service
	Cache      *cache.BalanceCache
	Locks      *lock.Coordinator
	Dispatcher *events.Dispatcher
	Invoicer   eventsdomain.AllocationInvoicer
	Notifier   eventsdomain.ThresholdNotifier
	Policy     *config.BalancePolicyHolder
	Clock      clock.Clock
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	ledger     ledgerdomain.Service
	features   featuredomain.Service
	cache      *cache.BalanceCache
	locks      *lock.Coordinator
	dispatcher *events.Dispatcher
	invoicer   eventsdomain.AllocationInvoicer
	notifier   eventsdomain.ThresholdNotifier
	policy     *config.BalancePolicyHolder
	clock      clock.Clock
	metrics    *obsmetrics.Metrics
	tracer     trace.Tracer

	rollbackTimeout time.Duration
}

func NewService(p Params) domain.Service {
	return newService(p)
}

func newService(p Params) *Service {
	return &Service{
		log:             p.Log.Named("balance.service"),
		ledger:          p.Ledger,
		features:        p.Features,
		cache:           p.Cache,
		locks:           p.Locks,
		dispatcher:      p.Dispatcher,
		invoicer:        p.Invoicer,
		notifier:        p.Notifier,
		policy:          p.Policy,
		clock:           p.Clock,
		metrics:         p.Metrics,
		tracer:          tracing.Tracer("balance"),
		rollbackTimeout: defaultRollbackTimeout,
	}
}

func (s *Service) Deduct(ctx context.Context, req domain.DeductRequest) (resp *domain.DeductResponse, err error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "balance.deduct", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("org_id", req.Key.OrgID.String()),
		attribute.String("customer_id", req.Key.CustomerID.String()),
		attribute.Int("deductions", len(req.Deductions)),
	)...))
	defer func() {
		if err != nil {
			span.RecordError(tracing.SafeError(err))
			span.SetStatus(codes.Error, outcomeOf(err))
		}
		span.End()
		s.metrics.RecordDeduction(ctx, req.Key.OrgID.String(), outcomeOf(err), time.Since(started))
	}()

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	exec := &execution{
		log: obslogger.WithContext(ctx, s.log).With(zap.String("customer", req.Key.String())),
		key: req.Key,
	}
	defer s.release(ctx, exec)

	if err := s.prepare(ctx, exec, req, false); err != nil {
		return nil, err
	}

	txCtx, cancel, err := s.acquire(ctx, exec)
	if err != nil {
		return nil, err
	}
	defer cancel()

	err = s.persist(txCtx, exec)
	if errors.Is(err, ledgerdomain.ErrInternalInconsistency) && exec.fromCache && len(exec.results) == 0 {
		// the cached view named rows the ledger no longer has; plan again from the ledger
		exec.log.Warn("cached balances diverged from ledger, replanning", zap.Error(err))
		s.invalidate(ctx, exec)
		if err = s.prepare(ctx, exec, req, true); err != nil {
			return nil, err
		}
		if txCtx, cancel, err = s.acquire(ctx, exec); err != nil {
			return nil, err
		}
		defer cancel()
		err = s.persist(txCtx, exec)
	}
	if err != nil {
		s.rollback(ctx, exec, err)
		return nil, err
	}
	exec.advance(stagePersisted)

	s.syncCache(ctx, exec)
	exec.advance(stageCacheSynced)

	s.dispatchSideEffects(ctx, exec)
	exec.advance(stageDone)

	return exec.response(), nil
}

// prepare loads the customer's balances and turns each deduction into a
// sorted candidate list for the ledger.
func (s *Service) prepare(ctx context.Context, exec *execution, req domain.DeductRequest, skipCache bool) error {
	rows, fromCache, err := s.load(ctx, req.Key, skipCache)
	if err != nil {
		return err
	}
	exec.old = rows
	exec.fromCache = fromCache
	exec.plans = exec.plans[:0]
	exec.advance(stageLoaded)

	reverse := s.policy.Get().ReverseOrder(req.Key.OrgID.String())
	for _, d := range req.Deductions {
		plan, err := s.planDeduction(ctx, exec, req, d, reverse)
		if err != nil {
			return err
		}
		exec.plans = append(exec.plans, plan)
	}
	exec.advance(stagePlanned)
	return nil
}

func (s *Service) planDeduction(ctx context.Context, exec *execution, req domain.DeductRequest, d domain.FeatureDeduction, reverse bool) (plannedDeduction, error) {
	relevant, err := s.features.Relevant(ctx, req.Key.OrgID, d.FeatureID)
	if errors.Is(err, featuredomain.ErrNotFound) {
		return plannedDeduction{}, fmt.Errorf("%w: %s", domain.ErrUnknownFeature, d.FeatureID)
	}
	if err != nil {
		return plannedDeduction{}, err
	}
	byFeature := make(map[snowflake.ID]featuredomain.Relevant, len(relevant))
	for _, r := range relevant {
		// A target balance sets the feature's own balance; credit systems stay untouched.
		if d.TargetBalance.Valid && r.FeatureID != d.FeatureID {
			continue
		}
		byFeature[r.FeatureID] = r
	}

	candidates := make([]planner.Candidate, 0, len(exec.old))
	for _, ce := range exec.old {
		rel, ok := byFeature[ce.FeatureID]
		if !ok || ce.Closed() {
			continue
		}
		candidates = append(candidates, planner.Candidate{
			Entitlement:   ce,
			CreditCost:    rel.CreditCost,
			ContinuousUse: rel.Continuous,
		})
	}
	planner.Sort(candidates, reverse)

	opts := mergeOptions(d.Options, req.Options)
	paid := slices.ContainsFunc(candidates, func(c planner.Candidate) bool {
		return c.Entitlement.Entitlement.PaidAllocated
	})
	if paid {
		opts.BlockOverage = true
	}

	plan := plannedDeduction{
		deduction: d,
		paid:      paid,
		params: ledgerdomain.DeductParams{
			Key:           req.Key,
			FeatureID:     d.FeatureID,
			Amount:        d.Amount,
			TargetBalance: d.TargetBalance,
			EntityID:      req.EntityID,
			Options:       opts,
		},
	}
	for _, c := range candidates {
		plan.params.Candidates = append(plan.params.Candidates, ledgerdomain.CandidateRef{
			CustomerEntitlementID: c.Entitlement.ID,
			CreditCost:            c.CreditCost,
			ContinuousUse:         c.ContinuousUse,
		})
	}

	if plan.skipped() && opts.BlockOverage && d.Amount.IsPositive() {
		return plannedDeduction{}, fmt.Errorf("%w: no entitlement for feature %s", domain.ErrOverageBlocked, d.FeatureID)
	}
	return plan, nil
}

// acquire takes the customer lock when a paid allocated entitlement is
// involved and bounds the ledger work by the lease.
func (s *Service) acquire(ctx context.Context, exec *execution) (context.Context, context.CancelFunc, error) {
	if !exec.paid() {
		return ctx, func() {}, nil
	}
	if exec.lease == nil {
		lease, err := s.locks.Acquire(ctx, exec.key)
		if err != nil {
			return nil, nil, err
		}
		exec.lease = lease
	}
	txCtx, cancel := context.WithDeadline(ctx, exec.lease.Deadline())
	return txCtx, cancel, nil
}

func (s *Service) release(ctx context.Context, exec *execution) {
	if exec.lease == nil {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := exec.lease.Release(releaseCtx); err != nil {
		exec.log.Warn("release customer lock failed", zap.Error(err))
	}
}

func (s *Service) persist(ctx context.Context, exec *execution) error {
	for _, plan := range exec.plans {
		if plan.skipped() {
			continue
		}
		res, err := s.ledger.Deduct(ctx, plan.params)
		if err != nil {
			return err
		}
		exec.results = append(exec.results, res)
		exec.compensations = append(exec.compensations, res.Compensations()...)
	}
	return nil
}

// rollback applies the inverse of every persisted update, newest first. It
// runs detached from ctx so a cancelled request still unwinds.
func (s *Service) rollback(ctx context.Context, exec *execution, cause error) {
	if len(exec.compensations) == 0 {
		return
	}
	exec.advance(stageRollingBack)

	comps := slices.Clone(exec.compensations)
	slices.Reverse(comps)

	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.rollbackTimeout)
	defer cancel()

	if err := s.ledger.Compensate(rbCtx, comps); err != nil {
		s.metrics.RecordRollback(ctx, "failed")
		exec.log.Error("compensating rollback failed",
			zap.NamedError("cause", cause),
			zap.Error(err),
			zap.Int("compensations", len(comps)),
		)
		s.invalidate(ctx, exec)
		return
	}
	s.metrics.RecordRollback(ctx, "ok")
	exec.log.Warn("deduction rolled back", zap.NamedError("cause", cause), zap.Int("compensations", len(comps)))
}

// syncCache writes the new rows guarded by the next_reset_at they were
// planned against. A stale guard drops the entry so the next read heals it.
func (s *Service) syncCache(ctx context.Context, exec *execution) {
	latest := exec.latest()
	if len(latest) == 0 {
		return
	}
	ids := make([]snowflake.ID, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	entries := make([]cache.GuardedEntry, 0, len(ids))
	for _, id := range ids {
		old, ok := exec.oldRow(id)
		if !ok {
			s.invalidate(ctx, exec)
			return
		}
		entries = append(entries, cache.GuardedEntry{Entitlement: latest[id], Guard: old.NextResetAt})
	}

	err := s.cache.WriteGuarded(ctx, exec.key, entries)
	switch {
	case err == nil, errors.Is(err, cache.ErrCacheDisabled):
	case errors.Is(err, cache.ErrStaleCacheWrite):
		s.metrics.RecordStaleCacheWrite(ctx)
		exec.log.Info("skipped stale cache write")
		s.invalidate(ctx, exec)
	default:
		exec.log.Warn("cache write failed", zap.Error(err))
		s.invalidate(ctx, exec)
	}
}

func (s *Service) invalidate(ctx context.Context, exec *execution) {
	if err := s.cache.Invalidate(ctx, exec.key); err != nil && !errors.Is(err, cache.ErrCacheDisabled) {
		exec.log.Warn("cache invalidate failed", zap.Error(err))
	}
}

func (s *Service) dispatchSideEffects(ctx context.Context, exec *execution) {
	now := s.clock.Now()

	for _, res := range exec.results {
		for _, inv := range allocationInvoices(exec.key, res) {
			if err := s.dispatcher.Submit(ctx, string(eventsdomain.EventAllocationInvoice), func(ctx context.Context) error {
				return s.invoicer.InvoiceAllocations(ctx, inv)
			}); err != nil {
				exec.log.Warn("allocation invoice not dispatched", zap.Error(err))
			}
		}
	}

	for id, updated := range exec.latest() {
		threshold := updated.Entitlement.AlertThreshold
		if !threshold.Valid {
			continue
		}
		old, ok := exec.oldRow(id)
		if !ok {
			continue
		}
		before := old.Available(ledgerdomain.FieldBalance, "", now)
		after := updated.Available(ledgerdomain.FieldBalance, "", now)
		if !before.GreaterThan(threshold.Decimal) || after.GreaterThan(threshold.Decimal) {
			continue
		}
		crossing := eventsdomain.ThresholdCrossing{
			Key:                   exec.key,
			CustomerEntitlementID: id,
			FeatureID:             updated.FeatureID,
			Threshold:             threshold.Decimal,
			PreviousBalance:       before,
			NewBalance:            after,
			PeriodResetAt:         updated.NextResetAt,
		}
		if err := s.dispatcher.Submit(ctx, string(eventsdomain.EventThresholdCrossed), func(ctx context.Context) error {
			return s.notifier.NotifyThreshold(ctx, crossing)
		}); err != nil {
			exec.log.Warn("threshold notification not dispatched", zap.Error(err))
		}
	}
}

func (s *Service) GetBalances(ctx context.Context, key ledgerdomain.CustomerKey, skipCache bool) ([]ledgerdomain.CustomerEntitlement, error) {
	ctx, span := s.tracer.Start(ctx, "balance.get", trace.WithAttributes(attribute.Bool("skip_cache", skipCache)))
	defer span.End()

	if err := key.Validate(); err != nil {
		return nil, err
	}
	rows, _, err := s.load(ctx, key, skipCache)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, outcomeOf(err))
	}
	return rows, err
}

func (s *Service) load(ctx context.Context, key ledgerdomain.CustomerKey, skipCache bool) ([]ledgerdomain.CustomerEntitlement, bool, error) {
	now := s.clock.Now()
	log := obslogger.WithContext(ctx, s.log)

	if !skipCache {
		rows, ok, err := s.cache.Get(ctx, key)
		switch {
		case errors.Is(err, cache.ErrCacheDisabled):
		case err != nil:
			s.metrics.RecordCacheLookup(ctx, "error")
			log.Warn("cache read failed", zap.Error(err))
		case ok && !slices.ContainsFunc(rows, func(ce ledgerdomain.CustomerEntitlement) bool { return rollover.Due(ce, now) }):
			s.metrics.RecordCacheLookup(ctx, "hit")
			return rows, true, nil
		case ok:
			s.metrics.RecordCacheLookup(ctx, "due")
		default:
			s.metrics.RecordCacheLookup(ctx, "miss")
		}
	}

	rows, _, err := s.ledger.ResetDue(ctx, key, now)
	if err != nil {
		return nil, false, err
	}
	if err := s.cache.Overwrite(ctx, key, rows); err != nil && !errors.Is(err, cache.ErrCacheDisabled) {
		log.Warn("cache repopulate failed", zap.Error(err))
	}
	return rows, false, nil
}

func allocationInvoices(key ledgerdomain.CustomerKey, res *ledgerdomain.DeductResult) []eventsdomain.AllocationInvoice {
	byEntitlement := make(map[snowflake.ID]*eventsdomain.AllocationInvoice)
	var order []snowflake.ID
	for _, a := range res.Allocations {
		inv, ok := byEntitlement[a.CustomerEntitlementID]
		if !ok {
			inv = &eventsdomain.AllocationInvoice{
				Key:                   key,
				CustomerEntitlementID: a.CustomerEntitlementID,
				FeatureID:             a.FeatureID,
			}
			byEntitlement[a.CustomerEntitlementID] = inv
			order = append(order, a.CustomerEntitlementID)
		}
		inv.AllocationIDs = append(inv.AllocationIDs, a.ID)
		inv.Quantity = inv.Quantity.Add(a.Quantity)
	}
	out := make([]eventsdomain.AllocationInvoice, 0, len(order))
	for _, id := range order {
		out = append(out, *byEntitlement[id])
	}
	return out
}

func mergeOptions(own, shared ledgerdomain.DeductOptions) ledgerdomain.DeductOptions {
	out := own
	out.BlockOverage = own.BlockOverage || shared.BlockOverage
	out.AllowNegativeBalance = own.AllowNegativeBalance || shared.AllowNegativeBalance
	if out.TargetField == "" {
		out.TargetField = shared.TargetField
	}
	return out
}

func validateRequest(req domain.DeductRequest) error {
	if err := req.Key.Validate(); err != nil {
		return err
	}
	if len(req.Deductions) == 0 {
		return domain.ErrNoDeductions
	}
	seen := make(map[snowflake.ID]struct{}, len(req.Deductions))
	for _, d := range req.Deductions {
		if d.FeatureID == 0 {
			return ledgerdomain.ErrInvalidFeature
		}
		if _, dup := seen[d.FeatureID]; dup {
			return domain.ErrDuplicateFeature
		}
		seen[d.FeatureID] = struct{}{}
		if d.Amount.IsZero() && !d.TargetBalance.Valid {
			return ledgerdomain.ErrInvalidAmount
		}
		if !mergeOptions(d.Options, req.Options).Field().Valid() {
			return ledgerdomain.ErrInvalidTargetField
		}
	}
	return nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrOverageBlocked):
		return "overage_blocked"
	case errors.Is(err, domain.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, domain.ErrTransientStore):
		return "transient"
	case errors.Is(err, domain.ErrInternalInconsistency):
		return "inconsistent"
	default:
		return "error"
	}
}
