package service

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/balancer/internal/balance/domain"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"github.com/smallbiznis/balancer/internal/lock"
	"go.uber.org/zap"
)

type stage string

const (
	stageLoaded      stage = "loaded"
	stagePlanned     stage = "planned"
	stagePersisted   stage = "persisted"
	stageCacheSynced stage = "cache_synced"
	stageDone        stage = "done"
	stageRollingBack stage = "rolling_back"
)

type plannedDeduction struct {
	deduction domain.FeatureDeduction
	params    ledgerdomain.DeductParams
	paid      bool
}

func (p plannedDeduction) skipped() bool { return len(p.params.Candidates) == 0 }

// execution carries one Deduct call through its stages. compensations grows
// with every persisted ledger call and is unwound in reverse on failure.
type execution struct {
	log   *zap.Logger
	stage stage

	key       ledgerdomain.CustomerKey
	old       []ledgerdomain.CustomerEntitlement
	fromCache bool

	plans         []plannedDeduction
	results       []*ledgerdomain.DeductResult
	compensations []ledgerdomain.Compensation
	lease         *lock.Lease
}

func (e *execution) advance(next stage) {
	e.log.Debug("deduction stage", zap.String("from", string(e.stage)), zap.String("to", string(next)))
	e.stage = next
}

func (e *execution) paid() bool {
	for _, p := range e.plans {
		if p.paid {
			return true
		}
	}
	return false
}

func (e *execution) oldRow(id snowflake.ID) (ledgerdomain.CustomerEntitlement, bool) {
	for _, ce := range e.old {
		if ce.ID == id {
			return ce, true
		}
	}
	return ledgerdomain.CustomerEntitlement{}, false
}

// latest returns the newest persisted snapshot of every touched entitlement.
func (e *execution) latest() map[snowflake.ID]ledgerdomain.CustomerEntitlement {
	out := make(map[snowflake.ID]ledgerdomain.CustomerEntitlement)
	for _, res := range e.results {
		for _, ce := range res.Entitlements {
			out[ce.ID] = ce
		}
	}
	return out
}

func (e *execution) response() *domain.DeductResponse {
	latest := e.latest()
	resp := &domain.DeductResponse{
		OldState: make([]ledgerdomain.CustomerEntitlement, 0, len(e.old)),
		NewState: make([]ledgerdomain.CustomerEntitlement, 0, len(e.old)),
		Updates:  make(map[snowflake.ID]*ledgerdomain.DeductionUpdate),
	}
	for _, ce := range e.old {
		resp.OldState = append(resp.OldState, ce.Clone())
		if updated, ok := latest[ce.ID]; ok {
			resp.NewState = append(resp.NewState, updated)
			continue
		}
		resp.NewState = append(resp.NewState, ce.Clone())
	}

	resultIdx := 0
	for _, p := range e.plans {
		outcome := domain.FeatureOutcome{
			FeatureID: p.deduction.FeatureID,
			Requested: p.deduction.Amount,
			Remaining: p.deduction.Amount,
		}
		if p.skipped() {
			resp.Features = append(resp.Features, outcome)
			continue
		}
		res := e.results[resultIdx]
		resultIdx++
		outcome.Remaining = res.Remaining
		outcome.Unlimited = res.Unlimited
		resp.Features = append(resp.Features, outcome)

		for _, id := range res.Order {
			mergeUpdate(resp.Updates, res.Updates[id])
		}
	}
	return resp
}

// mergeUpdate folds a second update of the same entitlement into the first,
// keeping the earliest old state and the latest new state.
func mergeUpdate(into map[snowflake.ID]*ledgerdomain.DeductionUpdate, upd *ledgerdomain.DeductionUpdate) {
	if upd == nil {
		return
	}
	prev, ok := into[upd.CustomerEntitlementID]
	if !ok {
		cp := *upd
		into[upd.CustomerEntitlementID] = &cp
		return
	}
	prev.NewBalance = upd.NewBalance
	prev.NewAdditionalBalance = upd.NewAdditionalBalance
	prev.NewAdjustment = upd.NewAdjustment
	prev.NewEntities = upd.NewEntities
	prev.NewRollovers = upd.NewRollovers
	prev.Deducted = prev.Deducted.Add(upd.Deducted)
	prev.Remaining = upd.Remaining
}
