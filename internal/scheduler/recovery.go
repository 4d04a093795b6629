package scheduler

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	eventsdomain "github.com/smallbiznis/balancer/internal/events/domain"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/balancer/internal/observability/metrics"
	"go.uber.org/zap"
)

// RecoverySweepJob invoices allocation records that stayed pending longer
// than the recovery threshold, typically because the process stopped before
// the async invoice ran.
func (s *Scheduler) RecoverySweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, jobRecoverySweep, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	cutoff := s.clock.Now().Add(-s.cfg.RecoveryThreshold)
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		pending, err := s.ledger.PendingAllocations(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.recovery.fetch_failed", jobRecoverySweep, 0, err)
			return errors.Join(jobErr, err)
		}
		if len(pending) == 0 {
			break
		}

		invoiced := 0
		for _, inv := range groupAllocations(pending) {
			if err := s.invoicer.InvoiceAllocations(ctx, inv); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.recovery.invoice_failed", jobRecoverySweep, inv.Key.OrgID, err,
					zap.String("customer_entitlement_id", idString(inv.CustomerEntitlementID)),
					zap.Int("allocations", len(inv.AllocationIDs)),
				)
				continue
			}
			invoiced += len(inv.AllocationIDs)
		}
		run.AddProcessed(invoiced)
		schedMetrics.AddBatchProcessed(jobRecoverySweep, "allocations", invoiced)
		if invoiced == 0 {
			schedMetrics.IncBatchDeferred(jobRecoverySweep, obsmetrics.ClassifySchedulerJobReason(jobErr))
			break
		}
	}

	return jobErr
}

// groupAllocations batches records per customer entitlement, keeping the
// order in which each entitlement first appears.
func groupAllocations(records []ledgerdomain.AllocationRecord) []eventsdomain.AllocationInvoice {
	byEntitlement := make(map[snowflake.ID]int)
	var out []eventsdomain.AllocationInvoice
	for _, a := range records {
		idx, ok := byEntitlement[a.CustomerEntitlementID]
		if !ok {
			idx = len(out)
			byEntitlement[a.CustomerEntitlementID] = idx
			out = append(out, eventsdomain.AllocationInvoice{
				Key: ledgerdomain.CustomerKey{
					OrgID:      a.OrgID,
					Env:        a.Env,
					CustomerID: a.CustomerID,
				},
				CustomerEntitlementID: a.CustomerEntitlementID,
				FeatureID:             a.FeatureID,
			})
		}
		out[idx].AllocationIDs = append(out[idx].AllocationIDs, a.ID)
		out[idx].Quantity = out[idx].Quantity.Add(a.Quantity)
	}
	return out
}
