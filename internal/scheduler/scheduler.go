package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/balancer/internal/cache"
	"github.com/smallbiznis/balancer/internal/clock"
	eventsdomain "github.com/smallbiznis/balancer/internal/events/domain"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/balancer/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	jobResetBalances = "reset_balances"
	jobRecoverySweep = "recovery_sweep"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log      *zap.Logger
	Ledger   ledgerdomain.Service
	Cache    *cache.BalanceCache
	Invoicer eventsdomain.AllocationInvoicer
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config `optional:"true"`
}

// Scheduler runs the periodic balance maintenance jobs.
type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	ledger   ledgerdomain.Service
	cache    *cache.BalanceCache
	invoicer eventsdomain.AllocationInvoicer
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Ledger == nil || p.Invoicer == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		ledger:   p.Ledger,
		cache:    p.Cache,
		invoicer: p.Invoicer,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{jobResetBalances, s.ResetBalancesJob},
		{jobRecoverySweep, s.RecoverySweepJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// ResetBalancesJob resets every entitlement whose period has ended and
// rewrites the owning customers' cache entries. Rows another worker holds
// are skipped and picked up on a later tick.
func (s *Scheduler) ResetBalancesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, jobResetBalances, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		keys, err := s.ledger.ClaimDueForReset(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.reset.claim_failed", jobResetBalances, 0, err)
			return errors.Join(jobErr, err)
		}
		if len(keys) == 0 {
			break
		}

		for _, key := range keys {
			if err := s.refreshCache(ctx, key); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.reset.cache_failed", jobResetBalances, key.OrgID, err,
					zap.String("customer_id", idString(key.CustomerID)),
				)
				continue
			}
			s.logCustomerReset(ctx, key)
		}
		run.AddProcessed(len(keys))
		schedMetrics.AddBatchProcessed(jobResetBalances, "customers", len(keys))
	}

	return jobErr
}

// refreshCache rewrites the customer's cache entry from the ledger. An entry
// left behind on failure still carries the old next_reset_at, so readers
// treat it as due and reload it.
func (s *Scheduler) refreshCache(ctx context.Context, key ledgerdomain.CustomerKey) error {
	rows, err := s.ledger.ListCustomerEntitlements(ctx, key)
	if err != nil {
		return err
	}
	err = s.cache.Overwrite(ctx, key, rows)
	if err == nil || errors.Is(err, cache.ErrCacheDisabled) {
		return nil
	}
	return fmt.Errorf("%w: %w", obsmetrics.ErrCacheSync, err)
}
