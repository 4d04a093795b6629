package lock

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/balancer/internal/config"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/balancer/internal/observability/metrics"
	"go.uber.org/zap"
)

const keyPrefix = "balance:lock"

var ErrLockTimeout = errors.New("operation_in_progress")

var errHeld = errors.New("lock held")

// Coordinator serializes billable deductions per customer.
type Coordinator struct {
	locker  *Locker
	policy  *config.BalancePolicyHolder
	metrics *obsmetrics.Metrics
	log     *zap.Logger

	pollInitial time.Duration
	pollMax     time.Duration
}

// Lease is a held customer lock.
type Lease struct {
	key      string
	token    string
	ttl      time.Duration
	acquired time.Time
	locker   *Locker
}

func NewCoordinator(locker *Locker, policy *config.BalancePolicyHolder, metrics *obsmetrics.Metrics, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		locker:      locker,
		policy:      policy,
		metrics:     metrics,
		log:         log.Named("lock"),
		pollInitial: 10 * time.Millisecond,
		pollMax:     100 * time.Millisecond,
	}
}

func Key(key ledgerdomain.CustomerKey) string {
	return keyPrefix + ":" + key.String()
}

// Acquire polls for the customer lock until the policy wait timeout elapses.
func (c *Coordinator) Acquire(ctx context.Context, key ledgerdomain.CustomerKey) (*Lease, error) {
	if c == nil || c.locker == nil {
		return nil, errLockerNotConfigured
	}
	policy := c.policy.Get()
	lockKey := Key(key)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.pollInitial
	b.MaxInterval = c.pollMax

	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if policy.LockWaitTimeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(policy.LockWaitTimeout))
	} else {
		opts = append(opts, backoff.WithMaxTries(1))
	}

	token, err := backoff.Retry(ctx, func() (string, error) {
		token, ok, err := c.locker.TryLock(ctx, lockKey, policy.LockTTL)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if !ok {
			return "", errHeld
		}
		return token, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, errHeld) {
			c.metrics.RecordLockTimeout(ctx, key.OrgID.String())
			c.log.Warn("customer lock wait timed out",
				zap.String("lock_key", lockKey),
				zap.Duration("wait", policy.LockWaitTimeout),
			)
			return nil, ErrLockTimeout
		}
		return nil, err
	}

	return &Lease{
		key:      lockKey,
		token:    token,
		ttl:      policy.LockTTL,
		acquired: time.Now(),
		locker:   c.locker,
	}, nil
}

// Deadline is the instant the lease expires on the server.
func (l *Lease) Deadline() time.Time {
	return l.acquired.Add(l.ttl)
}

func (l *Lease) Key() string {
	return l.key
}

// Release deletes the lock if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.locker.Release(ctx, l.key, l.token)
}
