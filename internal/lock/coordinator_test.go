package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/balancer/internal/config"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var customer = ledgerdomain.CustomerKey{OrgID: 1, Env: "live", CustomerID: 99}

func newCoordinator(t *testing.T, wait time.Duration) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	policy := config.DefaultBalancePolicy()
	policy.LockWaitTimeout = wait
	c := NewCoordinator(NewLocker(client), config.NewStaticBalancePolicyHolder(policy), nil, nil)
	c.pollInitial = time.Millisecond
	c.pollMax = 5 * time.Millisecond
	return c, mr
}

func TestAcquireSetsKeyWithTTL(t *testing.T) {
	c, mr := newCoordinator(t, 50*time.Millisecond)

	lease, err := c.Acquire(context.Background(), customer)
	require.NoError(t, err)

	assert.Equal(t, "balance:lock:1:live:99", lease.Key())
	assert.True(t, mr.Exists(lease.Key()))
	assert.Equal(t, 60*time.Second, mr.TTL(lease.Key()))
	assert.WithinDuration(t, time.Now().Add(60*time.Second), lease.Deadline(), time.Second)
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	c, _ := newCoordinator(t, 30*time.Millisecond)
	ctx := context.Background()

	held, err := c.Acquire(ctx, customer)
	require.NoError(t, err)

	started := time.Now()
	_, err = c.Acquire(ctx, customer)
	require.ErrorIs(t, err, ErrLockTimeout)
	assert.Less(t, time.Since(started), time.Second)

	require.NoError(t, held.Release(ctx))
	lease, err := c.Acquire(ctx, customer)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	c, _ := newCoordinator(t, time.Second)
	ctx := context.Background()

	held, err := c.Acquire(ctx, customer)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = held.Release(ctx)
	}()

	lease, err := c.Acquire(ctx, customer)
	require.NoError(t, err)
	assert.NotNil(t, lease)
}

func TestReleaseKeepsNewerHolder(t *testing.T) {
	c, mr := newCoordinator(t, 0)
	ctx := context.Background()

	stale, err := c.Acquire(ctx, customer)
	require.NoError(t, err)
	mr.FastForward(61 * time.Second)

	fresh, err := c.Acquire(ctx, customer)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists(fresh.Key()), "expired lease must not delete the new holder")
}

func TestAcquireOtherCustomersIndependently(t *testing.T) {
	c, _ := newCoordinator(t, 0)
	ctx := context.Background()

	_, err := c.Acquire(ctx, customer)
	require.NoError(t, err)

	other := customer
	other.CustomerID = 100
	_, err = c.Acquire(ctx, other)
	require.NoError(t, err)
}

func TestLockerRejectsBadInput(t *testing.T) {
	var nilLocker *Locker
	_, _, err := nilLocker.TryLock(context.Background(), "k", time.Second)
	require.ErrorIs(t, err, errLockerNotConfigured)

	c, _ := newCoordinator(t, 0)
	_, _, err = c.locker.TryLock(context.Background(), "", time.Second)
	require.ErrorIs(t, err, errEmptyLockKey)
	_, _, err = c.locker.TryLock(context.Background(), "k", 0)
	require.ErrorIs(t, err, errInvalidLockTTL)
}
