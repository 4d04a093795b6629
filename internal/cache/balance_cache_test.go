package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/balancer/internal/config"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cacheKey = ledgerdomain.CustomerKey{OrgID: 11, Env: "live", CustomerID: 42}

func newTestCache(t *testing.T) (*BalanceCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	policy := config.DefaultBalancePolicy()
	policy.CacheTTL = 10 * time.Minute
	return NewBalanceCache(client, config.NewStaticBalancePolicyHolder(policy)), mr
}

func row(id snowflake.ID, balance int64, resetAt time.Time) ledgerdomain.CustomerEntitlement {
	return ledgerdomain.CustomerEntitlement{
		ID:          id,
		OrgID:       cacheKey.OrgID,
		Env:         cacheKey.Env,
		CustomerID:  cacheKey.CustomerID,
		FeatureID:   7,
		Balance:     decimal.NewFromInt(balance),
		NextResetAt: &resetAt,
		Entities: ledgerdomain.EntityBalances{
			{EntityID: "seat-1", Balance: decimal.NewFromInt(3)},
		},
		Entitlement: ledgerdomain.Entitlement{ID: id + 100, Interval: ledgerdomain.IntervalMonth},
	}
}

func TestBalanceCacheOverwriteAndGet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	resetAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	_, ok, err := c.Get(ctx, cacheKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Overwrite(ctx, cacheKey, []ledgerdomain.CustomerEntitlement{row(2, 50, resetAt), row(1, 10, resetAt)}))

	rows, ok, err := c.Get(ctx, cacheKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rows, 2)
	assert.Equal(t, snowflake.ID(1), rows[0].ID)
	assert.True(t, rows[1].Balance.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "seat-1", rows[1].Entities[0].EntityID)
	assert.True(t, rows[1].NextResetAt.Equal(resetAt))
	assert.Equal(t, 10*time.Minute, mr.TTL(BalanceKey(cacheKey)))

	guard, ok, err := c.Guard(ctx, cacheKey, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, GuardValue(&resetAt), guard)
}

func TestBalanceCacheEmptyOverwriteIsAHit(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Overwrite(ctx, cacheKey, nil))

	rows, ok, err := c.Get(ctx, cacheKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, rows)
}

func TestBalanceCacheWriteGuardedMatchingGuard(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	resetAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, c.Overwrite(ctx, cacheKey, []ledgerdomain.CustomerEntitlement{row(1, 100, resetAt)}))

	err := c.WriteGuarded(ctx, cacheKey, []GuardedEntry{{Entitlement: row(1, 60, resetAt), Guard: &resetAt}})
	require.NoError(t, err)

	rows, _, err := c.Get(ctx, cacheKey)
	require.NoError(t, err)
	assert.True(t, rows[0].Balance.Equal(decimal.NewFromInt(60)))
}

func TestBalanceCacheWriteGuardedRejectsStaleGuard(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	before := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	after := before.AddDate(0, 1, 0)

	require.NoError(t, c.Overwrite(ctx, cacheKey, []ledgerdomain.CustomerEntitlement{row(1, 100, before), row(2, 5, before)}))
	// a reset job lands between the deduction's read and its cache write
	require.NoError(t, c.Overwrite(ctx, cacheKey, []ledgerdomain.CustomerEntitlement{row(1, 500, after), row(2, 5, before)}))

	err := c.WriteGuarded(ctx, cacheKey, []GuardedEntry{
		{Entitlement: row(2, 1, before), Guard: &before},
		{Entitlement: row(1, 40, before), Guard: &before},
	})
	require.ErrorIs(t, err, ErrStaleCacheWrite)

	rows, ok, err := c.Get(ctx, cacheKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rows[0].Balance.Equal(decimal.NewFromInt(500)))
	assert.True(t, rows[1].Balance.Equal(decimal.NewFromInt(5)), "no partial write")
}

func TestBalanceCacheWriteGuardedRejectsOlderRow(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	resetAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	base := row(1, 100, resetAt)
	base.UpdatedAt = updated
	require.NoError(t, c.Overwrite(ctx, cacheKey, []ledgerdomain.CustomerEntitlement{base}))

	// two deductions commit in turn but publish out of order
	newer := row(1, 80, resetAt)
	newer.UpdatedAt = updated.Add(2 * time.Microsecond)
	older := row(1, 90, resetAt)
	older.UpdatedAt = updated.Add(time.Microsecond)

	require.NoError(t, c.WriteGuarded(ctx, cacheKey, []GuardedEntry{{Entitlement: newer, Guard: &resetAt}}))
	err := c.WriteGuarded(ctx, cacheKey, []GuardedEntry{{Entitlement: older, Guard: &resetAt}})
	require.ErrorIs(t, err, ErrStaleCacheWrite)

	rows, ok, err := c.Get(ctx, cacheKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rows[0].Balance.Equal(decimal.NewFromInt(80)))

	// an equal stamp is not older
	same := row(1, 70, resetAt)
	same.UpdatedAt = newer.UpdatedAt
	require.NoError(t, c.WriteGuarded(ctx, cacheKey, []GuardedEntry{{Entitlement: same, Guard: &resetAt}}))
}

func TestBalanceCacheWriteGuardedMissingKey(t *testing.T) {
	c, mr := newTestCache(t)
	resetAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	err := c.WriteGuarded(context.Background(), cacheKey, []GuardedEntry{{Entitlement: row(1, 60, resetAt), Guard: &resetAt}})

	require.ErrorIs(t, err, ErrStaleCacheWrite)
	assert.False(t, mr.Exists(BalanceKey(cacheKey)))
}

func TestBalanceCacheWriteGuardedUnknownEntitlement(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Overwrite(ctx, cacheKey, nil))

	err := c.WriteGuarded(ctx, cacheKey, []GuardedEntry{{Entitlement: row(9, 1, time.Now()), Guard: nil}})
	require.ErrorIs(t, err, ErrStaleCacheWrite)
}

func TestBalanceCacheInvalidateAndVersion(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, c.Overwrite(ctx, cacheKey, []ledgerdomain.CustomerEntitlement{row(1, 1, time.Now())}))

	mr.HSet(BalanceKey(cacheKey), fieldVersion, "0")
	_, ok, err := c.Get(ctx, cacheKey)
	require.NoError(t, err)
	assert.False(t, ok, "older schema is a miss")

	require.NoError(t, c.Invalidate(ctx, cacheKey))
	assert.False(t, mr.Exists(BalanceKey(cacheKey)))
}

func TestBalanceCacheDisabled(t *testing.T) {
	var c *BalanceCache

	_, _, err := c.Get(context.Background(), cacheKey)
	require.ErrorIs(t, err, ErrCacheDisabled)
	require.ErrorIs(t, c.Invalidate(context.Background(), cacheKey), ErrCacheDisabled)
}

func TestStampValue(t *testing.T) {
	assert.Equal(t, "0", StampValue(time.Time{}))
	at := time.Date(2026, 3, 2, 10, 0, 0, 1500, time.UTC)
	assert.Equal(t, "1772445600000001", StampValue(at))
}

func TestGuardValue(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_123)
	assert.Equal(t, "0", GuardValue(nil))
	assert.Equal(t, "1700000000123", GuardValue(&at))
}
