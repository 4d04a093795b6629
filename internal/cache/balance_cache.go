package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/balancer/internal/config"
	ledgerdomain "github.com/smallbiznis/balancer/internal/ledger/domain"
)

const (
	keyBalances = "balances:%s:%s:%s"

	fieldVersion     = "_v"
	fieldEntPrefix   = "ent:"
	fieldResetPrefix = "reset:"
	fieldStampPrefix = "upd:"
	schemaVersion    = "1"
)

var (
	ErrStaleCacheWrite = errors.New("stale_cache_write")
	ErrCacheDisabled   = errors.New("cache_disabled")
)

// guardedWriteScript applies every entry only if the key exists, each
// stored reset guard still equals the caller's pre-deduction value and no
// stored row carries a newer updated_at than the one being written.
// ARGV: ttl_ms, n, then n groups of (id, expected_guard, payload, new_guard, stamp).
const guardedWriteScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local n = tonumber(ARGV[2])
for i = 0, n - 1 do
  local base = 3 + i * 5
  local current = redis.call("HGET", KEYS[1], "reset:" .. ARGV[base])
  if current ~= ARGV[base + 1] then
    return -1
  end
  local stamp = redis.call("HGET", KEYS[1], "upd:" .. ARGV[base])
  if stamp and tonumber(stamp) > tonumber(ARGV[base + 4]) then
    return -2
  end
end
for i = 0, n - 1 do
  local base = 3 + i * 5
  redis.call("HSET", KEYS[1], "ent:" .. ARGV[base], ARGV[base + 2], "reset:" .. ARGV[base], ARGV[base + 3], "upd:" .. ARGV[base], ARGV[base + 4])
end
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return 1
`

// GuardedEntry pairs a post-deduction row with the next_reset_at it was planned against.
type GuardedEntry struct {
	Entitlement ledgerdomain.CustomerEntitlement
	Guard       *time.Time
}

// BalanceCache mirrors each customer's entitlements in one redis hash.
type BalanceCache struct {
	client *redis.Client
	script *redis.Script
	policy *config.BalancePolicyHolder
}

func NewBalanceCache(client *redis.Client, policy *config.BalancePolicyHolder) *BalanceCache {
	return &BalanceCache{
		client: client,
		script: redis.NewScript(guardedWriteScript),
		policy: policy,
	}
}

func BalanceKey(key ledgerdomain.CustomerKey) string {
	return fmt.Sprintf(keyBalances, key.OrgID, strings.TrimSpace(key.Env), key.CustomerID)
}

// GuardValue encodes next_reset_at as unix milliseconds, "0" when unset.
func GuardValue(at *time.Time) string {
	if at == nil {
		return "0"
	}
	return strconv.FormatInt(at.UnixMilli(), 10)
}

// StampValue encodes updated_at as unix microseconds, "0" when unset.
// Microseconds stay exact as a lua number.
func StampValue(at time.Time) string {
	if at.IsZero() {
		return "0"
	}
	return strconv.FormatInt(at.UnixMicro(), 10)
}

func (c *BalanceCache) enabled() bool { return c != nil && c.client != nil }

func (c *BalanceCache) ttl() time.Duration {
	return c.policy.Get().CacheTTL
}

// Get returns the cached entitlements ordered by id. ok is false on a miss.
func (c *BalanceCache) Get(ctx context.Context, key ledgerdomain.CustomerKey) ([]ledgerdomain.CustomerEntitlement, bool, error) {
	if !c.enabled() {
		return nil, false, ErrCacheDisabled
	}

	fields, err := c.client.HGetAll(ctx, BalanceKey(key)).Result()
	if err != nil {
		return nil, false, err
	}
	if len(fields) == 0 || fields[fieldVersion] != schemaVersion {
		return nil, false, nil
	}

	rows := make([]ledgerdomain.CustomerEntitlement, 0, len(fields)/2)
	for field, value := range fields {
		if !strings.HasPrefix(field, fieldEntPrefix) {
			continue
		}
		ce, err := decodeEntitlement([]byte(value))
		if err != nil {
			return nil, false, fmt.Errorf("decode %s: %w", field, err)
		}
		rows = append(rows, ce)
	}
	slices.SortFunc(rows, func(a, b ledgerdomain.CustomerEntitlement) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return rows, true, nil
}

// Overwrite replaces the whole customer entry regardless of guards.
func (c *BalanceCache) Overwrite(ctx context.Context, key ledgerdomain.CustomerKey, rows []ledgerdomain.CustomerEntitlement) error {
	if !c.enabled() {
		return ErrCacheDisabled
	}

	values := make([]any, 0, 2+len(rows)*6)
	values = append(values, fieldVersion, schemaVersion)
	for _, ce := range rows {
		payload, err := encodeEntitlement(ce)
		if err != nil {
			return err
		}
		values = append(values,
			fieldEntPrefix+ce.ID.String(), payload,
			fieldResetPrefix+ce.ID.String(), GuardValue(ce.NextResetAt),
			fieldStampPrefix+ce.ID.String(), StampValue(ce.UpdatedAt),
		)
	}

	redisKey := BalanceKey(key)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, redisKey)
		pipe.HSet(ctx, redisKey, values...)
		pipe.PExpire(ctx, redisKey, c.ttl())
		return nil
	})
	return err
}

// WriteGuarded updates entries only when every stored guard still matches
// and no stored row is newer than its replacement. A missing key, a guard
// mismatch or a newer stored row writes nothing and returns ErrStaleCacheWrite.
func (c *BalanceCache) WriteGuarded(ctx context.Context, key ledgerdomain.CustomerKey, entries []GuardedEntry) error {
	if !c.enabled() {
		return ErrCacheDisabled
	}
	if len(entries) == 0 {
		return nil
	}

	args := make([]any, 0, 2+len(entries)*5)
	args = append(args, c.ttl().Milliseconds(), len(entries))
	for _, e := range entries {
		payload, err := encodeEntitlement(e.Entitlement)
		if err != nil {
			return err
		}
		args = append(args,
			e.Entitlement.ID.String(),
			GuardValue(e.Guard),
			payload,
			GuardValue(e.Entitlement.NextResetAt),
			StampValue(e.Entitlement.UpdatedAt),
		)
	}

	res, err := c.script.Run(ctx, c.client, []string{BalanceKey(key)}, args...).Int64()
	if err != nil {
		return err
	}
	if res != 1 {
		return ErrStaleCacheWrite
	}
	return nil
}

func (c *BalanceCache) Invalidate(ctx context.Context, key ledgerdomain.CustomerKey) error {
	if !c.enabled() {
		return ErrCacheDisabled
	}
	return c.client.Del(ctx, BalanceKey(key)).Err()
}

// Guard reads the stored guard of one entitlement, mostly for diagnostics.
func (c *BalanceCache) Guard(ctx context.Context, key ledgerdomain.CustomerKey, id snowflake.ID) (string, bool, error) {
	if !c.enabled() {
		return "", false, ErrCacheDisabled
	}
	value, err := c.client.HGet(ctx, BalanceKey(key), fieldResetPrefix+id.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func encodeEntitlement(ce ledgerdomain.CustomerEntitlement) ([]byte, error) {
	raw, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

func decodeEntitlement(payload []byte) (ledgerdomain.CustomerEntitlement, error) {
	var ce ledgerdomain.CustomerEntitlement
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return ce, err
	}
	err = json.Unmarshal(raw, &ce)
	return ce, err
}
