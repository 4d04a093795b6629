package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// tokenBucketScript refills from redis TIME and takes one token.
// ARGV: rate per second, burst, ttl_ms. Returns {allowed, tokens, now_ms};
// tokens is a string so the fraction survives the lua to redis conversion.
const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])

local t = redis.call("TIME")
local now = (t[1] * 1000) + math.floor(t[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1]) or burst
local ts = tonumber(data[2]) or now
if now > ts then
  tokens = math.min(burst, tokens + ((now - ts) / 1000) * rate)
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts", now)
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return {allowed, tostring(tokens), now}
`

type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// orgBucket is a redis token bucket with one fixed rate shared by every key.
type orgBucket struct {
	client *redis.Client
	script *redis.Script
	rate   float64
	burst  int
	ttl    time.Duration
}

func newOrgBucket(client *redis.Client, rate float64, burst int) *orgBucket {
	// an idle bucket refills completely well before its key expires
	ttl := time.Duration(math.Max(1, math.Ceil(float64(burst)/rate*2))) * time.Second
	return &orgBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
		rate:   rate,
		burst:  burst,
		ttl:    ttl,
	}
}

func (b *orgBucket) take(ctx context.Context, key string) (*RateLimitResult, error) {
	res, err := b.script.Run(ctx, b.client, []string{key}, b.rate, b.burst, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return nil, err
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("token bucket: unexpected reply of %d values", len(res))
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	nowMs, _ := res[2].(int64)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("token bucket: tokens %q: %w", raw, err)
	}

	var retryAfter time.Duration
	if allowed != 1 {
		retryAfter = time.Duration((1 - tokens) / b.rate * float64(time.Second))
	}
	return &RateLimitResult{
		Allowed:    allowed == 1,
		Limit:      b.burst,
		Remaining:  int(tokens),
		ResetTime:  time.UnixMilli(nowMs).Add(retryAfter),
		RetryAfter: retryAfter,
	}, nil
}
