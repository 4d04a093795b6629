package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/balancer/internal/config"
)

const keyTrackOrg = "balance:track:org:%s"

// TrackLimiter throttles deduction requests per organization.
type TrackLimiter struct {
	enabled bool
	bucket  *orgBucket
}

func NewTrackLimiter(cfg config.Config, client *redis.Client) (*TrackLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, errors.New("rate limit requires a redis client")
	}
	if limitCfg.TrackOrgRate <= 0 || limitCfg.TrackOrgBurst <= 0 {
		return nil, errors.New("track org rate limit must be positive")
	}

	return &TrackLimiter{
		enabled: true,
		bucket:  newOrgBucket(client, limitCfg.TrackOrgRate, limitCfg.TrackOrgBurst),
	}, nil
}

func (l *TrackLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *TrackLimiter) AllowOrg(ctx context.Context, orgID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.take(ctx, fmt.Sprintf(keyTrackOrg, strings.TrimSpace(orgID)))
}
