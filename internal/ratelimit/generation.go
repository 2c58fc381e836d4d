package ratelimit

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/lexcredit/internal/config"
)

const keyGenerationAccount = "generation:account:%s"

// GenerationLimiter caps metered generation requests per account.
// A nil limiter allows everything.
type GenerationLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewGenerationLimiter(cfg config.Config, client *redis.Client) *GenerationLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil {
		return nil
	}
	if limitCfg.GenerationPerMinute <= 0 || limitCfg.GenerationBurst <= 0 {
		return nil
	}
	return &GenerationLimiter{
		bucket: NewTokenBucket(client),
		rate:   float64(limitCfg.GenerationPerMinute) / 60,
		burst:  limitCfg.GenerationBurst,
	}
}

func (l *GenerationLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *GenerationLimiter) Allow(ctx context.Context, accountID snowflake.ID) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyGenerationAccount, accountID.String()), l.rate, l.burst)
}
