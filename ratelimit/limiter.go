// Package ratelimit enforces per-user request and token budgets for the AI
// surface. Both checks run as Lua scripts so a horizontally scaled
// deployment shares one consistent counter per user in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/n3n-io/n3n/common"
	"github.com/n3n-io/n3n/config"
)

const (
	requestKeyPrefix = "n3n:ratelimit:req:"
	tokenKeyPrefix   = "n3n:ratelimit:tok:"
	window           = time.Minute
)

// slidingWindowScript prunes expired entries, then admits the request only
// if the remaining cardinality is under the limit. Returns
// {allowed, remaining, retryAfterMs}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	local retry = window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		retry = (tonumber(oldest[2]) + window) - now
	end
	return {0, 0, retry}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, limit - count - 1, 0}
`)

// tokenWindowScript admits a token spend into a fixed one-minute counter.
// The TTL set by the first spend in a window is preserved. Returns
// {allowed, remaining, retryAfterMs}.
var tokenWindowScript = redis.NewScript(`
local key = KEYS[1]
local tokens = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

local current = tonumber(redis.call('GET', key) or '0')
if current + tokens > limit then
	local ttl = redis.call('PTTL', key)
	if ttl < 0 then
		ttl = window
	end
	local remaining = limit - current
	if remaining < 0 then
		remaining = 0
	end
	return {0, remaining, ttl}
end
local new = redis.call('INCRBY', key, tokens)
if redis.call('PTTL', key) < 0 then
	redis.call('PEXPIRE', key, window)
end
return {1, limit - new, 0}
`)

// Limits is the per-user budget: requests and tokens per minute.
type Limits struct {
	RPM int
	TPM int
}

// Source resolves per-user limit overrides. A miss falls back to the
// configured defaults.
type Source interface {
	LimitsFor(ctx context.Context, userID string) (Limits, bool)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter enforces per-user request and token budgets backed by Redis.
type Limiter struct {
	client    *redis.Client
	defaults  Limits
	burst     float64
	failClose bool
	source    Source
}

// New creates a limiter from the ratelimit config section.
func New(client *redis.Client, cfg config.RateLimitConfig, source Source) *Limiter {
	burst := cfg.BurstMultiplier
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		client:    client,
		defaults:  Limits{RPM: cfg.DefaultRPM, TPM: cfg.DefaultTPM},
		burst:     burst,
		failClose: cfg.FailClose,
		source:    source,
	}
}

func (l *Limiter) limits(ctx context.Context, userID string) Limits {
	if l.source != nil {
		if limits, ok := l.source.LimitsFor(ctx, userID); ok {
			return limits
		}
	}
	return l.defaults
}

// AllowRequest admits or rejects one AI request for the user. The request
// budget uses a sliding one-minute window with burst headroom, so short
// spikes above the steady rate are tolerated.
func (l *Limiter) AllowRequest(ctx context.Context, userID string) (Decision, error) {
	limits := l.limits(ctx, userID)
	if limits.RPM <= 0 {
		return Decision{Allowed: true}, nil
	}
	limit := int(math.Ceil(float64(limits.RPM) * l.burst))
	now := time.Now()
	member := fmt.Sprintf("%d-%d", now.UnixNano(), limit)

	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{requestKeyPrefix + userID},
		now.UnixMilli(), window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return l.failDecision(err)
	}
	return decisionFromScript(res), nil
}

// ReserveTokens admits or rejects an estimated token spend for the user
// before the provider call is made. Actual usage is reconciled afterwards
// with AdjustTokens.
func (l *Limiter) ReserveTokens(ctx context.Context, userID string, tokens int) (Decision, error) {
	if tokens <= 0 {
		return Decision{Allowed: true}, nil
	}
	limits := l.limits(ctx, userID)
	if limits.TPM <= 0 {
		return Decision{Allowed: true}, nil
	}
	limit := int(math.Ceil(float64(limits.TPM) * l.burst))

	res, err := tokenWindowScript.Run(ctx, l.client,
		[]string{tokenKeyPrefix + userID},
		tokens, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return l.failDecision(err)
	}
	return decisionFromScript(res), nil
}

// AdjustTokens reconciles a reservation with the provider's reported
// usage. Underestimates are charged; overestimates are never refunded, so
// the window stays a conservative upper bound.
func (l *Limiter) AdjustTokens(ctx context.Context, userID string, reserved, actual int) error {
	excess := actual - reserved
	if excess <= 0 {
		return nil
	}
	key := tokenKeyPrefix + userID
	pipe := l.client.TxPipeline()
	pipe.IncrBy(ctx, key, int64(excess))
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		common.Logger.Errorf("rate limiter token adjustment failed: %v", err)
		if l.failClose {
			return common.TransientError(err, "rate limiter store unavailable")
		}
	}
	return nil
}

// failDecision applies the availability policy when Redis is unreachable.
// Fail-close treats the outage as exhaustion; fail-open waves the request
// through.
func (l *Limiter) failDecision(err error) (Decision, error) {
	common.Logger.Errorf("rate limiter store unavailable: %v", err)
	if l.failClose {
		return Decision{Allowed: false, RetryAfter: 5 * time.Second},
			common.TransientError(err, "rate limiter store unavailable")
	}
	return Decision{Allowed: true}, nil
}

func decisionFromScript(res []int64) Decision {
	d := Decision{}
	if len(res) == 3 {
		d.Allowed = res[0] == 1
		d.Remaining = int(res[1])
		d.RetryAfter = time.Duration(res[2]) * time.Millisecond
	}
	return d
}

// RateLimitedError builds the client-facing error for a denied decision
// with a retry hint.
func RateLimitedError(d Decision) error {
	return common.RateLimitedError("rate limit exceeded, retry in %s", d.RetryAfter.Round(time.Millisecond))
}
