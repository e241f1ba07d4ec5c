// Package ratelimit implements per-principal RPM and TPM rate limiting with
// Redis sliding windows. The check-and-insert is a single atomic Lua script,
// so concurrent checks against the same bucket cannot oversubscribe.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	conduit "github.com/conduitproxy/conduit/internal"
)

// Window is the sliding window length for both RPM and TPM buckets.
const Window = 60 * time.Second

// slidingWindowScript trims expired members, counts the bucket, and inserts
// increment members iff the bucket stays within limit.
// KEYS[1] = bucket key
// ARGV[1] = limit, ARGV[2] = window seconds, ARGV[3] = now (unix seconds,
// fractional), ARGV[4] = increment
// Returns {rejected, current_count, reset_seconds}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local increment = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

local current = redis.call('ZCARD', key)

if current + increment <= limit then
    for i = 1, increment do
        redis.call('ZADD', key, now, now .. '-' .. math.random(1000000) .. '-' .. i)
    end
    redis.call('EXPIRE', key, window + 1)
    return {0, current + increment, tostring(window)}
else
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local reset = 0
    if #oldest > 0 then
        reset = tonumber(oldest[2]) + window - now
    end
    return {1, current, tostring(reset)}
end
`)

// Result is the outcome of a rate limit check, including header values.
type Result struct {
	Allowed      bool
	Limit        int64
	Remaining    int64
	ResetSeconds float64
}

// ApplyHeaders writes the x-ratelimit-* trio for the given bucket kind
// ("requests" or "tokens"). Remaining is clamped at zero.
func (r *Result) ApplyHeaders(h http.Header, kind string) {
	h.Set("x-ratelimit-limit-"+kind, strconv.FormatInt(r.Limit, 10))
	h.Set("x-ratelimit-remaining-"+kind, strconv.FormatInt(max(r.Remaining, 0), 10))
	h.Set("x-ratelimit-reset-"+kind, strconv.FormatFloat(r.ResetSeconds, 'f', 1, 64))
}

// Limiter is the shared sliding-window rate limiter. Fail-open: if Redis is
// unreachable the check allows the request and logs a warning.
type Limiter struct {
	rdb    redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// New creates a Limiter over the given Redis client.
func New(rdb redis.UniversalClient, keyPrefix string, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{rdb: rdb, prefix: keyPrefix, logger: logger}
}

// RPMIdentifier returns the per-principal RPM bucket identifier.
func RPMIdentifier(principalID string) string { return "rpm:key:" + principalID }

// TPMIdentifier returns the per-principal TPM bucket identifier.
func TPMIdentifier(principalID string) string { return "tpm:key:" + principalID }

// Check consumes increment units from the identified bucket iff the bucket
// stays within limit over the sliding window.
func (l *Limiter) Check(ctx context.Context, identifier string, limit int64, window time.Duration, increment int64) *Result {
	key := l.prefix + "ratelimit:" + identifier
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	windowSec := int64(window / time.Second)

	raw, err := slidingWindowScript.Run(ctx, l.rdb, []string{key},
		limit, windowSec, strconv.FormatFloat(now, 'f', 6, 64), increment).Slice()
	if err != nil {
		// Fail-open: availability is preferred to strict enforcement when the
		// shared KV is down. The operator is alerted via the warning.
		l.logger.LogAttrs(ctx, slog.LevelWarn, "ratelimit.redis_unavailable",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()))
		return &Result{Allowed: true, Limit: limit, Remaining: limit}
	}

	rejected, current, reset := parseScriptReply(raw)
	return &Result{
		Allowed:      !rejected,
		Limit:        limit,
		Remaining:    limit - current,
		ResetSeconds: max(reset, 0),
	}
}

// CheckOrReject consumes increment units and returns ErrRateLimited with a
// retry_after detail when the bucket is exhausted.
func (l *Limiter) CheckOrReject(ctx context.Context, identifier string, limit int64, window time.Duration, increment int64) (*Result, error) {
	res := l.Check(ctx, identifier, limit, window, increment)
	if !res.Allowed {
		err := conduit.NewRequestError(conduit.ErrRateLimited,
			"rate limit exceeded: %d per %ds", limit, int64(window/time.Second)).
			WithDetail("limit", limit).
			WithDetail("window_seconds", int64(window/time.Second)).
			WithDetail("retry_after", res.ResetSeconds)
		return res, err
	}
	return res, nil
}

// RecordUsage unconditionally adds tokenCount units to the TPM bucket.
// It never rejects; exhaustion surfaces on the next pre-request check.
func (l *Limiter) RecordUsage(ctx context.Context, identifier string, tokenCount, limit int64) *Result {
	return l.Check(ctx, identifier, limit, Window, tokenCount)
}

// parseScriptReply decodes the {rejected, current, reset} triple. The reset
// element travels as a string to preserve its fractional part (Lua numbers
// returned to Redis are truncated to integers).
func parseScriptReply(raw []any) (rejected bool, current int64, reset float64) {
	if len(raw) != 3 {
		return false, 0, 0
	}
	if n, ok := raw[0].(int64); ok {
		rejected = n == 1
	}
	if n, ok := raw[1].(int64); ok {
		current = n
	}
	switch v := raw[2].(type) {
	case string:
		reset, _ = strconv.ParseFloat(v, 64)
	case int64:
		reset = float64(v)
	}
	return rejected, current, reset
}

// Close releases the underlying Redis client.
func (l *Limiter) Close() error {
	if l.rdb == nil {
		return nil
	}
	if err := l.rdb.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
