// Package guard holds the execution guardrails: the fixed-window rate
// limiter, the per-integration circuit breaker, and the global kill switch.
// All shared state lives in Redis behind atomic Lua scripts so that multiple
// worker instances never race on read-then-write. Redis being unreachable
// degrades to permissive, never restrictive.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gtm-command-center/internal/telemetry"
)

// FixedWindow is a distributed fixed-window rate limiter keyed by
// (action type, current window).
type FixedWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// Decision reports the limiter verdict for a single consume call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// NewFixedWindow constructs a limiter allowing limit calls per window per action type.
func NewFixedWindow(client *redis.Client, limit int, window time.Duration) *FixedWindow {
	return &FixedWindow{
		client: client,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow consumes one slot for actionType in the current window.
// On Redis failure the limiter is permissive and the degradation is counted.
func (l *FixedWindow) Allow(ctx context.Context, actionType string) (Decision, error) {
	now := l.now()
	windowStart := now.Truncate(l.window)
	key := fmt.Sprintf("rl:%s:%d", actionType, windowStart.Unix())

	res, err := windowScript.Run(ctx, l.client, []string{key}, l.limit, l.window.Milliseconds()).Result()
	if err != nil {
		telemetry.GuardDegraded.Inc()
		return Decision{Allowed: true, Remaining: l.limit}, nil
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected limiter reply: %T", res)
	}
	allowed := arr[0].(int64) == 1
	remaining := int(arr[1].(int64))
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{Allowed: allowed, Remaining: remaining}
	if !allowed {
		d.RetryAfter = windowStart.Add(l.window).Sub(now)
	}
	return d, nil
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local n = redis.call('INCR', key)
if n == 1 then
  redis.call('PEXPIRE', key, ttl)
end

if n > limit then
  return {0, 0}
end
return {1, limit - n}
`)
