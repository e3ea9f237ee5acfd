package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"gtm-command-center/internal/telemetry"
)

// Breaker states.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// CircuitBreaker guards a downstream integration. State lives in a Redis hash
// per integration; the allow/success/failure paths are single Lua scripts so
// concurrent workers observe one consistent state machine.
//
// closed -> open after threshold failures inside the failure window,
// open -> half_open after the cool-down with exactly one probe call,
// half_open -> closed on probe success, back to open on probe failure.
type CircuitBreaker struct {
	client    *redis.Client
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time
}

// NewCircuitBreaker constructs a breaker opening after threshold consecutive
// failures within window, probing again after cooldown.
func NewCircuitBreaker(client *redis.Client, threshold int, window, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		client:    client,
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func breakerKey(integration string) string {
	return "cb:" + integration
}

// Allow reports whether a call to the integration may proceed and the breaker
// state observed. In half-open, only the first caller wins the probe slot.
// On Redis failure the breaker is permissive.
func (b *CircuitBreaker) Allow(ctx context.Context, integration string) (bool, string, error) {
	res, err := breakerAllowScript.Run(ctx, b.client,
		[]string{breakerKey(integration)},
		b.now().UnixMilli(), b.cooldown.Milliseconds()).Result()
	if err != nil {
		telemetry.GuardDegraded.Inc()
		return true, BreakerClosed, nil
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, "", fmt.Errorf("unexpected breaker reply: %T", res)
	}
	return arr[0].(int64) == 1, arr[1].(string), nil
}

// RecordSuccess closes the breaker after a successful call (including a
// successful half-open probe).
func (b *CircuitBreaker) RecordSuccess(ctx context.Context, integration string) error {
	err := breakerSuccessScript.Run(ctx, b.client, []string{breakerKey(integration)}).Err()
	if err != nil && err != redis.Nil {
		telemetry.GuardDegraded.Inc()
	}
	return nil
}

// RecordFailure counts a failed call. It returns the resulting state so the
// caller can log the trip.
func (b *CircuitBreaker) RecordFailure(ctx context.Context, integration string) (string, error) {
	res, err := breakerFailureScript.Run(ctx, b.client,
		[]string{breakerKey(integration)},
		b.now().UnixMilli(), b.threshold, b.window.Milliseconds()).Result()
	if err != nil {
		telemetry.GuardDegraded.Inc()
		return BreakerClosed, nil
	}
	state, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected breaker reply: %T", res)
	}
	if state == BreakerOpen {
		telemetry.BreakerTrips.Inc()
	}
	return state, nil
}

// State returns the current breaker state without consuming a probe slot.
func (b *CircuitBreaker) State(ctx context.Context, integration string) (string, error) {
	state, err := b.client.HGet(ctx, breakerKey(integration), "state").Result()
	if err == redis.Nil || state == "" {
		return BreakerClosed, nil
	}
	if err != nil {
		return BreakerClosed, err
	}
	return state, nil
}

var breakerAllowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cooldown = tonumber(ARGV[2])

local state = redis.call('HGET', key, 'state')
if not state or state == 'closed' then
  return {1, 'closed'}
end

if state == 'open' then
  local opened = tonumber(redis.call('HGET', key, 'opened_ms') or '0')
  if now - opened >= cooldown then
    redis.call('HSET', key, 'state', 'half_open', 'probe', 1)
    return {1, 'half_open'}
  end
  return {0, 'open'}
end

-- half_open: allow exactly one in-flight probe
local probe = tonumber(redis.call('HGET', key, 'probe') or '0')
if probe == 0 then
  redis.call('HSET', key, 'probe', 1)
  return {1, 'half_open'}
end
return {0, 'half_open'}
`)

var breakerSuccessScript = redis.NewScript(`
local key = KEYS[1]
redis.call('HSET', key, 'state', 'closed', 'fails', 0, 'probe', 0)
return 'closed'
`)

var breakerFailureScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local threshold = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

local state = redis.call('HGET', key, 'state')
if state == 'half_open' then
  redis.call('HSET', key, 'state', 'open', 'opened_ms', now, 'probe', 0, 'fails', 0)
  return 'open'
end
if state == 'open' then
  return 'open'
end

local fails = redis.call('HINCRBY', key, 'fails', 1)
redis.call('PEXPIRE', key, window)
if fails >= threshold then
  redis.call('HSET', key, 'state', 'open', 'opened_ms', now, 'fails', 0)
  redis.call('PERSIST', key)
  return 'open'
end
return 'closed'
`)
