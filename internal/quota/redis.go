package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of go-redis used by RedisTracker. *redis.Client, *redis.ClusterClient
// and *redis.Ring all satisfy it.
type RedisClient interface {
	redis.Scripter
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// checkAndRecordScript performs the whole check-and-record step inside Redis so that concurrent
// gate instances cannot both pass a check that together would exceed a limit.
//
// KEYS[1] window hash
// ARGV    now_ms, window_ms, fresh_start_ms, max_events, max_bytes, add_events, add_bytes
// returns {reason, start_ms, events, bytes}; reason 0 = admitted, 1 = events, 2 = bytes
var checkAndRecordScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local fresh_start = tonumber(ARGV[3])
local max_events = tonumber(ARGV[4])
local max_bytes = tonumber(ARGV[5])
local add_events = tonumber(ARGV[6])
local add_bytes = tonumber(ARGV[7])

local state = redis.call("HMGET", key, "start", "events", "bytes")
local start = tonumber(state[1])
local events = tonumber(state[2]) or 0
local bytes = tonumber(state[3]) or 0

if start == nil or now >= start + window then
	start = fresh_start
	events = 0
	bytes = 0
end

local reason = 0
if add_events > 0 and add_events > max_events - events then
	reason = 1
elseif add_bytes < 0 or add_bytes > max_bytes - bytes then
	reason = 2
end

if reason == 0 then
	events = events + add_events
	bytes = bytes + add_bytes
	redis.call("HSET", key, "start", start, "events", events, "bytes", bytes)
	redis.call("PEXPIREAT", key, start + window)
end

return {reason, start, events, bytes}
`)

// refundScript gives back an admitted cost if the window that admitted it is still stored.
//
// KEYS[1] window hash
// ARGV    window_start_ms, events, bytes
var refundScript = redis.NewScript(`
local key = KEYS[1]
local start = tonumber(redis.call("HGET", key, "start"))
if start == nil or start ~= tonumber(ARGV[1]) then
	return 0
end

local events = tonumber(redis.call("HGET", key, "events")) - tonumber(ARGV[2])
local bytes = tonumber(redis.call("HGET", key, "bytes")) - tonumber(ARGV[3])
if events < 0 then events = 0 end
if bytes < 0 then bytes = 0 end
redis.call("HSET", key, "events", events, "bytes", bytes)
return 1
`)

// RedisTracker stores windows in Redis so that several gate instances share one quota.
type RedisTracker struct {
	client RedisClient
	prefix string
	limits atomic.Pointer[Limits]
	now    func() time.Time
}

type RedisOption func(*RedisTracker)

// WithKeyPrefix applies a static prefix to all keys, useful on a shared Redis.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *RedisTracker) {
		r.prefix = prefix
	}
}

// WithRedisClock replaces time.Now, for tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(r *RedisTracker) {
		r.now = now
	}
}

func NewRedisTracker(client RedisClient, limits Limits, opts ...RedisOption) (*RedisTracker, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	r := &RedisTracker{
		client: client,
		now:    time.Now,
	}
	r.limits.Store(&limits)

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Load preloads the Lua scripts. Calling it is optional; scripts are sent on first use otherwise.
func (r *RedisTracker) Load(ctx context.Context) error {
	if err := checkAndRecordScript.Load(ctx, r.client).Err(); err != nil {
		return fmt.Errorf("failed to load check script: %w", err)
	}
	if err := refundScript.Load(ctx, r.client).Err(); err != nil {
		return fmt.Errorf("failed to load refund script: %w", err)
	}
	return nil
}

func (r *RedisTracker) Limits() Limits {
	return *r.limits.Load()
}

func (r *RedisTracker) SetLimits(l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	r.limits.Store(&l)
	return nil
}

func (r *RedisTracker) CheckAndRecord(ctx context.Context, deploymentID string, cost Cost) (Decision, error) {
	if err := ValidateDeploymentID(deploymentID); err != nil {
		return Decision{}, err
	}

	limits := r.Limits()
	now := r.now()

	vals, err := checkAndRecordScript.Run(ctx, r.client, []string{r.key(deploymentID)},
		now.UnixMilli(),
		limits.Window.Milliseconds(),
		limits.freshStart(now).UnixMilli(),
		limits.MaxCustomEvents,
		limits.MaxBytes,
		cost.CustomEvents,
		cost.Bytes,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("quota check for %s failed: %w", deploymentID, err)
	}
	if len(vals) != 4 {
		return Decision{}, fmt.Errorf("quota check for %s returned %d values, expected 4", deploymentID, len(vals))
	}

	var reason Reason
	switch vals[0] {
	case 0:
		reason = ReasonNone
	case 1:
		reason = ReasonEventCountExceeded
	case 2:
		reason = ReasonByteVolumeExceeded
	default:
		return Decision{}, fmt.Errorf("quota check for %s returned unknown reason %d", deploymentID, vals[0])
	}

	start := time.UnixMilli(vals[1])
	return Decision{
		Admitted: reason == ReasonNone,
		Reason:   reason,
		Usage: Usage{
			DeploymentID: deploymentID,
			WindowStart:  start,
			ResetAt:      start.Add(limits.Window),
			CustomEvents: vals[2],
			Bytes:        vals[3],
		},
		Limits: limits,
	}, nil
}

func (r *RedisTracker) Refund(ctx context.Context, deploymentID string, cost Cost, windowStart time.Time) error {
	if err := ValidateDeploymentID(deploymentID); err != nil {
		return err
	}

	err := refundScript.Run(ctx, r.client, []string{r.key(deploymentID)},
		windowStart.UnixMilli(),
		cost.CustomEvents,
		cost.Bytes,
	).Err()
	if err != nil {
		return fmt.Errorf("quota refund for %s failed: %w", deploymentID, err)
	}
	return nil
}

func (r *RedisTracker) Usage(ctx context.Context, deploymentID string) (Usage, error) {
	if err := ValidateDeploymentID(deploymentID); err != nil {
		return Usage{}, err
	}

	limits := r.Limits()
	now := r.now()

	vals, err := r.client.HMGet(ctx, r.key(deploymentID), "start", "events", "bytes").Result()
	if err != nil {
		return Usage{}, fmt.Errorf("quota usage for %s failed: %w", deploymentID, err)
	}

	startMs, ok := parseField(vals, 0)
	if !ok {
		return emptyUsage(deploymentID, limits, now), nil
	}

	start := time.UnixMilli(startMs)
	if !now.Before(start.Add(limits.Window)) {
		return emptyUsage(deploymentID, limits, now), nil
	}

	events, _ := parseField(vals, 1)
	bytes, _ := parseField(vals, 2)
	return Usage{
		DeploymentID: deploymentID,
		WindowStart:  start,
		ResetAt:      start.Add(limits.Window),
		CustomEvents: events,
		Bytes:        bytes,
	}, nil
}

func (r *RedisTracker) Reset(ctx context.Context, deploymentID string) error {
	if err := ValidateDeploymentID(deploymentID); err != nil {
		return err
	}

	if err := r.client.Del(ctx, r.key(deploymentID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("quota reset for %s failed: %w", deploymentID, err)
	}
	return nil
}

// key hash-tags the deployment id so every key of one deployment maps to the same cluster slot.
func (r *RedisTracker) key(deploymentID string) string {
	return fmt.Sprintf("%squota:{%s}:window", r.prefix, deploymentID)
}

func parseField(vals []interface{}, i int) (int64, bool) {
	if i >= len(vals) || vals[i] == nil {
		return 0, false
	}
	s, ok := vals[i].(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
