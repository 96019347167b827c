package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

var ErrRateLimited = errors.New("ratelimit: too many calls from this number")

const (
	DefaultCalls  = 3
	DefaultWindow = time.Hour
	keyPrefix     = "calltrack:calls:"
)

// Limiter caps how many sessions a phone number may open per window.
type Limiter interface {
	Allow(ctx context.Context, phone string) (bool, error)
}

// exempt numbers are never limited; anonymous callers share no identity.
func exempt(phone string) bool {
	return phone == "" || phone == "unknown"
}

// slidingWindowScript admits a call if fewer than limit calls started in the
// trailing window.
var slidingWindowScript = redis.NewScript(`
-- KEYS[1] = sorted set of call start times (ms)
-- ARGV[1] = now_ms (int)
-- ARGV[2] = window_ms (int)
-- ARGV[3] = limit (int)
-- ARGV[4] = member (unique id)
--
-- Returns:
--  1 if admitted
--  0 if rejected (limit reached)
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)

if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return 1
`)

// Redis is a Limiter shared by every process using the same Redis.
//
// Safety properties:
// - Atomic check-and-record using Lua.
// - TTL bounds the key's lifetime to one window after the last call.
type Redis struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	clock  func() time.Time
}

func NewRedis(rdb *redis.Client, limit int, window time.Duration) *Redis {
	if limit <= 0 {
		limit = DefaultCalls
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Redis{rdb: rdb, limit: limit, window: window, clock: time.Now}
}

func (l *Redis) Allow(ctx context.Context, phone string) (bool, error) {
	if exempt(phone) {
		return true, nil
	}
	if l.rdb == nil {
		return false, fmt.Errorf("ratelimit: redis client is nil")
	}
	now := l.clock().UnixMilli()
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()
	res, err := slidingWindowScript.Run(ctx, l.rdb, []string{keyPrefix + phone},
		now, l.window.Milliseconds(), l.limit, member).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: %w", err)
	}
	return res == 1, nil
}

// Memory is a single-process Limiter for deployments without Redis.
type Memory struct {
	lim *limiter.Limiter
}

func NewMemory(limit int, window time.Duration) *Memory {
	if limit <= 0 {
		limit = DefaultCalls
	}
	if window <= 0 {
		window = DefaultWindow
	}
	store := memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          keyPrefix,
		CleanUpInterval: time.Minute,
	})
	return &Memory{lim: limiter.New(store, limiter.Rate{Period: window, Limit: int64(limit)})}
}

func (l *Memory) Allow(ctx context.Context, phone string) (bool, error) {
	if exempt(phone) {
		return true, nil
	}
	res, err := l.lim.Get(ctx, phone)
	if err != nil {
		return false, fmt.Errorf("ratelimit: %w", err)
	}
	return !res.Reached, nil
}

// Unlimited admits every call.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
