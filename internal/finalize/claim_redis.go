package finalize

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const claimPrefix = "calltrack:finalize:"

// releaseScript deletes the claim only if this process still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaimer arbitrates finalize across processes with SET NX.
type RedisClaimer struct {
	rdb   *redis.Client
	ttl   time.Duration
	owner string
}

func NewRedisClaimer(rdb *redis.Client, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisClaimer{rdb: rdb, ttl: ttl, owner: uuid.NewString()}
}

func claimKey(sessionID string) string { return claimPrefix + sessionID }

// Claim reports whether this process won the right to write sessionID.
func (c *RedisClaimer) Claim(ctx context.Context, sessionID string) (bool, error) {
	return c.rdb.SetNX(ctx, claimKey(sessionID), c.owner, c.ttl).Result()
}

// Release gives up a claim so another attempt can take it.
func (c *RedisClaimer) Release(ctx context.Context, sessionID string) error {
	return releaseScript.Run(ctx, c.rdb, []string{claimKey(sessionID)}, c.owner).Err()
}
