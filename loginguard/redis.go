package loginguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS[1] counter key. ARGV: max attempts, block ms. Returns the new count,
// or -1 when the pair is already blocked.
const reserveScript = `
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n >= tonumber(ARGV[1]) then
  return -1
end
n = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return n
`

var reserveLua = redis.NewScript(reserveScript)

// KEYS[1] counter key. DECR keeps the existing TTL.
const releaseScript = `
local n = tonumber(redis.call("GET", KEYS[1]) or "0")
if n <= 1 then
  redis.call("DEL", KEYS[1])
  return 0
end
return redis.call("DECR", KEYS[1])
`

var releaseLua = redis.NewScript(releaseScript)

// Redis is a Guard whose counters are shared across nodes.
type Redis struct {
	redis  redis.UniversalClient
	cfg    Config
	prefix string
}

// NewRedis creates a Redis-backed guard. An empty prefix defaults to "lg".
func NewRedis(client redis.UniversalClient, cfg Config, prefix string) *Redis {
	if prefix == "" {
		prefix = "lg"
	}
	return &Redis{redis: client, cfg: withDefaults(cfg), prefix: prefix}
}

func (g *Redis) key(client, principal string) string {
	return g.prefix + ":" + Key(client, principal)
}

// Reserve checks and increments in a single Lua call so concurrent
// attempts across nodes serialize inside Redis.
func (g *Redis) Reserve(ctx context.Context, client, principal string) (int, bool, error) {
	n, err := reserveLua.Run(
		ctx,
		g.redis,
		[]string{g.key(client, principal)},
		g.cfg.MaxAttempts,
		g.cfg.BlockDuration.Milliseconds(),
	).Int()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n < 0 {
		return g.cfg.MaxAttempts, false, nil
	}
	return n, true, nil
}

// Release gives back one reserved attempt.
func (g *Redis) Release(ctx context.Context, client, principal string) error {
	if err := releaseLua.Run(ctx, g.redis, []string{g.key(client, principal)}).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RecordFailure increments and re-arms the expiry in one MULTI so the counter
// can never be left without a TTL.
func (g *Redis) RecordFailure(ctx context.Context, client, principal string) (int, error) {
	key := g.key(client, principal)

	var incr *redis.IntCmd
	_, err := g.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, g.cfg.BlockDuration)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return int(incr.Val()), nil
}

func (g *Redis) attempts(ctx context.Context, client, principal string) (int, error) {
	n, err := g.redis.Get(ctx, g.key(client, principal)).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n, nil
}

// IsBlocked reports whether the pair reached MaxAttempts.
func (g *Redis) IsBlocked(ctx context.Context, client, principal string) (bool, error) {
	n, err := g.attempts(ctx, client, principal)
	if err != nil {
		return false, err
	}
	return n >= g.cfg.MaxAttempts, nil
}

// RemainingAttempts returns how many failures the pair has left.
func (g *Redis) RemainingAttempts(ctx context.Context, client, principal string) (int, error) {
	n, err := g.attempts(ctx, client, principal)
	if err != nil {
		return 0, err
	}
	return remaining(g.cfg.MaxAttempts, n), nil
}

// BlockedFor returns the counter TTL once the pair is blocked.
func (g *Redis) BlockedFor(ctx context.Context, client, principal string) (time.Duration, error) {
	n, err := g.attempts(ctx, client, principal)
	if err != nil || n < g.cfg.MaxAttempts {
		return 0, err
	}

	ttl, err := g.redis.PTTL(ctx, g.key(client, principal)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// RecordSuccess deletes the counter.
func (g *Redis) RecordSuccess(ctx context.Context, client, principal string) error {
	if err := g.redis.Del(ctx, g.key(client, principal)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
