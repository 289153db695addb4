package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/brandshop/authcore/internal"
	"github.com/redis/go-redis/v9"
)

const (
	rotateStatusNotFound int64 = 0
	rotateStatusMismatch int64 = 1
	rotateStatusRotated  int64 = 2
)

// KEYS[1] refresh key. ARGV: presented, next, ttl ms (0 keeps no expiry).
const rotateRefreshScript = `
local current = redis.call("GET", KEYS[1])
if not current then
  return 0
end
if current ~= ARGV[1] then
  return 1
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
else
  redis.call("SET", KEYS[1], ARGV[2])
end
return 2
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

// KEYS[1] version key. ARGV[1] default version.
const incrementVersionScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or ARGV[1])
local bumped = current + 1
redis.call("SET", KEYS[1], bumped)
return bumped
`

var incrementVersionLua = redis.NewScript(incrementVersionScript)

// Redis is a Store shared by every node pointing at the same Redis.
// Blacklisted access tokens are keyed by their sha256 so raw bearer tokens
// never reach Redis.
type Redis struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis-backed store. An empty prefix defaults to "ts".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "ts"
	}
	return &Redis{redis: client, prefix: prefix}
}

func (s *Redis) blacklistKey(token string) string {
	return s.prefix + ":bl:" + internal.HashToken(token)
}

func (s *Redis) refreshKey(principalID string) string {
	return s.prefix + ":rt:" + principalID
}

func (s *Redis) versionKey(principalID string) string {
	return s.prefix + ":tv:" + principalID
}

// BlacklistAccessToken stores the token hash with a PX expiry.
func (s *Redis) BlacklistAccessToken(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" || ttl <= 0 {
		return nil
	}
	if err := s.redis.Set(ctx, s.blacklistKey(token), 1, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsBlacklisted reports whether the token hash is present.
func (s *Redis) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.blacklistKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// StoreRefreshToken replaces the live refresh token of principalID.
func (s *Redis) StoreRefreshToken(ctx context.Context, principalID, token string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.redis.Set(ctx, s.refreshKey(principalID), token, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetRefreshToken returns the live refresh token or ErrNotFound.
func (s *Redis) GetRefreshToken(ctx context.Context, principalID string) (string, error) {
	token, err := s.redis.Get(ctx, s.refreshKey(principalID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return token, nil
}

// RemoveRefreshToken deletes the refresh key.
func (s *Redis) RemoveRefreshToken(ctx context.Context, principalID string) error {
	if err := s.redis.Del(ctx, s.refreshKey(principalID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RotateRefreshToken performs the compare-and-set in a single Lua call so
// concurrent rotations across nodes serialize inside Redis.
func (s *Redis) RotateRefreshToken(ctx context.Context, principalID, presented, next string, ttl time.Duration) error {
	ttlMillis := ttl.Milliseconds()
	if ttlMillis < 0 {
		ttlMillis = 0
	}

	code, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{s.refreshKey(principalID)},
		presented,
		next,
		ttlMillis,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch code {
	case rotateStatusRotated:
		return nil
	case rotateStatusNotFound:
		return ErrNotFound
	case rotateStatusMismatch:
		return ErrTokenMismatch
	default:
		return fmt.Errorf("%w: unknown rotate status %d", ErrUnavailable, code)
	}
}

// StoreTokenVersion sets the version without expiry.
func (s *Redis) StoreTokenVersion(ctx context.Context, principalID string, version int64) error {
	if err := s.redis.Set(ctx, s.versionKey(principalID), version, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// GetTokenVersion returns the stored version or DefaultTokenVersion.
func (s *Redis) GetTokenVersion(ctx context.Context, principalID string) (int64, error) {
	v, ok, err := s.LookupTokenVersion(ctx, principalID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return DefaultTokenVersion, nil
	}
	return v, nil
}

// LookupTokenVersion returns the stored version and whether the key exists.
func (s *Redis) LookupTokenVersion(ctx context.Context, principalID string) (int64, bool, error) {
	raw, err := s.redis.Get(ctx, s.versionKey(principalID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: corrupt token version: %v", ErrUnavailable, err)
	}
	return v, true, nil
}

// IncrementTokenVersion bumps the version in one Lua call.
func (s *Redis) IncrementTokenVersion(ctx context.Context, principalID string) (int64, error) {
	v, err := incrementVersionLua.Run(
		ctx,
		s.redis,
		[]string{s.versionKey(principalID)},
		DefaultTokenVersion,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, nil
}

// Sweep is a no-op; Redis expires keys itself.
func (s *Redis) Sweep(context.Context) (int, error) {
	return 0, nil
}

// Ping reports Redis availability and round-trip latency.
func (s *Redis) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return time.Since(start), nil
}
