package resetstore

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/brandshop/authcore/internal"
	"github.com/redis/go-redis/v9"
)

const maxRetries = 4

// KEYS[1] identifier key, KEYS[2] token key. ARGV[1] token hash.
const consumeScript = `
local live = redis.call("GET", KEYS[1])
if not live or live ~= ARGV[1] then
  return 0
end
redis.call("DEL", KEYS[1], KEYS[2])
return 1
`

var consumeLua = redis.NewScript(consumeScript)

// Redis stores only token hashes:
//
//	<prefix>:t:<sha256(token)> -> identifier
//	<prefix>:i:<identifier>    -> sha256(token)
//
// Both keys are written in one MULTI with the same TTL.
type Redis struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRedis creates a Redis-backed store. An empty prefix defaults to "rs".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "rs"
	}
	return &Redis{redis: client, prefix: prefix}
}

func (s *Redis) tokenKey(hash string) string {
	return s.prefix + ":t:" + hash
}

func (s *Redis) identifierKey(identifier string) string {
	return s.prefix + ":i:" + identifier
}

// CreateToken watches the identifier key so two concurrent requests for the
// same address cannot both leave a live token behind.
func (s *Redis) CreateToken(ctx context.Context, identifier string, ttl time.Duration) (string, error) {
	if identifier == "" {
		return "", ErrEmptyIdentifier
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token, err := internal.NewToken()
	if err != nil {
		return "", err
	}
	hash := internal.HashToken(token)
	idKey := s.identifierKey(identifier)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			previous, err := tx.Get(ctx, idKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if previous != "" {
					pipe.Del(ctx, s.tokenKey(previous))
				}
				pipe.Set(ctx, s.tokenKey(hash), identifier, ttl)
				pipe.Set(ctx, idKey, hash, ttl)
				return nil
			})
			return err
		}, idKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return token, nil
	}

	return "", fmt.Errorf("%w: too much contention on %q", ErrUnavailable, identifier)
}

// Resolve returns the owner of a live token.
func (s *Redis) Resolve(ctx context.Context, token string) (string, error) {
	hash := internal.HashToken(token)

	identifier, err := s.redis.Get(ctx, s.tokenKey(hash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	live, err := s.redis.Get(ctx, s.identifierKey(identifier)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if subtle.ConstantTimeCompare([]byte(live), []byte(hash)) != 1 {
		return "", ErrNotFound
	}
	return identifier, nil
}

// Consume compares and deletes both keys in one Lua call.
func (s *Redis) Consume(ctx context.Context, token, identifier string) error {
	if identifier == "" {
		return ErrNotFound
	}
	hash := internal.HashToken(token)

	n, err := consumeLua.Run(ctx, s.redis,
		[]string{s.identifierKey(identifier), s.tokenKey(hash)},
		hash,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n != 1 {
		return ErrNotFound
	}
	return nil
}

// HasActiveToken reports whether identifier has a live token.
func (s *Redis) HasActiveToken(ctx context.Context, identifier string) (bool, error) {
	n, err := s.redis.Exists(ctx, s.identifierKey(identifier)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return n == 1, nil
}

// RemoveToken deletes token. Unknown tokens are ignored.
func (s *Redis) RemoveToken(ctx context.Context, token string) error {
	hash := internal.HashToken(token)
	tokenKey := s.tokenKey(hash)

	identifier, err := s.redis.Get(ctx, tokenKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	idKey := s.identifierKey(identifier)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			live, err := tx.Get(ctx, idKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, tokenKey)
				if live == hash {
					pipe.Del(ctx, idKey)
				}
				return nil
			})
			return err
		}, idKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil
	}

	return fmt.Errorf("%w: too much contention on %q", ErrUnavailable, identifier)
}

// SweepExpired is a no-op; both keys carry a TTL.
func (s *Redis) SweepExpired(context.Context) (int, error) {
	return 0, nil
}
