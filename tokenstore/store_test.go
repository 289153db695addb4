package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brandshop/authcore/internal/expiring"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	name    string
	store   Store
	advance func(time.Duration)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func backends(t *testing.T) []backend {
	t.Helper()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	mr, client := newTestRedis(t)

	return []backend{
		{name: "memory", store: NewMemory(expiring.WithClock(clock.Now)), advance: clock.Advance},
		{name: "redis", store: NewRedis(client, "test"), advance: mr.FastForward},
	}
}

func TestBlacklist(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ok, err := b.store.IsBlacklisted(ctx, "access-1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, b.store.BlacklistAccessToken(ctx, "access-1", time.Minute))
			require.NoError(t, b.store.BlacklistAccessToken(ctx, "access-1", time.Minute))

			ok, err = b.store.IsBlacklisted(ctx, "access-1")
			require.NoError(t, err)
			assert.True(t, ok)

			b.advance(2 * time.Minute)

			ok, err = b.store.IsBlacklisted(ctx, "access-1")
			require.NoError(t, err)
			assert.False(t, ok, "blacklist entry must lapse with the token")
		})
	}
}

func TestBlacklistIgnoresNonPositiveTTL(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			require.NoError(t, b.store.BlacklistAccessToken(ctx, "already-expired", 0))
			ok, err := b.store.IsBlacklisted(ctx, "already-expired")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			_, err := b.store.GetRefreshToken(ctx, "alice")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.store.StoreRefreshToken(ctx, "alice", "r1", time.Hour))
			require.NoError(t, b.store.StoreRefreshToken(ctx, "alice", "r2", time.Hour))

			got, err := b.store.GetRefreshToken(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, "r2", got, "store must replace the previous token")

			require.NoError(t, b.store.RemoveRefreshToken(ctx, "alice"))
			_, err = b.store.GetRefreshToken(ctx, "alice")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.store.RemoveRefreshToken(ctx, "alice"))
		})
	}
}

func TestRefreshTokenExpires(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			require.NoError(t, b.store.StoreRefreshToken(ctx, "bob", "r1", time.Hour))
			b.advance(time.Hour + time.Second)

			_, err := b.store.GetRefreshToken(ctx, "bob")
			require.ErrorIs(t, err, ErrNotFound)

			err = b.store.RotateRefreshToken(ctx, "bob", "r1", "r2", time.Hour)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRotateRefreshToken(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			require.NoError(t, b.store.StoreRefreshToken(ctx, "carol", "r1", time.Hour))

			require.NoError(t, b.store.RotateRefreshToken(ctx, "carol", "r1", "r2", time.Hour))

			err := b.store.RotateRefreshToken(ctx, "carol", "r1", "r3", time.Hour)
			require.ErrorIs(t, err, ErrTokenMismatch)

			got, err := b.store.GetRefreshToken(ctx, "carol")
			require.NoError(t, err)
			assert.Equal(t, "r2", got, "failed rotation must not modify the live token")

			err = b.store.RotateRefreshToken(ctx, "nobody", "r1", "r2", time.Hour)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestConcurrentRotationHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	const workers = 32

	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			require.NoError(t, b.store.StoreRefreshToken(ctx, "dave", "seed", time.Hour))

			var (
				wins    atomic.Int32
				winner  atomic.Value
				wg      sync.WaitGroup
				start   = make(chan struct{})
				badErrs = make(chan error, workers)
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					next := fmt.Sprintf("next-%d", i)
					err := b.store.RotateRefreshToken(ctx, "dave", "seed", next, time.Hour)
					switch {
					case err == nil:
						wins.Add(1)
						winner.Store(next)
					case errors.Is(err, ErrTokenMismatch):
					default:
						badErrs <- err
					}
				}(i)
			}
			close(start)
			wg.Wait()
			close(badErrs)

			for err := range badErrs {
				t.Fatalf("unexpected rotation error: %v", err)
			}
			require.Equal(t, int32(1), wins.Load())

			got, err := b.store.GetRefreshToken(ctx, "dave")
			require.NoError(t, err)
			assert.Equal(t, winner.Load(), got)
		})
	}
}

func TestTokenVersions(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			v, err := b.store.GetTokenVersion(ctx, "erin")
			require.NoError(t, err)
			assert.Equal(t, DefaultTokenVersion, v)
			_, found, err := b.store.LookupTokenVersion(ctx, "erin")
			require.NoError(t, err)
			assert.False(t, found)

			v, err = b.store.IncrementTokenVersion(ctx, "erin")
			require.NoError(t, err)
			assert.Equal(t, int64(2), v)
			v, found, err = b.store.LookupTokenVersion(ctx, "erin")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, int64(2), v)

			require.NoError(t, b.store.StoreTokenVersion(ctx, "erin", 7))
			v, err = b.store.GetTokenVersion(ctx, "erin")
			require.NoError(t, err)
			assert.Equal(t, int64(7), v)

			v, err = b.store.IncrementTokenVersion(ctx, "erin")
			require.NoError(t, err)
			assert.Equal(t, int64(8), v)

			b.advance(365 * 24 * time.Hour)
			v, err = b.store.GetTokenVersion(ctx, "erin")
			require.NoError(t, err)
			assert.Equal(t, int64(8), v, "versions never expire")
		})
	}
}

func TestMemorySweep(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := NewMemory(expiring.WithClock(clock.Now))

	require.NoError(t, store.BlacklistAccessToken(ctx, "a", time.Minute))
	require.NoError(t, store.StoreRefreshToken(ctx, "frank", "r1", time.Minute))
	require.NoError(t, store.StoreRefreshToken(ctx, "grace", "r1", time.Hour))
	require.NoError(t, store.StoreTokenVersion(ctx, "frank", 3))

	clock.Advance(2 * time.Minute)

	removed, err := store.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = store.GetRefreshToken(ctx, "grace")
	require.NoError(t, err)
	v, err := store.GetTokenVersion(ctx, "frank")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestRedisUnavailable(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewRedis(client, "")
	mr.Close()

	_, err := store.IsBlacklisted(ctx, "x")
	require.ErrorIs(t, err, ErrUnavailable)

	err = store.RotateRefreshToken(ctx, "x", "a", "b", time.Minute)
	require.ErrorIs(t, err, ErrUnavailable)

	_, err = store.Ping(ctx)
	require.ErrorIs(t, err, ErrUnavailable)
}
