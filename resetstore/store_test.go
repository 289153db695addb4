package resetstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brandshop/authcore/internal/expiring"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

type backend struct {
	name    string
	store   Store
	advance func(time.Duration)
}

func backends(t *testing.T) []backend {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return []backend{
		{name: "memory", store: NewMemory(expiring.WithClock(clock.Now)), advance: clock.Advance},
		{name: "redis", store: NewRedis(client, "test"), advance: mr.FastForward},
	}
}

func TestCreateAndResolve(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			token, err := b.store.CreateToken(ctx, "alice@example.com", time.Hour)
			require.NoError(t, err)
			require.NotEmpty(t, token)

			id, err := b.store.Resolve(ctx, token)
			require.NoError(t, err)
			assert.Equal(t, "alice@example.com", id)

			active, err := b.store.HasActiveToken(ctx, "alice@example.com")
			require.NoError(t, err)
			assert.True(t, active)

			_, err = b.store.Resolve(ctx, "not-a-token")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestNewTokenSupersedesOld(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			first, err := b.store.CreateToken(ctx, "bob@example.com", time.Hour)
			require.NoError(t, err)
			second, err := b.store.CreateToken(ctx, "bob@example.com", time.Hour)
			require.NoError(t, err)
			require.NotEqual(t, first, second)

			_, err = b.store.Resolve(ctx, first)
			require.ErrorIs(t, err, ErrNotFound)

			id, err := b.store.Resolve(ctx, second)
			require.NoError(t, err)
			assert.Equal(t, "bob@example.com", id)
		})
	}
}

func TestRemoveTokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			token, err := b.store.CreateToken(ctx, "carol@example.com", time.Hour)
			require.NoError(t, err)

			require.NoError(t, b.store.RemoveToken(ctx, token))
			require.NoError(t, b.store.RemoveToken(ctx, token))

			_, err = b.store.Resolve(ctx, token)
			require.ErrorIs(t, err, ErrNotFound)

			active, err := b.store.HasActiveToken(ctx, "carol@example.com")
			require.NoError(t, err)
			assert.False(t, active)
		})
	}
}

func TestRemovingSupersededTokenKeepsLiveOne(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			old, err := b.store.CreateToken(ctx, "dan@example.com", time.Hour)
			require.NoError(t, err)
			live, err := b.store.CreateToken(ctx, "dan@example.com", time.Hour)
			require.NoError(t, err)

			require.NoError(t, b.store.RemoveToken(ctx, old))

			id, err := b.store.Resolve(ctx, live)
			require.NoError(t, err)
			assert.Equal(t, "dan@example.com", id)
		})
	}
}

func TestExpiredTokenResolvesToNotFound(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			token, err := b.store.CreateToken(ctx, "erin@example.com", time.Hour)
			require.NoError(t, err)

			b.advance(time.Hour + time.Second)

			_, err = b.store.Resolve(ctx, token)
			require.ErrorIs(t, err, ErrNotFound)

			active, err := b.store.HasActiveToken(ctx, "erin@example.com")
			require.NoError(t, err)
			assert.False(t, active)
		})
	}
}

func TestEmptyIdentifierRejected(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			_, err := b.store.CreateToken(ctx, "", time.Hour)
			require.ErrorIs(t, err, ErrEmptyIdentifier)
		})
	}
}

func TestConcurrentCreateLeavesOneLiveToken(t *testing.T) {
	ctx := context.Background()
	const workers = 16

	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			tokens := make([]string, workers)
			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					token, err := b.store.CreateToken(ctx, "frank@example.com", time.Hour)
					if err == nil {
						tokens[i] = token
					}
				}(i)
			}
			wg.Wait()

			live := 0
			for _, token := range tokens {
				if token == "" {
					continue
				}
				if _, err := b.store.Resolve(ctx, token); err == nil {
					live++
				}
			}
			assert.Equal(t, 1, live, fmt.Sprintf("%d tokens resolve", live))
		})
	}
}

func TestMemorySweepExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := NewMemory(expiring.WithClock(clock.Now))

	_, err := store.CreateToken(ctx, "a@example.com", time.Minute)
	require.NoError(t, err)
	_, err = store.CreateToken(ctx, "b@example.com", time.Hour)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)

	removed, err := store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.byToken.Len())
	assert.Equal(t, 1, store.byIdentifier.Len())
}

func TestConsume(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			token, err := b.store.CreateToken(ctx, "p-1", time.Hour)
			require.NoError(t, err)

			require.ErrorIs(t, b.store.Consume(ctx, token, "p-2"), ErrNotFound, "other owner")
			require.ErrorIs(t, b.store.Consume(ctx, "not-a-token", "p-1"), ErrNotFound)

			require.NoError(t, b.store.Consume(ctx, token, "p-1"))
			require.ErrorIs(t, b.store.Consume(ctx, token, "p-1"), ErrNotFound, "single use")

			_, err = b.store.Resolve(ctx, token)
			require.ErrorIs(t, err, ErrNotFound)
			active, err := b.store.HasActiveToken(ctx, "p-1")
			require.NoError(t, err)
			assert.False(t, active)

			lapsed, err := b.store.CreateToken(ctx, "p-3", time.Minute)
			require.NoError(t, err)
			b.advance(2 * time.Minute)
			require.ErrorIs(t, b.store.Consume(ctx, lapsed, "p-3"), ErrNotFound)
		})
	}
}

func TestConcurrentConsumeHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	const workers = 16

	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			token, err := b.store.CreateToken(ctx, "p-race", time.Hour)
			require.NoError(t, err)

			var (
				wg    sync.WaitGroup
				mu    sync.Mutex
				wins  int
				start = make(chan struct{})
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					err := b.store.Consume(ctx, token, "p-race")
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
						return
					}
					assert.ErrorIs(t, err, ErrNotFound)
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, 1, wins)
		})
	}
}
