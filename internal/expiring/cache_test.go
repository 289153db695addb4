package expiring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func TestGetEvictsExpiredEntries(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](WithClock(clock.Now))

	c.Set("a", 1, time.Second)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok, "entry must be absent at its expiry instant")
	assert.Equal(t, 0, c.Len(), "expired entry must be evicted on read")
}

func TestSetWithoutTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](WithClock(clock.Now))

	c.Set("v", 3, 0)
	clock.Advance(365 * 24 * time.Hour)

	v, ok := c.Get("v")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	c := New[string, string](WithClock(clock.Now), WithShards(4))

	c.Set("short-1", "x", time.Second)
	c.Set("short-2", "x", time.Second)
	c.Set("long", "y", time.Hour)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())

	_, ok := c.Get("long")
	assert.True(t, ok)
}

func TestUpdateSeesExpiredAsAbsent(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](WithClock(clock.Now))

	c.Set("k", 10, time.Second)
	clock.Advance(time.Minute)

	var sawExisting bool
	c.Update("k", func(cur Entry[int], ok bool) (Entry[int], Action) {
		sawExisting = ok
		return Entry[int]{Value: cur.Value + 1, ExpiresAt: clock.Now().Add(time.Second)}, Store
	})

	assert.False(t, sawExisting)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestUpdateActions(t *testing.T) {
	c := New[string, int]()
	c.Set("k", 1, 0)

	c.Update("k", func(cur Entry[int], ok bool) (Entry[int], Action) {
		return Entry[int]{Value: 99}, Skip
	})
	v, _ := c.Get("k")
	assert.Equal(t, 1, v)

	c.Update("k", func(cur Entry[int], ok bool) (Entry[int], Action) {
		return cur, Delete
	})
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestUpdateIsAtomicPerKey(t *testing.T) {
	c := New[string, int]()

	const workers = 64
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				c.Update("counter", func(cur Entry[int], ok bool) (Entry[int], Action) {
					cur.Value++
					return cur, Store
				})
			}
		}()
	}
	wg.Wait()

	v, ok := c.Get("counter")
	require.True(t, ok)
	assert.Equal(t, workers*perWorker, v)
}

func TestLookupReturnsExpiry(t *testing.T) {
	clock := newFakeClock()
	c := New[string, bool](WithClock(clock.Now))

	c.Set("t", true, 30*time.Minute)
	entry, ok := c.Lookup("t")
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(30*time.Minute), entry.ExpiresAt)
}
