package loginguard

import (
	"context"
	"time"

	"github.com/brandshop/authcore/internal/expiring"
)

// Memory is a process-local Guard.
type Memory struct {
	cfg      Config
	attempts *expiring.Cache[string, int]
}

// NewMemory returns a guard using cfg. Zero fields take the defaults.
func NewMemory(cfg Config, opts ...expiring.Option) *Memory {
	return &Memory{cfg: withDefaults(cfg), attempts: expiring.New[string, int](opts...)}
}

// Reserve takes an attempt under the key lock unless the pair is blocked.
func (m *Memory) Reserve(_ context.Context, client, principal string) (int, bool, error) {
	var (
		n       int
		allowed bool
	)
	m.attempts.Update(Key(client, principal), func(cur expiring.Entry[int], ok bool) (expiring.Entry[int], expiring.Action) {
		if cur.Value >= m.cfg.MaxAttempts {
			n = cur.Value
			return cur, expiring.Skip
		}
		n, allowed = cur.Value+1, true
		return expiring.Entry[int]{Value: n, ExpiresAt: m.attempts.Now().Add(m.cfg.BlockDuration)}, expiring.Store
	})
	return n, allowed, nil
}

// Release gives back one reserved attempt.
func (m *Memory) Release(_ context.Context, client, principal string) error {
	m.attempts.Update(Key(client, principal), func(cur expiring.Entry[int], ok bool) (expiring.Entry[int], expiring.Action) {
		switch {
		case !ok:
			return cur, expiring.Skip
		case cur.Value <= 1:
			return cur, expiring.Delete
		}
		cur.Value--
		return cur, expiring.Store
	})
	return nil
}

// RecordFailure counts a failure and re-arms the expiry.
func (m *Memory) RecordFailure(_ context.Context, client, principal string) (int, error) {
	var n int
	m.attempts.Update(Key(client, principal), func(cur expiring.Entry[int], ok bool) (expiring.Entry[int], expiring.Action) {
		n = cur.Value + 1
		return expiring.Entry[int]{Value: n, ExpiresAt: m.attempts.Now().Add(m.cfg.BlockDuration)}, expiring.Store
	})
	return n, nil
}

// IsBlocked reports whether the pair reached MaxAttempts.
func (m *Memory) IsBlocked(_ context.Context, client, principal string) (bool, error) {
	n, _ := m.attempts.Get(Key(client, principal))
	return n >= m.cfg.MaxAttempts, nil
}

// RemainingAttempts returns how many failures the pair has left.
func (m *Memory) RemainingAttempts(_ context.Context, client, principal string) (int, error) {
	n, _ := m.attempts.Get(Key(client, principal))
	return remaining(m.cfg.MaxAttempts, n), nil
}

// BlockedFor returns the time until the block lapses.
func (m *Memory) BlockedFor(_ context.Context, client, principal string) (time.Duration, error) {
	entry, ok := m.attempts.Lookup(Key(client, principal))
	if !ok || entry.Value < m.cfg.MaxAttempts {
		return 0, nil
	}
	return entry.ExpiresAt.Sub(m.attempts.Now()), nil
}

// RecordSuccess clears the counter.
func (m *Memory) RecordSuccess(_ context.Context, client, principal string) error {
	m.attempts.Delete(Key(client, principal))
	return nil
}

// Sweep drops lapsed counters.
func (m *Memory) Sweep() int {
	return m.attempts.Sweep()
}

func withDefaults(cfg Config) Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}
	return cfg
}
