package tokenstore

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/brandshop/authcore/internal/expiring"
)

// Memory is a process-local Store.
type Memory struct {
	blacklist *expiring.Cache[string, struct{}]
	refresh   *expiring.Cache[string, string]
	versions  *expiring.Cache[string, int64]
}

// NewMemory returns an empty in-memory store. Options apply to every
// underlying cache.
func NewMemory(opts ...expiring.Option) *Memory {
	return &Memory{
		blacklist: expiring.New[string, struct{}](opts...),
		refresh:   expiring.New[string, string](opts...),
		versions:  expiring.New[string, int64](opts...),
	}
}

// BlacklistAccessToken revokes token until ttl elapses.
func (m *Memory) BlacklistAccessToken(_ context.Context, token string, ttl time.Duration) error {
	if token == "" || ttl <= 0 {
		return nil
	}
	m.blacklist.Set(token, struct{}{}, ttl)
	return nil
}

// IsBlacklisted reports whether token is revoked.
func (m *Memory) IsBlacklisted(_ context.Context, token string) (bool, error) {
	_, ok := m.blacklist.Get(token)
	return ok, nil
}

// StoreRefreshToken replaces the live refresh token of principalID.
func (m *Memory) StoreRefreshToken(_ context.Context, principalID, token string, ttl time.Duration) error {
	m.refresh.Update(principalID, func(cur expiring.Entry[string], ok bool) (expiring.Entry[string], expiring.Action) {
		return expiring.Entry[string]{Value: token, ExpiresAt: m.expiry(ttl)}, expiring.Store
	})
	return nil
}

// GetRefreshToken returns the live refresh token or ErrNotFound.
func (m *Memory) GetRefreshToken(_ context.Context, principalID string) (string, error) {
	token, ok := m.refresh.Get(principalID)
	if !ok {
		return "", ErrNotFound
	}
	return token, nil
}

// RemoveRefreshToken drops the live refresh token, if any.
func (m *Memory) RemoveRefreshToken(_ context.Context, principalID string) error {
	m.refresh.Delete(principalID)
	return nil
}

// RotateRefreshToken swaps presented for next under the key lock.
func (m *Memory) RotateRefreshToken(_ context.Context, principalID, presented, next string, ttl time.Duration) error {
	var err error
	m.refresh.Update(principalID, func(cur expiring.Entry[string], ok bool) (expiring.Entry[string], expiring.Action) {
		if !ok {
			err = ErrNotFound
			return cur, expiring.Skip
		}
		if subtle.ConstantTimeCompare([]byte(cur.Value), []byte(presented)) != 1 {
			err = ErrTokenMismatch
			return cur, expiring.Skip
		}
		return expiring.Entry[string]{Value: next, ExpiresAt: m.expiry(ttl)}, expiring.Store
	})
	return err
}

// StoreTokenVersion sets the version without expiry.
func (m *Memory) StoreTokenVersion(_ context.Context, principalID string, version int64) error {
	m.versions.Set(principalID, version, 0)
	return nil
}

// GetTokenVersion returns the stored version or DefaultTokenVersion.
func (m *Memory) GetTokenVersion(ctx context.Context, principalID string) (int64, error) {
	v, ok, _ := m.LookupTokenVersion(ctx, principalID)
	if !ok {
		return DefaultTokenVersion, nil
	}
	return v, nil
}

// LookupTokenVersion returns the stored version and whether one exists.
func (m *Memory) LookupTokenVersion(_ context.Context, principalID string) (int64, bool, error) {
	v, ok := m.versions.Get(principalID)
	return v, ok, nil
}

// IncrementTokenVersion bumps the version, starting from the default.
func (m *Memory) IncrementTokenVersion(_ context.Context, principalID string) (int64, error) {
	var next int64
	m.versions.Update(principalID, func(cur expiring.Entry[int64], ok bool) (expiring.Entry[int64], expiring.Action) {
		if !ok {
			cur.Value = DefaultTokenVersion
		}
		next = cur.Value + 1
		return expiring.Entry[int64]{Value: next}, expiring.Store
	})
	return next, nil
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.refresh.Now().Add(ttl)
}

// Sweep drops lapsed blacklist and refresh entries. Versions never lapse.
func (m *Memory) Sweep(_ context.Context) (int, error) {
	return m.blacklist.Sweep() + m.refresh.Sweep(), nil
}
