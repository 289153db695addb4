package resetstore

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/brandshop/authcore/internal"
	"github.com/brandshop/authcore/internal/expiring"
)

// Memory keeps two indices: byIdentifier is authoritative, byToken only
// speeds up Resolve. Writes lock byIdentifier first and byToken inside it,
// never the reverse.
type Memory struct {
	byIdentifier *expiring.Cache[string, string]
	byToken      *expiring.Cache[string, string]
}

// NewMemory returns an empty store.
func NewMemory(opts ...expiring.Option) *Memory {
	return &Memory{
		byIdentifier: expiring.New[string, string](opts...),
		byToken:      expiring.New[string, string](opts...),
	}
}

// CreateToken replaces any live token of identifier.
func (m *Memory) CreateToken(_ context.Context, identifier string, ttl time.Duration) (string, error) {
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

	m.byIdentifier.Update(identifier, func(cur expiring.Entry[string], ok bool) (expiring.Entry[string], expiring.Action) {
		if ok {
			m.byToken.Delete(cur.Value)
		}
		m.byToken.Set(token, identifier, ttl)
		return expiring.Entry[string]{Value: token, ExpiresAt: m.byIdentifier.Now().Add(ttl)}, expiring.Store
	})
	return token, nil
}

// Resolve returns the owner of a live token.
func (m *Memory) Resolve(_ context.Context, token string) (string, error) {
	identifier, ok := m.byToken.Get(token)
	if !ok {
		return "", ErrNotFound
	}

	live, ok := m.byIdentifier.Get(identifier)
	if !ok || subtle.ConstantTimeCompare([]byte(live), []byte(token)) != 1 {
		m.byToken.Delete(token)
		return "", ErrNotFound
	}
	return identifier, nil
}

// Consume checks and deletes both indices inside the identifier's critical
// section.
func (m *Memory) Consume(_ context.Context, token, identifier string) error {
	if identifier == "" {
		return ErrNotFound
	}

	err := ErrNotFound
	m.byIdentifier.Update(identifier, func(cur expiring.Entry[string], ok bool) (expiring.Entry[string], expiring.Action) {
		if !ok || subtle.ConstantTimeCompare([]byte(cur.Value), []byte(token)) != 1 {
			return cur, expiring.Skip
		}
		m.byToken.Delete(token)
		err = nil
		return cur, expiring.Delete
	})
	return err
}

// HasActiveToken reports whether identifier has a live token.
func (m *Memory) HasActiveToken(_ context.Context, identifier string) (bool, error) {
	_, ok := m.byIdentifier.Get(identifier)
	return ok, nil
}

// RemoveToken deletes token. Unknown tokens are ignored.
func (m *Memory) RemoveToken(_ context.Context, token string) error {
	identifier, ok := m.byToken.Get(token)
	if !ok {
		return nil
	}

	m.byIdentifier.Update(identifier, func(cur expiring.Entry[string], ok bool) (expiring.Entry[string], expiring.Action) {
		m.byToken.Delete(token)
		if ok && cur.Value == token {
			return cur, expiring.Delete
		}
		return cur, expiring.Skip
	})
	return nil
}

// SweepExpired reports how many tokens lapsed.
func (m *Memory) SweepExpired(context.Context) (int, error) {
	removed := m.byIdentifier.Sweep()
	m.byToken.Sweep()
	return removed, nil
}
