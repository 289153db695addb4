// Package tokenstore keeps the access-token blacklist, the single live
// refresh token per principal, and per-principal token versions.
//
// Two backends implement Store: Memory (sharded expiring maps, one critical
// section per key) and Redis (SET PX plus Lua compare-and-set). Both guarantee
// that RotateRefreshToken is atomic per principal: of N concurrent rotations
// presenting the same token exactly one succeeds.
package tokenstore

import (
	"context"
	"errors"
	"time"
)

// DefaultTokenVersion is reported for principals with no stored version.
const DefaultTokenVersion int64 = 1

var (
	// ErrNotFound reports a missing or expired refresh token.
	ErrNotFound = errors.New("refresh token not found")
	// ErrTokenMismatch reports a rotation that presented a stale token.
	ErrTokenMismatch = errors.New("refresh token mismatch")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("token store unavailable")
)

// Store is the token lifecycle backend used by the auth engine.
type Store interface {
	// BlacklistAccessToken revokes token until ttl elapses. Idempotent; a
	// non-positive ttl is a no-op.
	BlacklistAccessToken(ctx context.Context, token string, ttl time.Duration) error
	IsBlacklisted(ctx context.Context, token string) (bool, error)

	// StoreRefreshToken replaces any live refresh token of principalID in one
	// atomic step.
	StoreRefreshToken(ctx context.Context, principalID, token string, ttl time.Duration) error
	GetRefreshToken(ctx context.Context, principalID string) (string, error)
	RemoveRefreshToken(ctx context.Context, principalID string) error
	// RotateRefreshToken swaps presented for next only if presented is the
	// live token.
	RotateRefreshToken(ctx context.Context, principalID, presented, next string, ttl time.Duration) error

	StoreTokenVersion(ctx context.Context, principalID string, version int64) error
	// GetTokenVersion returns DefaultTokenVersion when nothing is stored.
	GetTokenVersion(ctx context.Context, principalID string) (int64, error)
	// LookupTokenVersion reports whether a version is stored at all, so a
	// lost store can be told apart from a principal still at the default.
	LookupTokenVersion(ctx context.Context, principalID string) (int64, bool, error)
	IncrementTokenVersion(ctx context.Context, principalID string) (int64, error)

	// Sweep drops expired entries. Backends with native expiry return 0.
	Sweep(ctx context.Context) (int, error)
}
