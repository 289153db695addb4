// Package resetstore issues single-use password-reset tokens. Each
// identifier (the engine uses principal IDs) has at most one live token;
// issuing a new one invalidates the previous.
package resetstore

import (
	"context"
	"errors"
	"time"
)

// DefaultTTL is how long a reset token stays valid.
const DefaultTTL = 24 * time.Hour

var (
	// ErrNotFound reports an unknown, consumed, superseded or expired token.
	ErrNotFound = errors.New("reset token not found")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("reset store unavailable")
	// ErrEmptyIdentifier rejects tokens without an owner.
	ErrEmptyIdentifier = errors.New("reset identifier is empty")
)

// Store is implemented by Memory and Redis.
type Store interface {
	// CreateToken replaces any live token for identifier and returns the new one.
	CreateToken(ctx context.Context, identifier string, ttl time.Duration) (string, error)
	Resolve(ctx context.Context, token string) (string, error)
	// Consume deletes token only if it is the live token of identifier.
	// Of several concurrent calls with the same token at most one returns
	// nil; the rest get ErrNotFound.
	Consume(ctx context.Context, token, identifier string) error
	HasActiveToken(ctx context.Context, identifier string) (bool, error)
	RemoveToken(ctx context.Context, token string) error
	SweepExpired(ctx context.Context) (int, error)
}
