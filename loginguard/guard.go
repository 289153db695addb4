// Package loginguard counts failed logins per (client, principal) pair and
// blocks further attempts once a threshold is reached.
//
// The counter lives for BlockDuration after the most recent failure, so each
// failure extends the block (sliding window). A successful login clears it.
//
// Reserve checks the block and takes an attempt in one atomic step, so
// concurrent guesses can never run more than MaxAttempts password checks.
package loginguard

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultMaxAttempts   = 5
	DefaultBlockDuration = 30 * time.Minute

	unknownClient = "unknown"
)

// ErrUnavailable wraps backend failures.
var ErrUnavailable = errors.New("login guard backend unavailable")

// Config bounds failed attempts.
type Config struct {
	MaxAttempts   int           `yaml:"max_attempts" envconfig:"MAX_ATTEMPTS"`
	BlockDuration time.Duration `yaml:"block_duration" envconfig:"BLOCK_DURATION"`
}

// DefaultConfig returns 5 attempts per 30 minutes.
func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, BlockDuration: DefaultBlockDuration}
}

// Validate rejects non-positive bounds.
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return errors.New("lockout MaxAttempts must be > 0")
	}
	if c.BlockDuration <= 0 {
		return errors.New("lockout BlockDuration must be > 0")
	}
	return nil
}

// Guard is implemented by Memory and Redis.
type Guard interface {
	// Reserve takes one attempt unless the pair is already blocked. It
	// returns the attempt count including the reservation and false when
	// the pair is blocked, in which case nothing changes. A reserved
	// attempt stands as a failure until Release or RecordSuccess.
	Reserve(ctx context.Context, client, principal string) (int, bool, error)
	// Release returns one reserved attempt without re-arming the expiry.
	Release(ctx context.Context, client, principal string) error
	// RecordFailure bumps the counter and returns the new attempt count.
	RecordFailure(ctx context.Context, client, principal string) (int, error)
	IsBlocked(ctx context.Context, client, principal string) (bool, error)
	RemainingAttempts(ctx context.Context, client, principal string) (int, error)
	// BlockedFor is zero unless the pair is blocked.
	BlockedFor(ctx context.Context, client, principal string) (time.Duration, error)
	RecordSuccess(ctx context.Context, client, principal string) error
}

// Key builds the counter key. An empty client maps to "unknown".
func Key(client, principal string) string {
	if client == "" {
		client = unknownClient
	}
	return client + ":" + principal
}

// MinutesLeft rounds d up to whole minutes.
func MinutesLeft(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}

func remaining(max, attempts int) int {
	if attempts >= max {
		return 0
	}
	return max - attempts
}
