// Package principal defines the account record the auth engine works on and
// the repositories that persist it.
package principal

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports a missing principal.
	ErrNotFound = errors.New("principal not found")
	// ErrConflict reports a username or e-mail already taken by another id.
	ErrConflict = errors.New("principal already exists")
)

// Principal is an authenticatable account.
type Principal struct {
	ID                string
	Username          string
	Email             string
	PasswordHash      string
	Active            bool
	Verified          bool
	VerificationCode  string
	NotifyDestination string
	TokenVersion      int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// View is a Principal without secrets, safe to hand to callers.
type View struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Active    bool      `json:"active"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

// View strips the password hash and verification code.
func (p *Principal) View() View {
	return View{
		ID:        p.ID,
		Username:  p.Username,
		Email:     p.Email,
		Active:    p.Active,
		Verified:  p.Verified,
		CreatedAt: p.CreatedAt,
	}
}

// Repository loads and saves principals. Find methods return ErrNotFound
// when nothing matches.
type Repository interface {
	FindByUsername(ctx context.Context, username string) (*Principal, error)
	FindByEmail(ctx context.Context, email string) (*Principal, error)
	FindByID(ctx context.Context, id string) (*Principal, error)
	// Save inserts or updates by ID.
	Save(ctx context.Context, p *Principal) error
}
