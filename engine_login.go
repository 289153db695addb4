package authcore

import (
	"context"
	"errors"
	"strconv"

	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/internal"
	"github.com/brandshop/authcore/loginguard"
	"github.com/brandshop/authcore/mediator"
	"github.com/brandshop/authcore/password"
	"github.com/brandshop/authcore/principal"
	"github.com/brandshop/authcore/tokenstore"
)

const tokenTypeBearer = "Bearer"

// handleLogin reserves an attempt before the password check so a blocked
// client learns nothing about the credentials it tries. The reservation
// stands as the failure unless the password turns out to be right.
func (e *Engine) handleLogin(ctx context.Context, req mediator.Request) (any, error) {
	cmd := req.(LoginCommand)
	client := clientIPFromContext(ctx)

	_, allowed, err := e.guard.Reserve(ctx, client, cmd.Username)
	if err != nil {
		return nil, Unexpected(err)
	}
	if !allowed {
		left, err := e.guard.BlockedFor(ctx, client, cmd.Username)
		if err != nil {
			return nil, Unexpected(err)
		}
		blockedErr := UserBlocked(cmd.Username, loginguard.MinutesLeft(left))
		e.metricInc(MetricLoginBlocked)
		e.emitAudit(ctx, audit.AccountLocked, audit.SeverityWarning, cmd.Username, "login attempt while blocked", blockedErr, nil)
		return nil, blockedErr
	}

	p, err := e.principals.FindByUsername(ctx, cmd.Username)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return nil, e.loginFailed(ctx, client, cmd.Username, "unknown user")
		}
		return nil, Unexpected(err)
	}
	if !p.Active {
		if err := e.guard.Release(ctx, client, cmd.Username); err != nil {
			return nil, Unexpected(err)
		}
		disabled := AccountDisabled(p.Username)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, audit.AccountDisabled, audit.SeverityWarning, p.Username, "login to disabled account", disabled, nil)
		return nil, disabled
	}

	ok, err := e.verifier.Verify(cmd.Password, p.PasswordHash)
	if err != nil && !errors.Is(err, password.ErrPasswordTooLong) {
		return nil, Unexpected(err)
	}
	if !ok {
		return nil, e.loginFailed(ctx, client, cmd.Username, "invalid password")
	}

	if !p.Verified {
		if err := e.guard.Release(ctx, client, cmd.Username); err != nil {
			return nil, Unexpected(err)
		}
		e.metricInc(MetricLoginUnverified)
		return nil, UserNotVerified(p.Username, p.VerificationCode)
	}

	if err := e.guard.RecordSuccess(ctx, client, cmd.Username); err != nil {
		return nil, Unexpected(err)
	}
	e.alerts.RegisterSuccessfulLogin(p.Username, client)

	version, err := e.tokenVersion(ctx, p)
	if err != nil {
		return nil, Unexpected(err)
	}
	refresh, err := internal.NewRefreshToken(p.ID)
	if err != nil {
		return nil, Unexpected(err)
	}
	tokens, err := e.newTokens(p, version, refresh)
	if err != nil {
		return nil, Unexpected(err)
	}
	if err := e.tokens.StoreRefreshToken(ctx, p.ID, refresh, e.config.JWT.RefreshTTL); err != nil {
		return nil, Unexpected(err)
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, audit.LoginSuccess, audit.SeverityInfo, p.Username, "login succeeded", nil, nil)
	return tokens, nil
}

// loginFailed reports a failure already counted by the reservation.
func (e *Engine) loginFailed(ctx context.Context, client, username, details string) error {
	left, err := e.guard.RemainingAttempts(ctx, client, username)
	if err != nil {
		return Unexpected(err)
	}

	failure := InvalidCredentials(left)
	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, audit.LoginFailure, audit.SeverityWarning, username, details, failure, func() map[string]string {
		return map[string]string{"attempts_left": strconv.Itoa(left)}
	})
	if left <= 1 {
		e.emitAudit(ctx, audit.BruteForceAttempt, audit.SeverityCritical, username,
			"repeated failed logins", failure, func() map[string]string {
				return map[string]string{"attempts_left": strconv.Itoa(left)}
			})
	}
	if e.config.Alert.Enabled {
		e.alerts.RegisterFailedLogin(ctx, username, client)
	}
	return failure
}

// tokenVersion returns the live version of p. A missing store entry or a
// repository version ahead of the store (e.g. after a memory store
// restart) is written back first.
func (e *Engine) tokenVersion(ctx context.Context, p *principal.Principal) (int64, error) {
	v, found, err := e.tokens.LookupTokenVersion(ctx, p.ID)
	if err != nil {
		return 0, err
	}
	want := max(p.TokenVersion, tokenstore.DefaultTokenVersion)
	if found && v >= want {
		return v, nil
	}
	if err := e.tokens.StoreTokenVersion(ctx, p.ID, want); err != nil {
		return 0, err
	}
	return want, nil
}

func (e *Engine) newTokens(p *principal.Principal, version int64, refresh string) (*Tokens, error) {
	access, expiresAt, err := e.jwt.CreateAccess(p.ID, p.Username, version)
	if err != nil {
		return nil, err
	}
	return &Tokens{
		AccessToken:     access,
		RefreshToken:    refresh,
		TokenType:       tokenTypeBearer,
		AccessExpiresAt: expiresAt,
		Username:        p.Username,
	}, nil
}
