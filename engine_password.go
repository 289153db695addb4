package authcore

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/mediator"
	"github.com/brandshop/authcore/password"
	"github.com/brandshop/authcore/principal"
)

func (e *Engine) handleChangePassword(ctx context.Context, req mediator.Request) (any, error) {
	cmd := req.(ChangePasswordCommand)

	p, err := e.principals.FindByUsername(ctx, cmd.Username)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			e.metricInc(MetricPasswordChangeFailure)
			return nil, InvalidCredentials(-1)
		}
		return nil, Unexpected(err)
	}

	ok, err := e.verifier.Verify(cmd.CurrentPassword, p.PasswordHash)
	if err != nil && !errors.Is(err, password.ErrPasswordTooLong) {
		return nil, Unexpected(err)
	}
	if !ok {
		failure := InvalidCredentials(-1)
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, audit.PasswordChange, audit.SeverityWarning, p.Username, "current password mismatch", failure, nil)
		return nil, failure
	}

	if err := e.checkPassword(cmd.NewPassword); err != nil {
		e.metricInc(MetricPasswordChangeFailure)
		return nil, err
	}
	if cmd.NewPassword == cmd.CurrentPassword {
		e.metricInc(MetricPasswordChangeFailure)
		return nil, InvalidPassword(ReasonSameAsOld)
	}

	if err := e.setPassword(ctx, p, cmd.NewPassword); err != nil {
		return nil, Unexpected(err)
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, audit.PasswordChange, audit.SeverityInfo, p.Username, "password changed", nil, nil)
	return nil, nil
}

// checkPassword enforces the password policy on a new password.
func (e *Engine) checkPassword(pw string) error {
	if pw == "" {
		return InvalidPassword(ReasonEmpty)
	}
	if utf8.RuneCountInString(pw) < e.config.Password.MinLength {
		return InvalidPassword(ReasonTooShort)
	}
	return nil
}

// setPassword rehashes, bumps the token version and drops the refresh
// token, so every session issued before the change is dead.
func (e *Engine) setPassword(ctx context.Context, p *principal.Principal, pw string) error {
	hash, err := e.verifier.Hash(pw)
	if err != nil {
		return err
	}
	if _, err := e.tokenVersion(ctx, p); err != nil {
		return err
	}
	version, err := e.tokens.IncrementTokenVersion(ctx, p.ID)
	if err != nil {
		return err
	}
	if err := e.tokens.RemoveRefreshToken(ctx, p.ID); err != nil {
		return err
	}

	p.PasswordHash = hash
	p.TokenVersion = version
	p.UpdatedAt = e.now().UTC()
	return e.principals.Save(ctx, p)
}

// findByIdentifier accepts a username or an e-mail address.
func (e *Engine) findByIdentifier(ctx context.Context, identifier string) (*principal.Principal, error) {
	p, err := e.principals.FindByUsername(ctx, identifier)
	if errors.Is(err, principal.ErrNotFound) {
		return e.principals.FindByEmail(ctx, identifier)
	}
	return p, err
}
