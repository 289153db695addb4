package authcore

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/internal"
	"github.com/brandshop/authcore/mediator"
	"github.com/brandshop/authcore/principal"
	"github.com/brandshop/authcore/tokenstore"
	"github.com/google/uuid"
)

const verificationCodeLength = 32

func (e *Engine) handleRegister(ctx context.Context, req mediator.Request) (any, error) {
	cmd := req.(RegisterCommand)
	username := strings.TrimSpace(cmd.Username)
	if username == "" {
		return nil, InvalidCredentials(-1)
	}
	if err := e.checkPassword(cmd.Password); err != nil {
		return nil, err
	}

	_, err := e.principals.FindByUsername(ctx, username)
	switch {
	case err == nil:
		e.metricInc(MetricRegisterDuplicate)
		return nil, UsernameExists(username)
	case !errors.Is(err, principal.ErrNotFound):
		return nil, Unexpected(err)
	}

	hash, err := e.verifier.Hash(cmd.Password)
	if err != nil {
		return nil, Unexpected(err)
	}
	code, err := internal.NewVerificationCode(verificationCodeLength)
	if err != nil {
		return nil, Unexpected(err)
	}

	now := e.now().UTC()
	p := &principal.Principal{
		ID:                uuid.NewString(),
		Username:          username,
		Email:             strings.TrimSpace(cmd.Email),
		PasswordHash:      hash,
		Active:            true,
		VerificationCode:  code,
		NotifyDestination: cmd.NotifyDestination,
		TokenVersion:      tokenstore.DefaultTokenVersion,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.principals.Save(ctx, p); err != nil {
		if errors.Is(err, principal.ErrConflict) {
			e.metricInc(MetricRegisterDuplicate)
			return nil, UsernameExists(username)
		}
		return nil, Unexpected(err)
	}

	e.metricInc(MetricRegisterSuccess)
	e.emitAudit(ctx, audit.UserCreated, audit.SeverityInfo, username, "user registered", nil, nil)

	return &RegisterResult{Principal: p.View(), VerificationCode: code}, nil
}

func (e *Engine) handleVerifyPrincipal(ctx context.Context, req mediator.Request) (any, error) {
	cmd := req.(VerifyPrincipalCommand)

	p, err := e.principals.FindByUsername(ctx, cmd.Username)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return nil, UserNotFound(cmd.Username)
		}
		return nil, Unexpected(err)
	}
	if p.Verified {
		return p.View(), nil
	}
	if cmd.Code == "" || subtle.ConstantTimeCompare([]byte(cmd.Code), []byte(p.VerificationCode)) != 1 {
		return nil, InvalidCredentials(-1)
	}

	p.Verified = true
	p.VerificationCode = ""
	p.UpdatedAt = e.now().UTC()
	if err := e.principals.Save(ctx, p); err != nil {
		return nil, Unexpected(err)
	}

	e.metricInc(MetricVerifySuccess)
	e.log.WithField("principal", p.Username).Debug("principal verified")
	return p.View(), nil
}
