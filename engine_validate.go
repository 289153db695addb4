package authcore

import (
	"context"
	"errors"
	"time"

	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/jwt"
	"github.com/brandshop/authcore/mediator"
	"github.com/brandshop/authcore/principal"
	"github.com/brandshop/authcore/tokenstore"
)

// handleValidateToken reports why a token is rejected instead of failing.
// Only backend trouble produces an error.
func (e *Engine) handleValidateToken(ctx context.Context, req mediator.Request) (any, error) {
	q := req.(ValidateTokenQuery)
	start := time.Now()
	defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()

	claims, err := e.jwt.ParseAccess(q.AccessToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return e.rejectToken(ctx, "", ReasonExpired, "token has expired"), nil
		}
		return e.rejectToken(ctx, "", ReasonMalformed, "token is malformed"), nil
	}

	blacklisted, err := e.tokens.IsBlacklisted(ctx, q.AccessToken)
	if err != nil {
		return nil, Unexpected(err)
	}
	if blacklisted {
		return e.rejectToken(ctx, claims.Username(), ReasonRevoked, "token has been revoked"), nil
	}

	version, err := e.liveVersion(ctx, claims.UID)
	if err != nil {
		return nil, Unexpected(err)
	}
	if claims.TokenVersion != version {
		return e.rejectToken(ctx, claims.Username(), ReasonWrongVersion, "token was issued before the last credential change"), nil
	}

	return &TokenValidation{
		Valid:        true,
		Username:     claims.Username(),
		PrincipalID:  claims.UID,
		TokenVersion: claims.TokenVersion,
		ExpiresAt:    claims.ExpiresAt.Time,
	}, nil
}

// liveVersion reads the stored version of principalID, falling back to the
// repository when the store has no entry.
func (e *Engine) liveVersion(ctx context.Context, principalID string) (int64, error) {
	v, found, err := e.tokens.LookupTokenVersion(ctx, principalID)
	if err != nil || found {
		return v, err
	}
	p, err := e.principals.FindByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return tokenstore.DefaultTokenVersion, nil
		}
		return 0, err
	}
	return e.tokenVersion(ctx, p)
}

func (e *Engine) rejectToken(ctx context.Context, username, reason, msg string) *TokenValidation {
	e.metricInc(MetricTokenValidationFailure)
	// Expiry is routine; revocation and stale versions are worth a record.
	if reason == ReasonRevoked || reason == ReasonWrongVersion {
		e.emitAudit(ctx, audit.TokenValidationFailure, audit.SeverityWarning, username, msg, nil,
			func() map[string]string { return map[string]string{"reason": reason} })
	}
	return &TokenValidation{Valid: false, Username: username, Reason: reason, Message: msg}
}

func (e *Engine) handleGetPrincipal(ctx context.Context, req mediator.Request) (any, error) {
	q := req.(GetPrincipalQuery)
	p, err := e.principals.FindByUsername(ctx, q.Username)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return nil, UserNotFound(q.Username)
		}
		return nil, Unexpected(err)
	}
	return p.View(), nil
}
