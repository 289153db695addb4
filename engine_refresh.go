package authcore

import (
	"context"
	"errors"

	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/internal"
	"github.com/brandshop/authcore/mediator"
	"github.com/brandshop/authcore/principal"
	"github.com/brandshop/authcore/tokenstore"
)

// handleRefresh rotates the presented refresh token. Of concurrent
// refreshes presenting the same token exactly one wins; the rest see a
// stale token and fail as revoked.
func (e *Engine) handleRefresh(ctx context.Context, req mediator.Request) (any, error) {
	cmd := req.(RefreshCommand)

	principalID, err := internal.DecodeRefreshToken(cmd.RefreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return nil, InvalidToken(ReasonMalformed, err)
	}

	p, err := e.principals.FindByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			e.metricInc(MetricRefreshFailure)
			return nil, InvalidToken(ReasonRevoked, err)
		}
		return nil, Unexpected(err)
	}
	if !p.Active {
		e.metricInc(MetricRefreshFailure)
		if err := e.tokens.RemoveRefreshToken(ctx, p.ID); err != nil {
			return nil, Unexpected(err)
		}
		return nil, AccountDisabled(p.Username)
	}

	next, err := internal.NewRefreshToken(p.ID)
	if err != nil {
		return nil, Unexpected(err)
	}
	err = e.tokens.RotateRefreshToken(ctx, p.ID, cmd.RefreshToken, next, e.config.JWT.RefreshTTL)
	switch {
	case errors.Is(err, tokenstore.ErrTokenMismatch):
		stale := InvalidToken(ReasonRevoked, err)
		e.metricInc(MetricRefreshFailure)
		e.metricInc(MetricRefreshReuseDetected)
		e.emitAudit(ctx, audit.TokenInvalidated, audit.SeverityWarning, p.Username, "stale refresh token presented", stale, nil)
		return nil, stale
	case errors.Is(err, tokenstore.ErrNotFound):
		e.metricInc(MetricRefreshFailure)
		return nil, InvalidToken(ReasonRevoked, err)
	case err != nil:
		return nil, Unexpected(err)
	}

	version, err := e.tokenVersion(ctx, p)
	if err != nil {
		return nil, Unexpected(err)
	}
	tokens, err := e.newTokens(p, version, next)
	if err != nil {
		return nil, Unexpected(err)
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, audit.TokenRefresh, audit.SeverityInfo, p.Username, "token refreshed", nil, nil)
	return tokens, nil
}

func (e *Engine) handleLogout(ctx context.Context, req mediator.Request) (any, error) {
	cmd := req.(LogoutCommand)

	p, err := e.principals.FindByUsername(ctx, cmd.Username)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return false, nil
		}
		return nil, Unexpected(err)
	}

	if err := e.tokens.RemoveRefreshToken(ctx, p.ID); err != nil {
		return nil, Unexpected(err)
	}

	// Expired or foreign access tokens have nothing left to revoke.
	if cmd.AccessToken != "" {
		claims, err := e.jwt.ParseAccess(cmd.AccessToken)
		if err == nil && claims.UID == p.ID {
			ttl := claims.Remaining(e.now())
			if err := e.tokens.BlacklistAccessToken(ctx, cmd.AccessToken, ttl); err != nil {
				return nil, Unexpected(err)
			}
		}
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, audit.Logout, audit.SeverityInfo, p.Username, "logout", nil, nil)
	return true, nil
}
