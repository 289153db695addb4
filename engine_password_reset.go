package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/mediator"
	"github.com/brandshop/authcore/principal"
	"github.com/brandshop/authcore/resetstore"
	"github.com/sirupsen/logrus"
)

const (
	resetCodeMessage    = "Your password reset code: %s. It is valid for %s."
	passwordChangedText = "Your password has been changed. If this was not you, contact support immediately."
)

// handleInitiatePasswordReset issues a reset code keyed by the principal id
// and sends it to the principal's notification destination.
func (e *Engine) handleInitiatePasswordReset(ctx context.Context, req mediator.Request) (any, error) {
	cmd := req.(InitiatePasswordResetCommand)
	e.metricInc(MetricPasswordResetRequest)

	p, err := e.findByIdentifier(ctx, cmd.Identifier)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return nil, UserNotFound(cmd.Identifier)
		}
		return nil, Unexpected(err)
	}
	if !p.Verified {
		return nil, PasswordResetError(ReasonNotVerified)
	}
	if p.NotifyDestination == "" {
		return nil, PasswordResetError(ReasonNoDestination)
	}

	active, err := e.resets.HasActiveToken(ctx, p.ID)
	if err != nil {
		return nil, Unexpected(err)
	}
	if active {
		return nil, PasswordResetError(ReasonAlreadyRequested)
	}

	ttl := e.config.PasswordReset.TokenTTL
	code, err := e.resets.CreateToken(ctx, p.ID, ttl)
	if err != nil {
		return nil, Unexpected(err)
	}

	if err := e.notifier.Send(ctx, p.NotifyDestination, fmt.Sprintf(resetCodeMessage, code, ttl)); err != nil {
		if rmErr := e.resets.RemoveToken(ctx, code); rmErr != nil {
			e.log.WithError(rmErr).WithField("principal", p.Username).Error("reset token left behind after failed send")
		}
		return nil, Unexpected(fmt.Errorf("send reset code: %w", err))
	}

	e.emitAudit(ctx, audit.PasswordResetInitiated, audit.SeverityInfo, p.Username, "password reset requested", nil, nil)
	return nil, nil
}

// handleCompletePasswordReset sets a new password with a single-use code
// issued to the same principal.
func (e *Engine) handleCompletePasswordReset(ctx context.Context, req mediator.Request) (any, error) {
	cmd := req.(CompletePasswordResetCommand)

	p, err := e.findByIdentifier(ctx, cmd.Identifier)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			e.metricInc(MetricPasswordResetConfirmFailure)
			return nil, PasswordResetError(ReasonInvalidCode)
		}
		return nil, Unexpected(err)
	}

	if err := e.checkPassword(cmd.NewPassword); err != nil {
		e.metricInc(MetricPasswordResetConfirmFailure)
		return nil, err
	}

	// The code is consumed before the slow rehash so concurrent completions
	// with one code cannot all succeed.
	if err := e.resets.Consume(ctx, cmd.Code, p.ID); err != nil {
		if !errors.Is(err, resetstore.ErrNotFound) {
			return nil, Unexpected(err)
		}
		invalid := PasswordResetError(ReasonInvalidCode)
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, audit.PasswordResetCompleted, audit.SeverityWarning, p.Username, "invalid reset code", invalid, nil)
		return nil, invalid
	}

	if err := e.setPassword(ctx, p, cmd.NewPassword); err != nil {
		return nil, Unexpected(err)
	}

	if err := e.notifier.Send(ctx, p.NotifyDestination, passwordChangedText); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"principal":   p.Username,
			"destination": p.NotifyDestination,
		}).Warn("password change notice not delivered")
	}

	e.metricInc(MetricPasswordResetConfirmSuccess)
	e.emitAudit(ctx, audit.PasswordResetCompleted, audit.SeverityInfo, p.Username, "password reset completed", nil, nil)
	return nil, nil
}
