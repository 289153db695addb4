package authcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/mediator"
	"github.com/sirupsen/logrus"
)

// authEventTypes are erased by PurgeAuditTrail when no types are given.
var authEventTypes = []audit.EventType{
	audit.LoginSuccess,
	audit.LoginFailure,
	audit.Logout,
	audit.PasswordChange,
	audit.PasswordResetInitiated,
	audit.PasswordResetCompleted,
	audit.AccountLocked,
	audit.AccountDisabled,
	audit.TokenRefresh,
	audit.TokenValidationFailure,
	audit.BruteForceAttempt,
	audit.UserCreated,
}

// emitAudit records an event. err, when set, contributes its error code to
// the event metadata. It never fails the caller.
func (e *Engine) emitAudit(
	ctx context.Context,
	eventType audit.EventType,
	severity audit.Severity,
	principal string,
	details string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}
	if c := Classify(err); c != nil {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		metadata["error_code"] = c.Code
	}

	e.audit.Emit(ctx, audit.Event{
		Type:      eventType,
		Principal: principal,
		Details:   details,
		Severity:  severity,
		Metadata:  metadata,
		Timestamp: e.now().UTC(),
	})
}

func (e *Engine) handlePurgeAuditTrail(ctx context.Context, req mediator.Request) (any, error) {
	cmd := req.(PurgeAuditTrailCommand)
	if cmd.Username == "" {
		return nil, Unexpected(errors.New("purge audit trail: username required"))
	}
	types := cmd.Types
	if len(types) == 0 {
		types = authEventTypes
	}

	n, err := e.auditStore.DeleteByPrincipalAndTypes(ctx, cmd.Username, types)
	if err != nil {
		return nil, Unexpected(fmt.Errorf("purge audit trail: %w", err))
	}
	e.log.WithFields(logrus.Fields{
		"principal": cmd.Username,
		"deleted":   n,
	}).Info("audit trail purged")
	return n, nil
}

type sweeper interface {
	Sweep() int
}

// scheduleSweeps registers expiry sweeps for backends that need them. Redis
// backends expire keys themselves and report zero.
func (e *Engine) scheduleSweeps() error {
	if spec := e.config.TokenStore.SweepSchedule; spec != "" {
		err := e.alerts.Schedule(spec, "token-sweep", func(ctx context.Context) error {
			n, err := e.tokens.Sweep(ctx)
			if err != nil {
				return err
			}
			if g, ok := e.guard.(sweeper); ok {
				n += g.Sweep()
			}
			if n > 0 {
				e.log.WithField("removed", n).Debug("expired tokens swept")
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if spec := e.config.PasswordReset.SweepSchedule; spec != "" {
		err := e.alerts.Schedule(spec, "reset-sweep", func(ctx context.Context) error {
			n, err := e.resets.SweepExpired(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				e.log.WithField("removed", n).Debug("expired reset tokens swept")
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
