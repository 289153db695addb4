package authcore

import (
	"context"
	"time"

	"github.com/brandshop/authcore/alert"
	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/jwt"
	"github.com/brandshop/authcore/loginguard"
	"github.com/brandshop/authcore/mediator"
	"github.com/brandshop/authcore/principal"
	"github.com/brandshop/authcore/resetstore"
	"github.com/brandshop/authcore/tokenstore"
	"github.com/sirupsen/logrus"
)

// Engine is the auth orchestration service. Dispatch is its only entry
// point; the typed helpers below wrap it.
type Engine struct {
	config     Config
	log        logrus.FieldLogger
	dispatcher *mediator.Dispatcher
	jwt        *jwt.Manager
	verifier   CredentialVerifier
	principals principal.Repository
	tokens     tokenstore.Store
	guard      loginguard.Guard
	resets     resetstore.Store
	notifier   ResetNotifier
	audit      *audit.Recorder
	auditStore audit.Store
	alerts     *alert.Engine
	metrics    *Metrics
	now        func() time.Time
}

// Dispatch routes req to its handler. Errors are *Error values; match them
// with errors.Is against the Err* sentinels.
func (e *Engine) Dispatch(ctx context.Context, req mediator.Request) (any, error) {
	res, err := e.dispatcher.Dispatch(ctx, req)
	if err != nil && !Classify(err).Business() {
		e.metricInc(MetricDispatchError)
	}
	return res, err
}

func send[R any](ctx context.Context, e *Engine, req mediator.Request) (R, error) {
	var zero R
	res, err := e.Dispatch(ctx, req)
	if err != nil {
		return zero, err
	}
	r, ok := res.(R)
	if !ok {
		return zero, Unexpected(mediator.ErrResultType)
	}
	return r, nil
}

// Register creates an unverified principal.
func (e *Engine) Register(ctx context.Context, cmd RegisterCommand) (*RegisterResult, error) {
	return send[*RegisterResult](ctx, e, cmd)
}

// VerifyPrincipal confirms a registration code.
func (e *Engine) VerifyPrincipal(ctx context.Context, cmd VerifyPrincipalCommand) (principal.View, error) {
	return send[principal.View](ctx, e, cmd)
}

// Login authenticates a verified principal and issues a token pair.
func (e *Engine) Login(ctx context.Context, cmd LoginCommand) (*Tokens, error) {
	return send[*Tokens](ctx, e, cmd)
}

// Refresh rotates a refresh token into a new pair.
func (e *Engine) Refresh(ctx context.Context, cmd RefreshCommand) (*Tokens, error) {
	return send[*Tokens](ctx, e, cmd)
}

// Logout reports false when the principal does not exist.
func (e *Engine) Logout(ctx context.Context, cmd LogoutCommand) (bool, error) {
	return send[bool](ctx, e, cmd)
}

// ChangePassword replaces the password and revokes every issued token.
func (e *Engine) ChangePassword(ctx context.Context, cmd ChangePasswordCommand) error {
	_, err := e.Dispatch(ctx, cmd)
	return err
}

// InitiatePasswordReset sends a one-time reset code to the principal.
func (e *Engine) InitiatePasswordReset(ctx context.Context, cmd InitiatePasswordResetCommand) error {
	_, err := e.Dispatch(ctx, cmd)
	return err
}

// CompletePasswordReset redeems a reset code. A code succeeds at most once.
func (e *Engine) CompletePasswordReset(ctx context.Context, cmd CompletePasswordResetCommand) error {
	_, err := e.Dispatch(ctx, cmd)
	return err
}

// ValidateToken reports whether an access token is still accepted.
func (e *Engine) ValidateToken(ctx context.Context, q ValidateTokenQuery) (*TokenValidation, error) {
	return send[*TokenValidation](ctx, e, q)
}

// GetPrincipal returns the public view of a principal.
func (e *Engine) GetPrincipal(ctx context.Context, q GetPrincipalQuery) (principal.View, error) {
	return send[principal.View](ctx, e, q)
}

// PurgeAuditTrail returns the number of deleted events.
func (e *Engine) PurgeAuditTrail(ctx context.Context, cmd PurgeAuditTrailCommand) (int64, error) {
	return send[int64](ctx, e, cmd)
}

// Start launches the alert scan and the store maintenance jobs.
func (e *Engine) Start() error {
	if err := e.scheduleSweeps(); err != nil {
		return err
	}
	return e.alerts.Start()
}

// Close stops background work and drains the audit queue.
func (e *Engine) Close(ctx context.Context) error {
	if e == nil {
		return nil
	}
	err := e.alerts.Stop(ctx)
	e.audit.Close()
	return err
}

// Alerts exposes the alert engine, e.g. to run Scan on demand.
func (e *Engine) Alerts() *alert.Engine {
	return e.alerts
}

// Kinds lists the request kinds the engine serves.
func (e *Engine) Kinds() []mediator.Kind {
	return e.dispatcher.Kinds()
}

// AlertsFired reports alerts raised since the engine was built.
func (e *Engine) AlertsFired() uint64 {
	if e == nil || e.alerts == nil {
		return 0
	}
	return e.alerts.Fired()
}

// AuditDropped reports audit events lost to backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the current counters and latency buckets.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}
