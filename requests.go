package authcore

import (
	"time"

	"github.com/brandshop/authcore/audit"
	"github.com/brandshop/authcore/mediator"
	"github.com/brandshop/authcore/principal"
)

// Request kinds served by the engine.
const (
	KindRegister              mediator.Kind = "auth.register"
	KindVerifyPrincipal       mediator.Kind = "auth.verify_principal"
	KindLogin                 mediator.Kind = "auth.login"
	KindRefresh               mediator.Kind = "auth.refresh"
	KindLogout                mediator.Kind = "auth.logout"
	KindChangePassword        mediator.Kind = "auth.change_password"
	KindInitiatePasswordReset mediator.Kind = "auth.initiate_password_reset"
	KindCompletePasswordReset mediator.Kind = "auth.complete_password_reset"
	KindValidateToken         mediator.Kind = "auth.validate_token"
	KindGetPrincipal          mediator.Kind = "auth.get_principal"
	KindPurgeAuditTrail       mediator.Kind = "audit.purge_principal"
)

// RegisterCommand creates an unverified principal.
type RegisterCommand struct {
	Username          string `json:"username"`
	Email             string `json:"email"`
	Password          string `json:"password"`
	NotifyDestination string `json:"notify_destination"`
}

// Kind implements mediator.Request.
func (RegisterCommand) Kind() mediator.Kind { return KindRegister }

// RegisterResult carries the code the caller must deliver out of band.
type RegisterResult struct {
	Principal        principal.View `json:"principal"`
	VerificationCode string         `json:"verification_code"`
}

// VerifyPrincipalCommand confirms a registration code.
type VerifyPrincipalCommand struct {
	Username string `json:"username"`
	Code     string `json:"code"`
}

// Kind implements mediator.Request.
func (VerifyPrincipalCommand) Kind() mediator.Kind { return KindVerifyPrincipal }

// LoginCommand exchanges credentials for a token pair.
type LoginCommand struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Kind implements mediator.Request.
func (LoginCommand) Kind() mediator.Kind { return KindLogin }

// RefreshCommand exchanges a refresh token for a new pair. The owning
// principal is encoded in the token.
type RefreshCommand struct {
	RefreshToken string `json:"refresh_token"`
}

// Kind implements mediator.Request.
func (RefreshCommand) Kind() mediator.Kind { return KindRefresh }

// Tokens is the result of Login and Refresh.
type Tokens struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	TokenType       string    `json:"token_type"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	Username        string    `json:"username"`
}

// LogoutCommand revokes the refresh token of Username and blacklists
// AccessToken for the rest of its lifetime.
type LogoutCommand struct {
	Username    string `json:"username"`
	AccessToken string `json:"access_token"`
}

// Kind implements mediator.Request.
func (LogoutCommand) Kind() mediator.Kind { return KindLogout }

// ChangePasswordCommand replaces a password after checking the current one.
type ChangePasswordCommand struct {
	Username        string `json:"username"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Kind implements mediator.Request.
func (ChangePasswordCommand) Kind() mediator.Kind { return KindChangePassword }

// InitiatePasswordResetCommand accepts a username or e-mail address.
type InitiatePasswordResetCommand struct {
	Identifier string `json:"identifier"`
}

// Kind implements mediator.Request.
func (InitiatePasswordResetCommand) Kind() mediator.Kind { return KindInitiatePasswordReset }

// CompletePasswordResetCommand redeems a reset code for a new password.
type CompletePasswordResetCommand struct {
	Identifier  string `json:"identifier"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

// Kind implements mediator.Request.
func (CompletePasswordResetCommand) Kind() mediator.Kind { return KindCompletePasswordReset }

// ValidateTokenQuery checks an access token.
type ValidateTokenQuery struct {
	AccessToken string `json:"access_token"`
}

// Kind implements mediator.Request.
func (ValidateTokenQuery) Kind() mediator.Kind { return KindValidateToken }

// TokenValidation never carries an error: invalid tokens set Reason.
type TokenValidation struct {
	Valid        bool      `json:"valid"`
	Username     string    `json:"username,omitempty"`
	PrincipalID  string    `json:"principal_id,omitempty"`
	TokenVersion int64     `json:"token_version,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Reason       string    `json:"reason,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// GetPrincipalQuery returns the public view of a principal.
type GetPrincipalQuery struct {
	Username string `json:"username"`
}

// Kind implements mediator.Request.
func (GetPrincipalQuery) Kind() mediator.Kind { return KindGetPrincipal }

// PurgeAuditTrailCommand erases a principal's audit events of the given
// types, or of every authentication type when Types is empty.
type PurgeAuditTrailCommand struct {
	Username string            `json:"username"`
	Types    []audit.EventType `json:"types,omitempty"`
}

// Kind implements mediator.Request.
func (PurgeAuditTrailCommand) Kind() mediator.Kind { return KindPurgeAuditTrail }
