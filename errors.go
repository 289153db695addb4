package authcore

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/brandshop/authcore/mediator"
)

// ErrorKind is the closed set of failures the engine reports.
type ErrorKind string

const (
	KindInvalidCredentials ErrorKind = "InvalidCredentials"
	KindUserBlocked        ErrorKind = "UserBlocked"
	KindUserNotVerified    ErrorKind = "UserNotVerified"
	KindUsernameExists     ErrorKind = "UsernameExists"
	KindUserNotFound       ErrorKind = "UserNotFound"
	KindInvalidToken       ErrorKind = "InvalidToken"
	KindPasswordReset      ErrorKind = "PasswordResetError"
	KindAccountDisabled    ErrorKind = "AccountDisabled"
	KindInvalidPassword    ErrorKind = "InvalidPassword"
	KindNoHandler          ErrorKind = "NoHandlerError"
	KindUnexpected         ErrorKind = "UnexpectedError"
)

// Reasons carried by InvalidToken.
const (
	ReasonExpired      = "expired"
	ReasonMalformed    = "malformed"
	ReasonWrongVersion = "wrongVersion"
	ReasonRevoked      = "revoked"
)

// Reasons carried by InvalidPassword.
const (
	ReasonEmpty     = "empty"
	ReasonTooShort  = "tooShort"
	ReasonSameAsOld = "sameAsOld"
)

// Reasons carried by PasswordResetError.
const (
	ReasonNotVerified      = "notVerified"
	ReasonNoDestination    = "noDestination"
	ReasonAlreadyRequested = "alreadyRequested"
	ReasonInvalidCode      = "invalidCode"
)

// Error is the engine's tagged error. Only the fields relevant to Kind are
// set. Match a kind with errors.Is against the Err* sentinels.
type Error struct {
	Kind             ErrorKind `json:"kind"`
	Code             string    `json:"code"`
	Status           int       `json:"-"`
	Username         string    `json:"username,omitempty"`
	MinutesLeft      int       `json:"minutes_left,omitempty"`
	VerificationCode string    `json:"verification_code,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	AttemptsLeft     *int      `json:"attempts_left,omitempty"`
	Message          string    `json:"message"`
	Err              error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Business reports expected control-flow failures, as opposed to defects.
func (e *Error) Business() bool {
	return e.Kind != KindNoHandler && e.Kind != KindUnexpected
}

type kindInfo struct {
	code   string
	status int
}

var kinds = map[ErrorKind]kindInfo{
	KindInvalidCredentials: {"invalid_credentials", http.StatusUnauthorized},
	KindUserBlocked:        {"user_blocked", http.StatusLocked},
	KindUserNotVerified:    {"user_not_verified", http.StatusForbidden},
	KindUsernameExists:     {"username_exists", http.StatusConflict},
	KindUserNotFound:       {"user_not_found", http.StatusNotFound},
	KindInvalidToken:       {"invalid_token", http.StatusUnauthorized},
	KindPasswordReset:      {"password_reset_error", http.StatusBadRequest},
	KindAccountDisabled:    {"account_disabled", http.StatusForbidden},
	KindInvalidPassword:    {"invalid_password", http.StatusBadRequest},
	KindNoHandler:          {"no_handler", http.StatusInternalServerError},
	KindUnexpected:         {"unexpected_error", http.StatusInternalServerError},
}

func newError(kind ErrorKind, msg string) *Error {
	info := kinds[kind]
	return &Error{Kind: kind, Code: info.code, Status: info.status, Message: msg}
}

var (
	ErrInvalidCredentials = newError(KindInvalidCredentials, "invalid username or password")
	ErrUserBlocked        = newError(KindUserBlocked, "too many failed attempts")
	ErrUserNotVerified    = newError(KindUserNotVerified, "account not verified")
	ErrUsernameExists     = newError(KindUsernameExists, "username already taken")
	ErrUserNotFound       = newError(KindUserNotFound, "user not found")
	ErrInvalidToken       = newError(KindInvalidToken, "invalid token")
	ErrPasswordReset      = newError(KindPasswordReset, "password reset failed")
	ErrAccountDisabled    = newError(KindAccountDisabled, "account disabled")
	ErrInvalidPassword    = newError(KindInvalidPassword, "invalid password")
	ErrNoHandler          = newError(KindNoHandler, "no handler registered")
	ErrUnexpected         = newError(KindUnexpected, "unexpected error")
)

func InvalidCredentials(attemptsLeft int) *Error {
	e := newError(KindInvalidCredentials, "invalid username or password")
	if attemptsLeft >= 0 {
		e.AttemptsLeft = &attemptsLeft
	}
	return e
}

func UserBlocked(username string, minutesLeft int) *Error {
	e := newError(KindUserBlocked, fmt.Sprintf("too many failed attempts, try again in %d minutes", minutesLeft))
	e.Username = username
	e.MinutesLeft = minutesLeft
	return e
}

func UserNotVerified(username, verificationCode string) *Error {
	e := newError(KindUserNotVerified, "account not verified")
	e.Username = username
	e.VerificationCode = verificationCode
	return e
}

func UsernameExists(username string) *Error {
	e := newError(KindUsernameExists, "username already taken")
	e.Username = username
	return e
}

func UserNotFound(username string) *Error {
	e := newError(KindUserNotFound, fmt.Sprintf("user %q not found", username))
	e.Username = username
	return e
}

func InvalidToken(reason string, cause error) *Error {
	e := newError(KindInvalidToken, "token "+reason)
	e.Reason = reason
	e.Err = cause
	return e
}

func PasswordResetError(reason string) *Error {
	e := newError(KindPasswordReset, reason)
	e.Reason = reason
	return e
}

func AccountDisabled(username string) *Error {
	e := newError(KindAccountDisabled, "account disabled")
	e.Username = username
	return e
}

func InvalidPassword(reason string) *Error {
	e := newError(KindInvalidPassword, "password rejected: "+reason)
	e.Reason = reason
	return e
}

// Unexpected wraps a defect or backend failure.
func Unexpected(err error) *Error {
	e := newError(KindUnexpected, "internal error")
	e.Err = err
	return e
}

// Classify maps err into the taxonomy. Unknown errors become UnexpectedError.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, mediator.ErrNoHandler) {
		out := newError(KindNoHandler, "no handler registered")
		out.Err = err
		return out
	}
	return Unexpected(err)
}

// errorClassifier plugs Classify into the dispatcher. Business errors are
// returned as the handler produced them.
type errorClassifier struct{}

func (errorClassifier) Classify(err error) (error, string, bool) {
	e := Classify(err)
	if e.Business() {
		return err, e.Code, true
	}
	return e, e.Code, false
}
