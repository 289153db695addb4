// Package audit records security events asynchronously and stores them for
// the alert engine and for investigations.
package audit

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType names what happened.
type EventType string

const (
	LoginSuccess           EventType = "LOGIN_SUCCESS"
	LoginFailure           EventType = "LOGIN_FAILURE"
	Logout                 EventType = "LOGOUT"
	PasswordChange         EventType = "PASSWORD_CHANGE"
	PasswordResetInitiated EventType = "PASSWORD_RESET_INITIATED"
	PasswordResetCompleted EventType = "PASSWORD_RESET_COMPLETED"
	AccountLocked          EventType = "ACCOUNT_LOCKED"
	AccountUnlocked        EventType = "ACCOUNT_UNLOCKED"
	AccountDisabled        EventType = "ACCOUNT_DISABLED"
	AccessDenied           EventType = "ACCESS_DENIED"
	RoleChange             EventType = "ROLE_CHANGE"
	PermissionChange       EventType = "PERMISSION_CHANGE"
	TokenRefresh           EventType = "TOKEN_REFRESH"
	TokenInvalidated       EventType = "TOKEN_INVALIDATED"
	TokenValidationFailure EventType = "TOKEN_VALIDATION_FAILURE"
	SuspiciousActivity     EventType = "SUSPICIOUS_ACTIVITY"
	BruteForceAttempt      EventType = "BRUTE_FORCE_ATTEMPT"
	IPBlocked              EventType = "IP_BLOCKED"
	UserCreated            EventType = "USER_CREATED"
	UserDeleted            EventType = "USER_DELETED"
	SecurityConfigChange   EventType = "SECURITY_CONFIG_CHANGE"
)

// Severity grades an event.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

const unknownUserAgent = "unknown"

// Event is one audit record.
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"event_type"`
	Principal     string            `json:"principal,omitempty"`
	Details       string            `json:"details,omitempty"`
	Severity      Severity          `json:"severity"`
	ClientAddress string            `json:"client_address,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// PrincipalCount is one row of FailureCountsSince.
type PrincipalCount struct {
	Principal string
	Count     int
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a time-ordered event id.
func NewID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}
