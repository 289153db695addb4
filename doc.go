// Package authcore is the authentication core of the shop backend: login,
// refresh-token rotation, logout, registration, password change and reset,
// access-token validation, and the security audit trail behind them.
//
// Every operation is a request value dispatched through [Engine.Dispatch]
// (see the Kind* constants in requests.go). The typed helpers such as
// [Engine.Login] call Dispatch and assert the result type. An [Engine] is
// built once by [Builder] and is safe for concurrent use.
//
// # Backends
//
// Tokens, lockout counters and reset codes live either in process memory or
// in Redis ([Builder.WithRedis]). Principals come from a
// [principal.Repository]; audit events go to an [audit.Store].
//
// # Errors
//
// Failures are *[Error] values tagged with an [ErrorKind]. Match them with
// errors.Is against the Err* sentinels:
//
//	if errors.Is(err, authcore.ErrUserBlocked) { ... }
//
// Business errors (bad credentials, blocked user, invalid token, ...) are
// logged at WARN by the dispatcher; NoHandlerError and UnexpectedError are
// logged at ERROR with the cause.
//
// # Background work
//
// [Engine.Start] launches the alert scan and the expiry sweeps of the memory
// stores on one cron scheduler. [Engine.Close] stops it and drains the audit
// queue.
package authcore
