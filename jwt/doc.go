// Package jwt issues and verifies short-lived access tokens. Every token
// carries the principal's token version ("tv") so a version bump revokes all
// older tokens at once.
package jwt
