package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"
)

const (
	tokenSecretSize      = 32
	verificationAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewToken returns a base64url (unpadded) encoding of 32 random bytes.
func NewToken() (string, error) {
	var secret [tokenSecretSize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(secret[:]), nil
}

// HashToken returns the hex sha256 of token. Redis backends key by this so raw
// secrets never sit in the store.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NewVerificationCode returns n characters drawn uniformly from [A-Za-z0-9].
func NewVerificationCode(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("invalid verification code length")
	}

	var b strings.Builder
	b.Grow(n)

	max := big.NewInt(int64(len(verificationAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(verificationAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

// NewRefreshToken returns a refresh token that carries its owning principal:
// base64url(principalID) "." base64url(secret).
func NewRefreshToken(principalID string) (string, error) {
	if principalID == "" {
		return "", errors.New("empty principal id")
	}
	secret, err := NewToken()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString([]byte(principalID)) + "." + secret, nil
}

// DecodeRefreshToken extracts the principal id from a refresh token. It does
// not authenticate the token; callers compare it against the store.
func DecodeRefreshToken(token string) (string, error) {
	idPart, secretPart, ok := strings.Cut(token, ".")
	if !ok || idPart == "" || secretPart == "" {
		return "", errors.New("malformed refresh token")
	}

	raw, err := base64.RawURLEncoding.DecodeString(idPart)
	if err != nil || len(raw) == 0 {
		return "", errors.New("malformed refresh token")
	}
	secret, err := base64.RawURLEncoding.DecodeString(secretPart)
	if err != nil || len(secret) != tokenSecretSize {
		return "", errors.New("malformed refresh token")
	}
	return string(raw), nil
}
