package internal

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestNewTokenIsRandomAndDecodable(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	b, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct tokens")
	}

	raw, err := base64.RawURLEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != tokenSecretSize {
		t.Fatalf("expected %d bytes, got %d", tokenSecretSize, len(raw))
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatal("hash must be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatal("different tokens must hash differently")
	}
	if len(HashToken("abc")) != 64 {
		t.Fatalf("expected hex sha256, got %q", HashToken("abc"))
	}
}

func TestNewVerificationCodeAlphabet(t *testing.T) {
	code, err := NewVerificationCode(32)
	if err != nil {
		t.Fatalf("NewVerificationCode: %v", err)
	}
	if len(code) != 32 {
		t.Fatalf("expected 32 chars, got %d", len(code))
	}
	for _, r := range code {
		if !strings.ContainsRune(verificationAlphabet, r) {
			t.Fatalf("unexpected rune %q in %q", r, code)
		}
	}

	if _, err := NewVerificationCode(0); err == nil {
		t.Fatal("expected error for zero length")
	}
}

func TestRefreshTokenRoundTrip(t *testing.T) {
	token, err := NewRefreshToken("user-42")
	if err != nil {
		t.Fatalf("NewRefreshToken: %v", err)
	}

	principalID, err := DecodeRefreshToken(token)
	if err != nil {
		t.Fatalf("DecodeRefreshToken: %v", err)
	}
	if principalID != "user-42" {
		t.Fatalf("expected user-42, got %q", principalID)
	}
}

func TestDecodeRefreshTokenRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"no-dot",
		".secret",
		"dXNlcg.",
		"dXNlcg.c2hvcnQ",
		"!!!." + strings.Repeat("A", 43),
	}
	for _, tc := range cases {
		if _, err := DecodeRefreshToken(tc); err == nil {
			t.Fatalf("expected error for %q", tc)
		}
	}
}
