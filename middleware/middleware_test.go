package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/brandshop/authcore"
	"github.com/brandshop/authcore/internal/reqctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type stubValidator struct {
	tokens map[string]*authcore.TokenValidation
	err    error
	seen   []string
}

func (s *stubValidator) ValidateToken(_ context.Context, q authcore.ValidateTokenQuery) (*authcore.TokenValidation, error) {
	s.seen = append(s.seen, q.AccessToken)
	if s.err != nil {
		return nil, s.err
	}
	if v, ok := s.tokens[q.AccessToken]; ok {
		return v, nil
	}
	return &authcore.TokenValidation{Reason: authcore.ReasonMalformed}, nil
}

func okHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, ok := ValidationFromContext(r.Context())
		if ok {
			w.Header().Set("X-Principal", res.PrincipalID)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGuard(t *testing.T) {
	validator := &stubValidator{tokens: map[string]*authcore.TokenValidation{
		"good":    {Valid: true, PrincipalID: "p-1", Username: "alice"},
		"revoked": {Reason: authcore.ReasonRevoked},
	}}
	h := Guard(validator)(okHandler(t))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantReason string
	}{
		{name: "valid", header: "Bearer good", wantStatus: http.StatusNoContent},
		{name: "case insensitive scheme", header: "bearer good", wantStatus: http.StatusNoContent},
		{name: "missing header", wantStatus: http.StatusUnauthorized, wantReason: authcore.ReasonMalformed},
		{name: "wrong scheme", header: "Basic Zm9v", wantStatus: http.StatusUnauthorized, wantReason: authcore.ReasonMalformed},
		{name: "empty token", header: "Bearer ", wantStatus: http.StatusUnauthorized, wantReason: authcore.ReasonMalformed},
		{name: "revoked", header: "Bearer revoked", wantStatus: http.StatusUnauthorized, wantReason: authcore.ReasonRevoked},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantStatus == http.StatusNoContent {
				assert.Equal(t, "p-1", rec.Header().Get("X-Principal"))
				return
			}
			body := decodeError(t, rec)
			assert.Equal(t, "invalid_token", body["code"])
			assert.Equal(t, tc.wantReason, body["reason"])
		})
	}
}

func TestGuardBackendFailureIsInternal(t *testing.T) {
	h := Guard(&stubValidator{err: errors.New("redis down")})(okHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "redis down")
	assert.Equal(t, "unexpected_error", decodeError(t, rec)["code"])
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name     string
		trust    bool
		proxies  []string
		remote   string
		xff      string
		realIP   string
		expected string
	}{
		{name: "peer only", remote: "198.51.100.4:5555", xff: "1.1.1.1", expected: "198.51.100.4"},
		{name: "trust any proxy takes leftmost", trust: true, remote: "10.0.0.2:80", xff: "1.1.1.1, 10.0.0.9", expected: "1.1.1.1"},
		{name: "untrusted peer ignores header", trust: true, proxies: []string{"10.0.0.0/8"}, remote: "198.51.100.4:80", xff: "1.1.1.1", expected: "198.51.100.4"},
		{name: "walks past trusted hops", trust: true, proxies: []string{"10.0.0.0/8"}, remote: "10.0.0.2:80", xff: "6.6.6.6, 2.2.2.2, 10.1.1.1", expected: "2.2.2.2"},
		{name: "real ip fallback", trust: true, proxies: []string{"10.0.0.2"}, remote: "10.0.0.2:80", realIP: "3.3.3.3", expected: "3.3.3.3"},
		{name: "all hops trusted ignores real ip", trust: true, proxies: []string{"10.0.0.0/8"}, remote: "10.0.0.2:80", xff: "10.0.0.7, 10.0.0.5", realIP: "3.3.3.3", expected: "10.0.0.7"},
		{name: "untrusted peer ignores real ip", trust: true, proxies: []string{"10.0.0.0/8"}, remote: "198.51.100.4:80", realIP: "3.3.3.3", expected: "198.51.100.4"},
		{name: "real ip not trusted when forwarding off", remote: "10.0.0.2:80", realIP: "3.3.3.3", expected: "10.0.0.2"},
		{name: "garbage real ip", trust: true, proxies: []string{"10.0.0.2"}, remote: "10.0.0.2:80", realIP: "not-an-ip", expected: "10.0.0.2"},
		{name: "remote without port", remote: "198.51.100.4", expected: "198.51.100.4"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := NewClientResolver(tc.trust, tc.proxies)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remote
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				req.Header.Set("X-Real-IP", tc.realIP)
			}
			assert.Equal(t, tc.expected, res.ClientIP(req))
		})
	}
}

func TestNewClientResolverRejectsGarbage(t *testing.T) {
	_, err := NewClientResolver(true, []string{"not-an-ip"})
	require.Error(t, err)
	_, err = NewClientResolver(true, []string{"10.0.0.0/99"})
	require.Error(t, err)
}

func TestClientContext(t *testing.T) {
	var ip, ua, id string
	h := ClientContext(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip = reqctx.ClientIP(r.Context())
		ua = reqctx.UserAgent(r.Context())
		id = reqctx.CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	req.Header.Set("User-Agent", "shop-app/2.1")
	req.Header.Set(CorrelationHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "203.0.113.7", ip)
	assert.Equal(t, "shop-app/2.1", ua)
	assert.Equal(t, "req-42", id)
	assert.Equal(t, "req-42", rec.Header().Get(CorrelationHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEmpty(t, id)
	assert.NotEqual(t, "req-42", id)
}

func TestRateLimit(t *testing.T) {
	h := ClientContext(nil)(RateLimit(rate.Limit(1), 2, 0, 0)(okHandler(t)))

	do := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do("203.0.113.7:1").Code)
	assert.Equal(t, http.StatusNoContent, do("203.0.113.7:2").Code)

	rec := do("203.0.113.7:3")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rec)["code"])

	assert.Equal(t, http.StatusNoContent, do("198.51.100.1:1").Code, "buckets are per client")
}

func TestRateLimitDisabled(t *testing.T) {
	h := RateLimit(0, 0, 0, 0)(okHandler(t))
	for i := 0; i < 50; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
}
