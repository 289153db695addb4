package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/brandshop/authcore"
)

// TokenValidator is satisfied by *authcore.Engine.
type TokenValidator interface {
	ValidateToken(ctx context.Context, q authcore.ValidateTokenQuery) (*authcore.TokenValidation, error)
}

type validationContextKey struct{}

// ValidationFromContext returns the validation result Guard attached.
func ValidationFromContext(ctx context.Context) (*authcore.TokenValidation, bool) {
	res, ok := ctx.Value(validationContextKey{}).(*authcore.TokenValidation)
	return res, ok
}

// Guard rejects requests without a valid bearer access token with 401 and the
// invalid_token error body. The validation result is attached to the request
// context for downstream handlers.
func Guard(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if validator == nil {
				WriteError(w, authcore.InvalidToken(authcore.ReasonMalformed, nil))
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="authcore"`)
				WriteError(w, authcore.InvalidToken(authcore.ReasonMalformed, nil))
				return
			}

			res, err := validator.ValidateToken(r.Context(), authcore.ValidateTokenQuery{AccessToken: token})
			if err != nil {
				WriteError(w, err)
				return
			}
			if !res.Valid {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				WriteError(w, authcore.InvalidToken(res.Reason, nil))
				return
			}

			ctx := context.WithValue(r.Context(), validationContextKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(r *http.Request) (string, bool) {
	return bearerToken(r.Header.Get("Authorization"))
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
