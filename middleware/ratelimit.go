package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/brandshop/authcore"
	"github.com/brandshop/authcore/internal/reqctx"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	defaultLimiterEntries = 10_000
	defaultLimiterTTL     = 10 * time.Minute
)

// RateLimit applies a token bucket per client address. Buckets live in an
// expiring LRU so idle clients are forgotten. It must run after ClientContext.
// A non-positive limit disables limiting.
func RateLimit(limit rate.Limit, burst, size int, ttl time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = int(math.Ceil(float64(limit)))
	}
	if size <= 0 {
		size = defaultLimiterEntries
	}
	if ttl <= 0 {
		ttl = defaultLimiterTTL
	}

	buckets := lru.NewLRU[string, *rate.Limiter](size, nil, ttl)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := reqctx.ClientIP(r.Context())
			if ip == "" {
				ip = remoteHost(r.RemoteAddr)
			}

			lim, ok := buckets.Get(ip)
			if !ok {
				lim = rate.NewLimiter(limit, burst)
				buckets.Add(ip, lim)
			}

			res := lim.Reserve()
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
				WriteJSON(w, http.StatusTooManyRequests, &authcore.Error{
					Code:    "rate_limited",
					Message: "rate limit exceeded",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
