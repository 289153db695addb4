package middleware

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/brandshop/authcore/internal/reqctx"
	"github.com/google/uuid"
)

// CorrelationHeader is read for an inbound correlation id and echoed back.
const CorrelationHeader = "X-Request-ID"

// ClientResolver derives the caller's address from a request.
type ClientResolver struct {
	trustForwarded bool
	trusted        []*net.IPNet
}

// NewClientResolver parses trustedProxies as CIDRs or bare addresses. With
// trustForwarded false, forwarding headers are ignored.
func NewClientResolver(trustForwarded bool, trustedProxies []string) (*ClientResolver, error) {
	res := &ClientResolver{trustForwarded: trustForwarded}
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip := net.ParseIP(raw)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q: invalid address", raw)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			res.trusted = append(res.trusted, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		res.trusted = append(res.trusted, n)
	}
	return res, nil
}

// ClientIP returns the peer address unless the peer is a trusted proxy, in
// which case X-Forwarded-For is walked right to left past trusted hops.
// With no trusted proxies configured the leftmost forwarded entry wins.
// When every forwarded hop is trusted the leftmost one is the client.
// X-Real-IP is read only from a trusted peer that sent no X-Forwarded-For.
func (c *ClientResolver) ClientIP(r *http.Request) string {
	peer := remoteHost(r.RemoteAddr)
	if !c.trustForwarded || !c.isTrusted(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(c.trusted) == 0 {
			if first := strings.TrimSpace(parts[0]); first != "" {
				return first
			}
		}
		leftmost := peer
		for i := len(parts) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(parts[i])
			if hop == "" {
				continue
			}
			if !c.isTrusted(hop) {
				return hop
			}
			leftmost = hop
		}
		return leftmost
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(real) != nil {
		return real
	}
	return peer
}

func (c *ClientResolver) isTrusted(addr string) bool {
	if len(c.trusted) == 0 {
		return true
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range c.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// ClientContext attaches client address, user agent and correlation id to
// the request context so handlers and the engine see them.
func ClientContext(resolver *ClientResolver) func(http.Handler) http.Handler {
	if resolver == nil {
		resolver = &ClientResolver{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(CorrelationHeader))
			if id == "" || len(id) > 128 {
				id = uuid.NewString()
			}
			w.Header().Set(CorrelationHeader, id)

			ctx := reqctx.WithClientIP(r.Context(), resolver.ClientIP(r))
			ctx = reqctx.WithUserAgent(ctx, r.UserAgent())
			ctx = reqctx.WithCorrelationID(ctx, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
