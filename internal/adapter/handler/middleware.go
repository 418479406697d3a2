package handler

import (
	"context"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/rl1809/retail-pos/internal/core/domain"
	"github.com/rl1809/retail-pos/internal/port"
)

// Admitter decides whether a caller may proceed on a route class.
type Admitter interface {
	Admit(ctx context.Context, callerKey string, class domain.RouteClass) domain.Decision
}

const accessTokenCookie = "accessToken"

var deniedMessages = map[domain.RouteClass]string{
	domain.RouteClassGeneral: "Too Many Requests",
	domain.RouteClassAuth:    "Too many login attempts, please try again later.",
}

// Admission rejects callers over budget with 429 and a Retry-After hint. The
// caller key is the client IP as resolved by TrustedRealIP.
func Admission(admitter Admitter, class domain.RouteClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := admitter.Admit(r.Context(), clientIP(r), class)
			if !d.Allowed {
				secs := int(math.Ceil(d.RetryAfter.Seconds()))
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				msg, ok := deniedMessages[class]
				if !ok {
					msg = deniedMessages[domain.RouteClassGeneral]
				}
				writeFailure(w, http.StatusTooManyRequests, msg, nil)
				return
			}
			if d.Degraded {
				w.Header().Set("X-RateLimit-Degraded", "1")
			}
			next.ServeHTTP(w, r)
		})
	}
}

type claimsKey struct{}

func withClaims(ctx context.Context, c domain.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the verified claims placed by Authenticate.
func ClaimsFrom(ctx context.Context) (domain.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(domain.Claims)
	return c, ok
}

// Authenticate verifies the session token from the accessToken cookie or the
// Authorization header.
func Authenticate(verifier port.CredentialVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r, false)
			if token == "" {
				writeFailure(w, http.StatusUnauthorized, "Unauthorized: No token provided", nil)
				return
			}
			claims, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.Debug("rejected session token", zap.Error(err))
				writeFailure(w, http.StatusUnauthorized, "Unauthorized: Invalid token", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

// RequireRole lets through roles ranked at or above required.
func RequireRole(required domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := ClaimsFrom(r.Context())
			if !ok {
				writeFailure(w, http.StatusUnauthorized, "Unauthorized", nil)
				return
			}
			if !c.Role.AtLeast(required) {
				writeFailure(w, http.StatusForbidden, "Forbidden: Insufficient permissions", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireTenant rejects platform-scope sessions on tenant-scoped routes.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := ClaimsFrom(r.Context())
		if !ok {
			writeFailure(w, http.StatusUnauthorized, "Unauthorized", nil)
			return
		}
		if c.TenantID == "" {
			writeFailure(w, http.StatusForbidden, "Tenant not found", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(allowed []string) func(http.Handler) http.Handler {
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		origins[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if _, ok := origins[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func tokenFromRequest(r *http.Request, allowQuery bool) string {
	if allowQuery {
		if t := r.URL.Query().Get("token"); t != "" {
			return t
		}
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
	}
	if c, err := r.Cookie(accessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

var (
	xForwardedFor = http.CanonicalHeaderKey("X-Forwarded-For")
	xRealIP       = http.CanonicalHeaderKey("X-Real-IP")
)

// TrustedRealIP rewrites RemoteAddr from X-Forwarded-For or X-Real-IP, but only
// when the socket peer is one of the trusted proxies. The forwarded chain is
// read right to left and the first hop outside the trusted set wins, so a
// client cannot pick its own address by prepending entries.
func TrustedRealIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(trusted) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if peer, ok := parseIP(clientIP(r)); ok && isTrusted(trusted, peer) {
				if ip := forwardedClient(r, trusted); ip != "" {
					r.RemoteAddr = ip
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func forwardedClient(r *http.Request, trusted []netip.Prefix) string {
	if xff := r.Header.Get(xForwardedFor); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			ip, ok := parseIP(strings.TrimSpace(hops[i]))
			if !ok {
				return ""
			}
			if !isTrusted(trusted, ip) {
				return ip.String()
			}
		}
		return ""
	}
	if ip, ok := parseIP(strings.TrimSpace(r.Header.Get(xRealIP))); ok {
		return ip.String()
	}
	return ""
}

func parseIP(s string) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

func isTrusted(trusted []netip.Prefix, ip netip.Addr) bool {
	for _, p := range trusted {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AdmitterFunc adapts a function to Admitter.
type AdmitterFunc func(ctx context.Context, callerKey string, class domain.RouteClass) domain.Decision

func (f AdmitterFunc) Admit(ctx context.Context, callerKey string, class domain.RouteClass) domain.Decision {
	return f(ctx, callerKey, class)
}
