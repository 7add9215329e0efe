package httpmw

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/AlexKimmel/RateLite/ratelimit"
)

// Options configures the admission middleware.
type Options struct {
	// Limit and Window declare the policy: at most Limit requests per
	// Window, with bursts up to Limit. Both must be positive.
	Limit  int
	Window time.Duration

	// KeyFunc maps a request to the identity being throttled.
	// Defaults to ClientIP.
	KeyFunc func(*http.Request) string

	// Store answers the admission question. Required.
	Store ratelimit.Store

	// FailOpen admits requests when the store errors (remote backends
	// only). Default false: a store error responds 500.
	FailOpen bool

	// SkipPaths are served without a limit check, e.g. health endpoints.
	SkipPaths map[string]struct{}

	// OnLimited is called with the key for every rejected request.
	OnLimited func(key string)
	// OnError is called with the key whenever the store fails.
	OnError func(key string)
}

// RateLimit builds the admission middleware. Configuration problems are
// reported here, at setup, never deferred to the first request. The
// returned middleware holds no per-key state of its own and is safe to
// share across all handlers.
func RateLimit(opts Options) (Middleware, error) {
	p := ratelimit.Policy{Limit: opts.Limit, Window: opts.Window}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.New("httpmw: rate limit store is required")
	}
	keyFunc := opts.KeyFunc
	if keyFunc == nil {
		keyFunc = ClientIP
	}

	capacity := p.Limit
	refill := p.RefillPerSecond()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := opts.SkipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				writeJSON(w, http.StatusBadRequest, "no_limit_key", "unable to identify caller")
				return
			}

			allowed, err := opts.Store.TakeToken(r.Context(), key, capacity, refill)
			if err != nil {
				if opts.OnError != nil {
					opts.OnError(key)
				}
				if opts.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				writeJSON(w, http.StatusInternalServerError, "rate_limiter_error", "internal rate limiter error")
				return
			}

			if !allowed {
				if opts.OnLimited != nil {
					opts.OnLimited(key)
				}
				writeJSON(w, http.StatusTooManyRequests, "rate_limited", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}, nil
}

// ClientIP is the default key function: first valid address in
// X-Forwarded-For, else the request's remote address, normalized so the
// same caller always maps to the same bucket.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := normalizeIP(strings.TrimSpace(part)); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return normalizeIP(host)
}

func normalizeIP(s string) string {
	// strip IPv6 zone
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
