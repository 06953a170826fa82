package middleware

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy is the set of browser origins allowed to call the API. A "*"
// entry allows any origin without credentials.
type OriginPolicy struct {
	allow    map[string]struct{}
	wildcard bool
}

func NewOriginPolicy(origins []string) OriginPolicy {
	p := OriginPolicy{allow: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		switch origin {
		case "":
		case "*":
			p.wildcard = true
		default:
			p.allow[origin] = struct{}{}
		}
	}
	return p
}

// Listed reports whether origin is named explicitly.
func (p OriginPolicy) Listed(origin string) bool {
	_, ok := p.allow[origin]
	return ok
}

// Allows reports whether a browser at origin may call the API.
func (p OriginPolicy) Allows(origin string) bool {
	return p.wildcard || p.Listed(origin)
}

// CheckWebSocket is a websocket.Upgrader CheckOrigin func. Clients that send
// no Origin (non-browser) and same-host pages are always accepted; other
// pages must pass the policy.
func (p OriginPolicy) CheckWebSocket(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return p.Allows(origin)
}

// CORS allows browser clients accepted by the policy built from allowedOrigins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	policy := NewOriginPolicy(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && policy.Allows(origin) {
				if policy.Listed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				}
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Caller-ID, X-Request-ID")
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
				w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
