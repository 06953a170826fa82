package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
)

type callerContextKey struct{}

// Caller identifies who sent a request. ID is the rate-limit and audit key.
type Caller struct {
	ID      string
	IP      string
	Country string
}

// CountryLookup resolves ISO country codes for an IP address.
type CountryLookup func(ip string) (string, error)

var callerIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// Trust lists the peers allowed to speak for the end client: only requests
// arriving from one of these networks may set X-Caller-ID, X-Forwarded-For
// or the country hint headers. The zero value trusts nobody.
type Trust struct {
	proxies []netip.Prefix
}

// NewTrust parses CIDRs or bare addresses.
func NewTrust(entries []string) (Trust, error) {
	var t Trust
	for _, raw := range entries {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return Trust{}, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			t.proxies = append(t.proxies, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return Trust{}, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		t.proxies = append(t.proxies, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return t, nil
}

// Empty reports whether no proxy is trusted.
func (t Trust) Empty() bool { return len(t.proxies) == 0 }

func (t Trust) trusts(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range t.proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Identify stores the Caller in the request context. A well-formed
// X-Caller-ID from a trusted peer names the caller; everyone else is keyed
// by client IP.
func Identify(lookup CountryLookup, trust Trust) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			trusted := trust.fromTrustedPeer(r)
			c := Caller{IP: trust.ClientIP(r)}
			c.ID = "ip:" + c.IP
			if trusted {
				if id := strings.TrimSpace(r.Header.Get("X-Caller-ID")); callerIDPattern.MatchString(id) {
					c.ID = id
				}
			}
			hints := r
			if !trusted {
				hints = nil
			}
			c.Country = ResolveCountry(hints, c.IP, lookup)
			ctx := context.WithValue(r.Context(), callerContextKey{}, c)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerFromContext returns the Caller set by Identify.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerContextKey{}).(Caller)
	return c, ok
}

// ClientIP returns the end client address. X-Forwarded-For is read right to
// left and only while the hops are trusted proxies; the first untrusted hop
// is the client. Without a trusted peer the connection address is used.
func (t Trust) ClientIP(r *http.Request) string {
	peer, ok := peerAddr(r)
	if !ok {
		return ""
	}
	if !t.trusts(peer) {
		return peer.String()
	}
	client := peer
	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			break
		}
		client = addr.Unmap()
		if !t.trusts(client) {
			break
		}
	}
	return client.String()
}

func (t Trust) fromTrustedPeer(r *http.Request) bool {
	peer, ok := peerAddr(r)
	return ok && t.trusts(peer)
}

func peerAddr(r *http.Request) (netip.Addr, bool) {
	if r == nil {
		return netip.Addr{}, false
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// ResolveCountry returns a best-effort ISO country code. Edge proxy headers
// on r win over the GeoIP lookup; pass a nil r to skip them.
func ResolveCountry(r *http.Request, ip string, lookup CountryLookup) string {
	if r != nil {
		for _, key := range []string{"X-Country-Code", "X-IP-Country", "CF-IPCountry", "X-Appengine-Country"} {
			if val := strings.TrimSpace(r.Header.Get(key)); isCountryCode(val) {
				return strings.ToUpper(val)
			}
		}
	}
	if lookup != nil && ip != "" {
		if country, err := lookup(ip); err == nil && isCountryCode(country) {
			return strings.ToUpper(country)
		}
	}
	return ""
}

func isCountryCode(v string) bool {
	if len(v) != 2 {
		return false
	}
	for _, r := range v {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}
