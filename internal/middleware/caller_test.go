package middleware

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func mustTrust(t *testing.T, entries ...string) Trust {
	t.Helper()
	trust, err := NewTrust(entries)
	if err != nil {
		t.Fatalf("NewTrust: %v", err)
	}
	return trust
}

func TestNewTrustRejectsGarbage(t *testing.T) {
	for _, entry := range []string{"10.0.0.0/33", "not-an-ip", "10.0.0/8"} {
		if _, err := NewTrust([]string{entry}); err == nil {
			t.Fatalf("expected error for %q", entry)
		}
	}
}

func TestClientIP(t *testing.T) {
	proxies := mustTrust(t, "10.0.0.0/8", "2001:db8::2")
	tests := []struct {
		name       string
		trust      Trust
		header     string
		remoteAddr string
		want       string
	}{
		{
			name:       "untrusted peer ignores forwarded header",
			trust:      proxies,
			header:     "203.0.113.1",
			remoteAddr: "198.51.100.10:1234",
			want:       "198.51.100.10",
		},
		{
			name:       "zero trust ignores forwarded header",
			header:     "203.0.113.1",
			remoteAddr: "10.0.0.5:1234",
			want:       "10.0.0.5",
		},
		{
			name:       "trusted peer uses forwarded client",
			trust:      proxies,
			header:     "203.0.113.1",
			remoteAddr: "10.0.0.5:1234",
			want:       "203.0.113.1",
		},
		{
			name:       "spoofed leftmost entry is skipped",
			trust:      proxies,
			header:     "1.2.3.4, 203.0.113.1, 10.0.0.9",
			remoteAddr: "10.0.0.5:1234",
			want:       "203.0.113.1",
		},
		{
			name:       "invalid hop stops the walk",
			trust:      proxies,
			header:     "203.0.113.1, invalid",
			remoteAddr: "10.0.0.5:1234",
			want:       "10.0.0.5",
		},
		{
			name:       "ipv6 trusted proxy",
			trust:      proxies,
			header:     "2001:db8::1",
			remoteAddr: net.JoinHostPort("2001:db8::2", "443"),
			want:       "2001:db8::1",
		},
		{
			name:       "remote without port",
			remoteAddr: "203.0.113.1",
			want:       "203.0.113.1",
		},
		{
			name:       "garbage remote",
			remoteAddr: "pipe",
			want:       "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.header != "" {
				req.Header.Set("X-Forwarded-For", tc.header)
			}
			if got := tc.trust.ClientIP(req); got != tc.want {
				t.Fatalf("ClientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveCountry(t *testing.T) {
	tests := []struct {
		name     string
		header   map[string]string
		resolver CountryLookup
		want     string
	}{
		{
			name:   "header precedence",
			header: map[string]string{"X-Country-Code": "us", "CF-IPCountry": "id"},
			want:   "US",
		},
		{
			name:   "malformed header ignored",
			header: map[string]string{"CF-IPCountry": "XX1"},
			want:   "",
		},
		{
			name: "resolver fallback",
			resolver: func(ip string) (string, error) {
				if ip != "203.0.113.4" {
					t.Fatalf("unexpected ip: %s", ip)
				}
				return "my", nil
			},
			want: "MY",
		},
		{
			name: "resolver error returns empty",
			resolver: func(ip string) (string, error) {
				return "", errors.New("boom")
			},
			want: "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			if got := ResolveCountry(req, "203.0.113.4", tc.resolver); got != tc.want {
				t.Fatalf("ResolveCountry() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestIdentify(t *testing.T) {
	proxy := mustTrust(t, "192.0.2.0/24")
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		wantID     string
		wantIP     string
		wantCC     string
	}{
		{
			name:       "trusted peer names the caller",
			remoteAddr: "192.0.2.10:5555",
			headers:    map[string]string{"X-Caller-ID": "chat:12345", "X-Forwarded-For": "198.51.100.7"},
			wantID:     "chat:12345",
			wantIP:     "198.51.100.7",
			wantCC:     "DE",
		},
		{
			name:       "missing caller id uses ip",
			remoteAddr: "192.0.2.10:5555",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.7"},
			wantID:     "ip:198.51.100.7",
			wantIP:     "198.51.100.7",
			wantCC:     "DE",
		},
		{
			name:       "malformed caller id uses ip",
			remoteAddr: "198.51.100.7:5555",
			headers:    map[string]string{"X-Caller-ID": "has spaces and / slashes"},
			wantID:     "ip:198.51.100.7",
			wantIP:     "198.51.100.7",
			wantCC:     "DE",
		},
		{
			name:       "untrusted peer cannot rotate ids",
			remoteAddr: "198.51.100.7:5555",
			headers: map[string]string{
				"X-Caller-ID":     "rotated-42",
				"X-Forwarded-For": "203.0.113.99",
				"CF-IPCountry":    "fr",
			},
			wantID: "ip:198.51.100.7",
			wantIP: "198.51.100.7",
			wantCC: "DE",
		},
		{
			name:       "trusted peer country hint wins",
			remoteAddr: "192.0.2.10:5555",
			headers:    map[string]string{"X-Forwarded-For": "198.51.100.7", "CF-IPCountry": "fr"},
			wantID:     "ip:198.51.100.7",
			wantIP:     "198.51.100.7",
			wantCC:     "FR",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got Caller
			h := Identify(func(string) (string, error) { return "de", nil }, proxy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				c, ok := CallerFromContext(r.Context())
				if !ok {
					t.Fatal("caller missing from context")
				}
				got = c
			}))
			req := httptest.NewRequest(http.MethodPost, "/v1/generations", nil)
			req.RemoteAddr = tc.remoteAddr
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			if got.ID != tc.wantID || got.IP != tc.wantIP || got.Country != tc.wantCC {
				t.Fatalf("caller = %+v, want id=%q ip=%q country=%q", got, tc.wantID, tc.wantIP, tc.wantCC)
			}
		})
	}
}
