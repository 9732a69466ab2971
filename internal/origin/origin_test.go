package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantOK   bool
		wantNorm string
		wantHost string
	}{
		{name: "lowercases", raw: "HTTPS://Example.COM", wantOK: true, wantNorm: "https://example.com", wantHost: "example.com"},
		{name: "strips default https port", raw: "https://example.com:443", wantOK: true, wantNorm: "https://example.com", wantHost: "example.com"},
		{name: "strips default http port", raw: "http://localhost:80/", wantOK: true, wantNorm: "http://localhost", wantHost: "localhost"},
		{name: "keeps other port", raw: "http://localhost:3000", wantOK: true, wantNorm: "http://localhost:3000", wantHost: "localhost:3000"},
		{name: "ipv6", raw: "http://[::1]:8080", wantOK: true, wantNorm: "http://[::1]:8080", wantHost: "[::1]:8080"},
		{name: "null", raw: "null", wantOK: true, wantNorm: "null"},
		{name: "empty", raw: "  "},
		{name: "path", raw: "https://example.com/app"},
		{name: "query", raw: "https://example.com?x=1"},
		{name: "userinfo", raw: "https://u:p@example.com"},
		{name: "scheme", raw: "ftp://example.com"},
		{name: "bad port", raw: "https://example.com:99999"},
		{name: "zero port", raw: "https://example.com:0"},
		{name: "unbracketed ipv6", raw: "http://::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			norm, host, ok := NormalizeHeader(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("ok=%v, want %v", ok, tt.wantOK)
			}
			if norm != tt.wantNorm || host != tt.wantHost {
				t.Fatalf("got (%q,%q), want (%q,%q)", norm, host, tt.wantNorm, tt.wantHost)
			}
		})
	}
}

func TestPolicyAllows(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		origin      string
		requestHost string
		want        bool
	}{
		{name: "listed", policy: Policy{"http://localhost:3000"}, origin: "http://localhost:3000", requestHost: "relay:8080", want: true},
		{name: "not listed", policy: Policy{"http://localhost:3000"}, origin: "http://localhost:3001", requestHost: "localhost:3001", want: false},
		{name: "wildcard", policy: Policy{"*"}, origin: "https://evil.example", requestHost: "relay", want: true},
		{name: "same host", origin: "https://relay.example", requestHost: "relay.example:443", want: true},
		{name: "same host behind tls proxy", origin: "https://relay.example:8443", requestHost: "relay.example:8443", want: true},
		{name: "other host", origin: "https://evil.example", requestHost: "relay.example", want: false},
		{name: "null never same-host", origin: "null", requestHost: "relay.example", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			norm, host, ok := NormalizeHeader(tt.origin)
			if !ok {
				t.Fatalf("normalize %q failed", tt.origin)
			}
			if got := tt.policy.Allows(norm, host, tt.requestHost); got != tt.want {
				t.Fatalf("Allows=%v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicyCheckRequest(t *testing.T) {
	p := Policy{"http://localhost:3000"}

	r := httptest.NewRequest("GET", "http://relay/ws", nil)
	if norm, ok := p.CheckRequest(r); !ok || norm != "" {
		t.Fatalf("no Origin: got (%q,%v), want (\"\",true)", norm, ok)
	}

	r.Header.Set("Origin", "http://LOCALHOST:3000")
	if norm, ok := p.CheckRequest(r); !ok || norm != "http://localhost:3000" {
		t.Fatalf("allowed Origin: got (%q,%v)", norm, ok)
	}

	r.Header.Set("Origin", "http://localhost:4000")
	if _, ok := p.CheckRequest(r); ok {
		t.Fatalf("disallowed Origin accepted")
	}
}
