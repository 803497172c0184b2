package util

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func requestFrom(remote string, headers map[string]string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/listings", nil)
	req.RemoteAddr = remote
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func TestClientIPHonoursTrustedHopsOnly(t *testing.T) {
	proxies, err := NewTrustedProxies([]string{"10.0.0.0/8", " 192.168.1.10 ", ""})
	if err != nil {
		t.Fatalf("parse proxies: %v", err)
	}

	cases := map[string]struct {
		req     *http.Request
		proxies *TrustedProxies
		want    string
	}{
		"untrusted peer keeps its own address": {
			req:  requestFrom("198.51.100.10:1234", map[string]string{"X-Forwarded-For": "203.0.113.5", "X-Real-IP": "203.0.113.6"}),
			want: "198.51.100.10",
		},
		"trusted peer forwards tenant address": {
			req:     requestFrom("10.0.0.20:1234", map[string]string{"X-Forwarded-For": "203.0.113.5"}),
			proxies: proxies,
			want:    "203.0.113.5",
		},
		"chain stops at first untrusted hop from the right": {
			req:     requestFrom("192.168.1.10:443", map[string]string{"X-Forwarded-For": "198.51.100.2, 203.0.113.5, 10.0.0.10"}),
			proxies: proxies,
			want:    "203.0.113.5",
		},
		"garbage forwarded header falls back to real ip": {
			req:     requestFrom("10.0.0.20:1234", map[string]string{"X-Forwarded-For": "unknown", "X-Real-IP": "203.0.113.7"}),
			proxies: proxies,
			want:    "203.0.113.7",
		},
		"fully trusted chain yields leftmost hop": {
			req:     requestFrom("10.0.0.20:1234", map[string]string{"X-Forwarded-For": "10.0.0.5, 10.0.0.10"}),
			proxies: proxies,
			want:    "10.0.0.5",
		},
		"ipv4-mapped peer is unmapped": {
			req:     requestFrom("[::ffff:10.1.1.1]:8080", map[string]string{"X-Forwarded-For": "203.0.113.8"}),
			proxies: proxies,
			want:    "203.0.113.8",
		},
		"unparseable remote addr is returned as is": {
			req:  requestFrom("pipe", nil),
			want: "pipe",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if got := ClientIP(tc.req, tc.proxies); got != tc.want {
				t.Fatalf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNewTrustedProxies(t *testing.T) {
	proxies, err := NewTrustedProxies([]string{"10.1.2.3/8", "2001:db8::1"})
	if err != nil {
		t.Fatalf("parse proxies: %v", err)
	}
	if !proxies.Contains(netip.MustParseAddr("10.200.0.1")) {
		t.Fatalf("masked prefix should cover 10.200.0.1")
	}
	if !proxies.Contains(netip.MustParseAddr("2001:db8::1")) || proxies.Contains(netip.MustParseAddr("2001:db8::2")) {
		t.Fatalf("bare ipv6 entry must match only itself")
	}
	if _, err := NewTrustedProxies([]string{"bad-cidr"}); err == nil {
		t.Fatalf("expected parse error for invalid entry")
	}
	if p, err := NewTrustedProxies([]string{" ", ""}); err != nil || p != nil {
		t.Fatalf("blank entries = %v, %v; want nil set", p, err)
	}
	var none *TrustedProxies
	if none.Contains(netip.MustParseAddr("10.0.0.1")) {
		t.Fatalf("nil set trusts nobody")
	}
}

func TestWithClientIPStoresResolvedIP(t *testing.T) {
	proxies, err := NewTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("parse proxies: %v", err)
	}
	var got string
	h := WithClientIP(proxies, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = ClientIPFromRequest(r)
	}))
	h.ServeHTTP(httptest.NewRecorder(), requestFrom("10.1.2.3:5555", map[string]string{"X-Forwarded-For": "203.0.113.9"}))
	if got != "203.0.113.9" {
		t.Fatalf("client ip = %q", got)
	}

	if ip := ClientIPFromRequest(requestFrom("198.51.100.1:80", nil)); ip != "198.51.100.1" {
		t.Fatalf("fallback client ip = %q", ip)
	}
}
