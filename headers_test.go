package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUpstreamHeadersStripList(t *testing.T) {
	src := http.Header{}
	src.Set("Authorization", "Bearer secret-token")
	src.Set("Content-Type", "application/json")
	src.Set("Host", "client.example")
	src.Set("Content-Length", "42")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Connection", "keep-alive")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("X-Forwarded-For", "1.2.3.4")
	src.Set("X-Real-Ip", "1.2.3.4")
	src.Set("X-Forwarded-Host", "spoof.example")
	src.Set("X-Forwarded-Proto", "https")
	src.Set("X-Forwarded-Port", "443")

	dst := upstreamHeaders(src)
	if dst.Get("Authorization") != "Bearer secret-token" {
		t.Fatalf("Authorization must pass through verbatim")
	}
	if dst.Get("Content-Type") != "application/json" {
		t.Fatalf("Content-Type must pass through")
	}
	for _, key := range []string{
		"Host", "Content-Length", "Transfer-Encoding", "Connection", "Keep-Alive",
		"X-Forwarded-For", "X-Real-Ip", "X-Forwarded-Host", "X-Forwarded-Proto",
		"X-Forwarded-Port",
	} {
		if dst.Get(key) != "" {
			t.Fatalf("%s must be stripped", key)
		}
	}
}

func TestCopyResponseHeadersStripList(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("Mcp-Session-Id", "abc")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Connection", "close")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("Set-Cookie", "session=1")
	src.Set("Www-Authenticate", "Basic")
	src.Set("Proxy-Authenticate", "Basic")
	src.Set("Content-Length", "17")

	dst := http.Header{}
	copyResponseHeaders(dst, src)
	if dst.Get("Content-Type") != "application/json" {
		t.Fatalf("Content-Type must be copied")
	}
	if dst.Get("Mcp-Session-Id") != "abc" {
		t.Fatalf("Mcp-Session-Id must be preserved")
	}
	for _, key := range []string{
		"Transfer-Encoding", "Connection", "Keep-Alive", "Set-Cookie",
		"Www-Authenticate", "Proxy-Authenticate", "Content-Length",
	} {
		if dst.Get(key) != "" {
			t.Fatalf("%s must be stripped from responses", key)
		}
	}
}

func TestUserTag(t *testing.T) {
	cases := []struct {
		auth string
		want string
	}{
		{"", "anonymous"},
		{"Basic dXNlcjpwYXNz", "anonymous"},
		{"Bearer ", "anonymous"},
		{"Bearer abc", "abc"},
		{"Bearer abcdefghijklmnop", "abcdefgh"},
		{"bearer lowercase-scheme", "lowercas"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.auth != "" {
			r.Header.Set("Authorization", tc.auth)
		}
		if got := userTag(r); got != tc.want {
			t.Fatalf("userTag(%q) = %q, want %q", tc.auth, got, tc.want)
		}
	}
}

func TestSourceIPIgnoresForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:54321"
	r.Header.Set("X-Forwarded-For", "203.0.113.1")
	if got := sourceIP(r); got != "192.0.2.7" {
		t.Fatalf("sourceIP = %q, want transport peer", got)
	}
}
