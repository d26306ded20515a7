package main

import (
	"net"
	"net/http"
	"strings"
)

// ---- header policy ----

// Stripped from the client request before forwarding upstream. Everything
// else, Authorization included, passes through verbatim.
var requestStripHeaders = map[string]struct{}{
	"Host":              {},
	"Content-Length":    {},
	"Transfer-Encoding": {},
	"Connection":        {},
	"Keep-Alive":        {},
	"X-Forwarded-For":   {},
	"X-Real-Ip":         {},
	"X-Forwarded-Host":  {},
	"X-Forwarded-Proto": {},
}

// Stripped from the upstream response before returning to the client.
var responseStripHeaders = map[string]struct{}{
	"Transfer-Encoding":  {},
	"Connection":         {},
	"Keep-Alive":         {},
	"Set-Cookie":         {},
	"Www-Authenticate":   {},
	"Proxy-Authenticate": {},
	"Content-Length":     {},
}

// upstreamHeaders copies the client's headers minus hop-by-hop headers and
// minus every client-supplied x-forwarded-* variant.
func upstreamHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		canonical := http.CanonicalHeaderKey(key)
		if _, strip := requestStripHeaders[canonical]; strip {
			continue
		}
		if strings.HasPrefix(strings.ToLower(canonical), "x-forwarded-") {
			continue
		}
		for _, v := range values {
			dst.Add(canonical, v)
		}
	}
	return dst
}

func copyResponseHeaders(dst http.Header, src http.Header) {
	for key, values := range src {
		canonical := http.CanonicalHeaderKey(key)
		if _, strip := responseStripHeaders[canonical]; strip {
			continue
		}
		for _, v := range values {
			dst.Add(canonical, v)
		}
	}
}

// ---- request identity ----

// userTag derives a short log-correlation tag from the Authorization header:
// the first 8 characters of a Bearer token, else "anonymous". The token is
// never validated, only sampled.
func userTag(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) >= 7 && strings.EqualFold(auth[:7], "bearer ") {
		token := strings.TrimSpace(auth[7:])
		if token == "" {
			return "anonymous"
		}
		if len(token) > 8 {
			token = token[:8]
		}
		return token
	}
	return "anonymous"
}

// sourceIP is the transport peer only; client-supplied X-Forwarded-For is
// never trusted.
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
