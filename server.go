package main

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"
)

// ---- core ----

// Core is the assembled proxy state: everything handlers need, built once in
// main and passed through explicitly. No process-wide singletons.
type Core struct {
	settings *Settings
	registry *Registry
	audit    *AuditSink
	sessions *SessionMap
	scanner  *Scanner
	bridges  *BridgeSet
	clients  *UpstreamClients
	metrics  *Metrics

	slotMu sync.Mutex
	slots  map[string]*semaphore.Weighted
}

func newCore(settings *Settings, registry *Registry, audit *AuditSink, scanner *Scanner) *Core {
	metrics := newMetrics()
	return &Core{
		settings: settings,
		registry: registry,
		audit:    audit,
		sessions: newSessionMap(settings.MaxSessions),
		scanner:  scanner,
		bridges:  newBridgeSet(settings, audit, metrics),
		clients:  newUpstreamClients(),
		metrics:  metrics,
		slots:    make(map[string]*semaphore.Weighted),
	}
}

// acquireSlot takes one unit of the destination's concurrency budget for the
// lifetime of a request; ok is false when the budget is spent.
func (c *Core) acquireSlot(dest *Destination) (func(), bool) {
	c.slotMu.Lock()
	sem, ok := c.slots[dest.Name]
	if !ok {
		sem = semaphore.NewWeighted(int64(dest.maxConns(c.settings)))
		c.slots[dest.Name] = sem
	}
	c.slotMu.Unlock()
	if !sem.TryAcquire(1) {
		return nil, false
	}
	return func() { sem.Release(1) }, true
}

// ---- response helpers ----

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRawJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// ---- middleware ----

type MiddlewareFunc func(http.Handler) http.Handler

func chainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for _, mw := range middlewares {
		h = mw(h)
	}
	return h
}

// recoverMiddleware contains handler panics, attributing them to the routed
// destination and request identity in the operator log. It writes no audit
// record of its own: the handlers' deferred audit logging still fires during
// unwinding, and a second record here would double-count the request.
func (c *Core) recoverMiddleware(prefix string) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Printf("<%s> panic serving %s %s destination=%s user=%s source_ip=%s: %v",
						prefix, r.Method, r.URL.Path, destinationFromRequest(r), userTag(r), sourceIP(r), err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// destinationFromRequest recovers the routed destination name, falling back
// to the first path segment when the panic happened before routing.
func destinationFromRequest(r *http.Request) string {
	if dest := r.PathValue("dest"); dest != "" {
		return dest
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

// ---- route wiring ----

// resolveDestination is the shared 404 gate for the /{dest}/... routes.
func (c *Core) resolveDestination(w http.ResponseWriter, r *http.Request) (*Destination, bool) {
	name := r.PathValue("dest")
	dest, ok := c.registry.Lookup(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Unknown destination: " + name})
		return nil, false
	}
	return dest, true
}

func wrongKind(w http.ResponseWriter, dest *Destination) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": "Destination " + dest.Name + " does not support this transport",
	})
}

func newMux(core *Core) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		// health is intentionally absent from the audit log
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})

	mux.HandleFunc("GET /{dest}/sse", func(w http.ResponseWriter, r *http.Request) {
		dest, ok := core.resolveDestination(w, r)
		if !ok {
			return
		}
		switch dest.Kind {
		case KindSSE:
			core.handleLegacySSE(w, r, dest)
		case KindStdio:
			core.handleLegacyGone(w, r, dest)
		default:
			wrongKind(w, dest)
		}
	})

	mux.HandleFunc("POST /{dest}/message", func(w http.ResponseWriter, r *http.Request) {
		dest, ok := core.resolveDestination(w, r)
		if !ok {
			return
		}
		switch dest.Kind {
		case KindSSE:
			core.handleLegacyMessage(w, r, dest)
		case KindStdio:
			core.handleLegacyGone(w, r, dest)
		default:
			wrongKind(w, dest)
		}
	})

	mcpGate := func(handler func(http.ResponseWriter, *http.Request, *Destination)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			dest, ok := core.resolveDestination(w, r)
			if !ok {
				return
			}
			if dest.Kind != KindStreamableHTTP && dest.Kind != KindStdio {
				wrongKind(w, dest)
				return
			}
			handler(w, r, dest)
		}
	}
	mux.HandleFunc("POST /{dest}/mcp", mcpGate(core.handleStreamablePOST))
	mux.HandleFunc("GET /{dest}/mcp", mcpGate(core.handleStreamableGET))
	mux.HandleFunc("DELETE /{dest}/mcp", mcpGate(core.handleStreamableDELETE))

	return chainMiddleware(mux, core.recoverMiddleware("proxy"))
}

// newAdminMux serves the loopback-only operational surface.
func newAdminMux(core *Core) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /admin/reload-patterns", func(w http.ResponseWriter, r *http.Request) {
		if !isLoopback(r.RemoteAddr) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "admin endpoints are loopback-only"})
			return
		}
		loaded := core.scanner.LoadPatterns()
		writeJSON(w, http.StatusOK, map[string]any{"loaded": loaded})
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(core.metrics.registry, promhttp.HandlerOpts{}))

	return chainMiddleware(mux, core.recoverMiddleware("admin"))
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// shutdownServer stops one listener with a bounded grace period.
func shutdownServer(ctx context.Context, server *http.Server, name string) {
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("<%s> shutdown: %v", name, err)
	}
}
