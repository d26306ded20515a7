package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

// ---- test fixtures ----

func testSettings() *Settings {
	return &Settings{
		ListenAddr:           ":0",
		AdminPort:            0,
		AuditLogBodies:       true,
		MaxStdioConnections:  10,
		MaxBodyBytes:         32768,
		RPCResponseTimeout:   5 * time.Second,
		AIInjectionThreshold: 0.85,
		PatternsDir:          "",
		MaxSessions:          1000,
	}
}

// lockedBuffer lets the test goroutine read what the sink goroutine wrote.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("invalid audit line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

// waitRecords polls until the sink has flushed at least n records.
func (b *lockedBuffer) waitRecords(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs := b.records(t)
		if len(recs) >= n {
			return recs
		}
		time.Sleep(10 * time.Millisecond)
	}
	recs := b.records(t)
	t.Fatalf("expected %d audit records, got %d", n, len(recs))
	return recs
}

type testCore struct {
	core     *Core
	auditBuf *lockedBuffer
	settings *Settings
}

func newTestCore(t *testing.T, destinations ...*Destination) *testCore {
	t.Helper()
	settings := testSettings()
	return newTestCoreWith(t, settings, destinations...)
}

func newTestCoreWith(t *testing.T, settings *Settings, destinations ...*Destination) *testCore {
	t.Helper()
	table := make(map[string]*Destination, len(destinations))
	for _, dest := range destinations {
		if dest.RegexMode == "" {
			dest.RegexMode = "off"
		}
		if dest.AIMode == "" {
			dest.AIMode = "off"
		}
		table[dest.Name] = dest
	}
	buf := &lockedBuffer{}
	audit := newAuditSink(buf, nil, settings.AuditLogBodies, settings.MaxBodyBytes)
	t.Cleanup(audit.Close)
	scanner := newScanner(settings, nil)
	core := newCore(settings, &Registry{destinations: table}, audit, scanner)
	t.Cleanup(func() {
		core.bridges.ShutdownAll(t.Context())
	})
	return &testCore{core: core, auditBuf: buf, settings: settings}
}

func mustJSON(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", data, err)
	}
	return out
}
