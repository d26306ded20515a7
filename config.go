package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ---- env helpers ----

func envStr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envEnabled(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// ---- settings ----

const (
	defaultLogFile     = "/var/log/mithril-proxy/proxy.log"
	defaultPatternsDir = "/etc/mithril-proxy/patterns.d"

	upstreamConnectTimeout = 10 * time.Second
	upstreamReadTimeout    = 60 * time.Second
	subprocessStopGrace    = 5 * time.Second

	notificationQueueSize = 256
	redactionPlaceholder  = "**REDACTED**"
	defaultAIMaxChars     = 8192
)

// Settings carries every env-tunable knob. Loaded once in main and treated as
// immutable afterwards.
type Settings struct {
	ListenAddr           string
	AdminPort            int
	LogFile              string
	AuditLogBodies       bool
	MaxStdioConnections  int
	MaxBodyBytes         int
	RPCResponseTimeout   time.Duration
	AIInjectionThreshold float64
	PatternsDir          string
	MaxSessions          int
	DestinationsPath     string
	SecretsPath          string
}

func loadSettings() *Settings {
	return &Settings{
		ListenAddr:           envStr("LISTEN_ADDR", ":3000"),
		AdminPort:            envInt("ADMIN_PORT", 3001),
		LogFile:              envStr("LOG_FILE", defaultLogFile),
		AuditLogBodies:       envEnabled("AUDIT_LOG_BODIES", true),
		MaxStdioConnections:  envInt("MAX_STDIO_CONNECTIONS", 10),
		MaxBodyBytes:         envInt("MAX_BODY_BYTES", 32768),
		RPCResponseTimeout:   time.Duration(envInt("RPC_RESPONSE_TIMEOUT_SECONDS", 30)) * time.Second,
		AIInjectionThreshold: envFloat("AI_INJECTION_THRESHOLD", 0.85),
		PatternsDir:          envStr("PATTERNS_DIR", defaultPatternsDir),
		MaxSessions:          envInt("MAX_SESSIONS", 1000),
		DestinationsPath:     envStr("DESTINATIONS_CONFIG", filepath.Join("config", "destinations.yml")),
		SecretsPath:          envStr("SECRETS_CONFIG", filepath.Join("config", "secrets.yml")),
	}
}
