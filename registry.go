package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ---- destination model ----

type DestinationKind string

const (
	KindSSE            DestinationKind = "sse"
	KindStreamableHTTP DestinationKind = "streamable_http"
	KindStdio          DestinationKind = "stdio"
)

var destinationNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Destination is one configured upstream. Immutable after load.
type Destination struct {
	Name    string
	Kind    DestinationKind
	URL     *url.URL          // sse / streamable_http
	Command []string          // stdio argv
	Env     map[string]string // config env block
	Secrets map[string]string // secrets.yml env block

	MaxConnections *int
	Eager          bool

	RegexMode   string
	AIMode      string
	AIThreshold *float64
	AIMaxChars  *int
}

// maxConns resolves the per-destination cap against the global default.
func (d *Destination) maxConns(settings *Settings) int {
	if d.MaxConnections != nil && *d.MaxConnections > 0 {
		return *d.MaxConnections
	}
	return settings.MaxStdioConnections
}

func (d *Destination) aiThreshold(settings *Settings) float64 {
	if d.AIThreshold != nil {
		return *d.AIThreshold
	}
	return settings.AIInjectionThreshold
}

func (d *Destination) aiMaxChars() int {
	if d.AIMaxChars != nil && *d.AIMaxChars > 0 {
		return *d.AIMaxChars
	}
	return defaultAIMaxChars
}

// ---- registry ----

// Registry is the immutable name → destination table.
type Registry struct {
	destinations map[string]*Destination
}

func (r *Registry) Lookup(name string) (*Destination, bool) {
	d, ok := r.destinations[name]
	return d, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.destinations))
	for name := range r.destinations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int { return len(r.destinations) }

// ---- yaml shapes ----

type destinationFile struct {
	Destinations map[string]yaml.Node `yaml:"destinations"`
}

type destinationEntry struct {
	Type           string         `yaml:"type"`
	URL            string         `yaml:"url"`
	Command        string         `yaml:"command"`
	Env            map[string]any `yaml:"env"`
	MaxConnections *int           `yaml:"max_connections"`
	Eager          bool           `yaml:"eager"`
	RegexMode      string         `yaml:"regex_mode"`
	AIMode         string         `yaml:"ai_mode"`
	AIThreshold    *float64       `yaml:"ai_threshold"`
	AIMaxChars     *int           `yaml:"ai_max_chars"`
}

var scannerModes = map[string]struct{}{"off": {}, "monitor": {}, "redact": {}, "block": {}}

// loadRegistry reads destinations.yml and secrets.yml into an immutable
// Registry. A missing secrets file is fine; a missing destinations file is a
// startup error.
func loadRegistry(path, secretsPath string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read destinations config: %w", err)
	}

	// Accept both a top-level destinations key and a flat mapping.
	var file destinationFile
	if err := yaml.Unmarshal(data, &file); err != nil || file.Destinations == nil {
		var flat map[string]yaml.Node
		if err2 := yaml.Unmarshal(data, &flat); err2 != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err2)
		}
		file.Destinations = flat
	}

	secrets, err := loadSecrets(secretsPath)
	if err != nil {
		return nil, err
	}

	destinations := make(map[string]*Destination, len(file.Destinations))
	for name, node := range file.Destinations {
		if !destinationNameRe.MatchString(name) {
			return nil, fmt.Errorf("destination %q: name must match %s", name, destinationNameRe.String())
		}
		dest, err := parseDestination(name, node)
		if err != nil {
			return nil, err
		}
		dest.Secrets = secrets[name]
		destinations[name] = dest
	}
	return &Registry{destinations: destinations}, nil
}

func parseDestination(name string, node yaml.Node) (*Destination, error) {
	// Bare string is the sse shorthand.
	if node.Kind == yaml.ScalarNode {
		var raw string
		if err := node.Decode(&raw); err != nil {
			return nil, fmt.Errorf("destination %q: %w", name, err)
		}
		u, err := parseUpstreamURL(name, raw)
		if err != nil {
			return nil, err
		}
		return &Destination{Name: name, Kind: KindSSE, URL: u, RegexMode: "off", AIMode: "off"}, nil
	}

	var entry destinationEntry
	if err := node.Decode(&entry); err != nil {
		return nil, fmt.Errorf("destination %q: %w", name, err)
	}

	kind := DestinationKind(entry.Type)
	if entry.Type == "" {
		kind = KindSSE
	}
	dest := &Destination{
		Name:           name,
		Kind:           kind,
		Env:            coerceEnv(entry.Env),
		MaxConnections: entry.MaxConnections,
		Eager:          entry.Eager,
		RegexMode:      defaultMode(entry.RegexMode),
		AIMode:         defaultMode(entry.AIMode),
		AIThreshold:    entry.AIThreshold,
		AIMaxChars:     entry.AIMaxChars,
	}
	if _, ok := scannerModes[dest.RegexMode]; !ok {
		return nil, fmt.Errorf("destination %q: unknown regex_mode %q", name, dest.RegexMode)
	}
	if _, ok := scannerModes[dest.AIMode]; !ok {
		return nil, fmt.Errorf("destination %q: unknown ai_mode %q", name, dest.AIMode)
	}

	switch kind {
	case KindSSE, KindStreamableHTTP:
		u, err := parseUpstreamURL(name, entry.URL)
		if err != nil {
			return nil, err
		}
		dest.URL = u
	case KindStdio:
		argv, err := parseCommand(name, entry.Command)
		if err != nil {
			return nil, err
		}
		dest.Command = argv
	default:
		return nil, fmt.Errorf("destination %q: unknown type %q (accepted: sse, stdio, streamable_http)", name, entry.Type)
	}
	return dest, nil
}

func defaultMode(mode string) string {
	if mode == "" {
		return "off"
	}
	return mode
}

func coerceEnv(raw map[string]any) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	env := make(map[string]string, len(raw))
	for k, v := range raw {
		env[k] = fmt.Sprint(v)
	}
	return env
}

func parseUpstreamURL(name, raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("destination %q: requires a non-empty url", name)
	}
	u, err := url.Parse(strings.TrimSuffix(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("destination %q: invalid url: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("destination %q: url scheme must be http or https, got %q", name, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("destination %q: url has no host", name)
	}
	return u, nil
}

// ---- command parsing ----

const shellMetachars = ";|&$><`\n\r()"

// parseCommand tokenizes a command string POSIX-style without invoking a
// shell: single and double quotes group words, backslash escapes the next
// character outside single quotes, no expansion of any kind. Tokens carrying
// shell metacharacters are rejected outright, and the executable must resolve
// on PATH.
func parseCommand(name, command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("destination %q: requires a non-empty command", name)
	}
	if strings.ContainsAny(command, shellMetachars) {
		return nil, fmt.Errorf("destination %q: command contains shell metacharacters", name)
	}
	argv, err := splitCommand(command)
	if err != nil {
		return nil, fmt.Errorf("destination %q: %w", name, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("destination %q: command is empty after tokenization", name)
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("destination %q: executable %q not found on PATH", name, argv[0])
	}
	return argv, nil
}

func splitCommand(s string) ([]string, error) {
	var (
		argv    []string
		current strings.Builder
		inWord  bool
		quote   rune // 0, '\'' or '"'
		escaped bool
	)
	for _, r := range s {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case quote == '\'':
			if r == '\'' {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\\':
			escaped = true
			inWord = true
		case quote == '"':
			if r == '"' {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				argv = append(argv, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}
	if escaped {
		return nil, errors.New("command ends with an unfinished escape")
	}
	if quote != 0 {
		return nil, errors.New("command has an unterminated quote")
	}
	if inWord {
		argv = append(argv, current.String())
	}
	return argv, nil
}

// ---- secrets ----

func loadSecrets(path string) (map[string]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read secrets config: %w", err)
	}
	var raw map[string]map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	secrets := make(map[string]map[string]string, len(raw))
	for dest, env := range raw {
		secrets[dest] = coerceEnv(env)
	}
	return secrets, nil
}
