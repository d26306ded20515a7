package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ---- scanner hook ----

type ScanDirection string

const (
	ScanRequest  ScanDirection = "request"
	ScanResponse ScanDirection = "response"
)

// Mode severity for "strictest wins" across engines.
var modeSeverity = map[string]int{"off": 0, "pass": 0, "monitor": 1, "redact": 2, "block": 3}

// ScanResult describes the verdict for one body. Body is the bytes to
// forward: the original on pass/monitor/block, the substituted text on
// redact.
type ScanResult struct {
	Action string // pass, monitor, redact, block
	Engine string // regex, ai
	Detail string // matched pattern or confidence score
	Body   []byte
}

// Classifier is the pluggable AI engine. Implementations must run inference
// off the request path's critical budget; Classify may block on a worker.
type Classifier interface {
	Classify(ctx context.Context, text string) (float64, error)
}

// Scanner evaluates bodies against the regex engine and an optional AI
// classifier, per-destination modes deciding what each detection means.
type Scanner struct {
	settings   *Settings
	classifier Classifier

	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

func newScanner(settings *Settings, classifier Classifier) *Scanner {
	return &Scanner{settings: settings, classifier: classifier}
}

// ---- pattern loading ----

// LoadPatterns reads *.txt and *.conf files under the patterns directory,
// one case-insensitive regex per line, skipping blanks, # comments, and
// invalid expressions. Returns the number of compiled patterns.
func (s *Scanner) LoadPatterns() int {
	dir := s.settings.PatternsDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("<scanner> patterns directory unavailable, regex engine has 0 patterns: %v", err)
		s.mu.Lock()
		s.patterns = nil
		s.mu.Unlock()
		return 0
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".txt" && ext != ".conf" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var compiled []*regexp.Regexp
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			log.Printf("<scanner> cannot read pattern file %s: %v", name, err)
			continue
		}
		for lineno, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			re, err := regexp.Compile("(?i)" + line)
			if err != nil {
				log.Printf("<scanner> invalid regex in %s line %d: %v", name, lineno+1, err)
				continue
			}
			compiled = append(compiled, re)
		}
	}

	s.mu.Lock()
	s.patterns = compiled
	s.mu.Unlock()
	log.Printf("<scanner> loaded %d regex patterns from %s", len(compiled), dir)
	return len(compiled)
}

// Watch reloads patterns whenever the directory changes, until ctx ends.
func (s *Scanner) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("<scanner> fsnotify unavailable: %v", err)
		return
	}
	if err := watcher.Add(s.settings.PatternsDir); err != nil {
		log.Printf("<scanner> cannot watch %s: %v", s.settings.PatternsDir, err)
		_ = watcher.Close()
		return
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					s.LoadPatterns()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("<scanner> watch error: %v", err)
			}
		}
	}()
}

// ---- scan ----

// Scan runs both engines over body with the destination's modes for the
// given direction. The stricter verdict wins; the AI engine is skipped once
// regex already blocked.
func (s *Scanner) Scan(ctx context.Context, body []byte, dest *Destination, direction ScanDirection) ScanResult {
	result := ScanResult{Action: "pass", Body: body}
	if len(body) == 0 || dest == nil {
		return result
	}
	regexMode, aiMode := dest.RegexMode, dest.AIMode
	if regexMode == "off" && aiMode == "off" {
		return result
	}

	if regexMode != "off" {
		s.mu.RLock()
		patterns := s.patterns
		s.mu.RUnlock()
		for _, pattern := range patterns {
			if pattern.Match(body) {
				if modeSeverity[regexMode] > modeSeverity[result.Action] {
					result.Action = regexMode
					result.Engine = "regex"
					result.Detail = pattern.String()
					if regexMode == "redact" {
						result.Body = pattern.ReplaceAll(body, []byte(redactionPlaceholder))
					}
				}
				break
			}
		}
	}

	if aiMode != "off" && result.Action != "block" && s.classifier != nil {
		if len(body) > dest.aiMaxChars() {
			log.Printf("<scanner> ai scan skipped for %s: body exceeds %d chars (%d)", dest.Name, dest.aiMaxChars(), len(body))
		} else if score, err := s.classifier.Classify(ctx, string(body)); err != nil {
			log.Printf("<scanner> ai inference error: %v", err)
		} else if score >= dest.aiThreshold(s.settings) {
			if modeSeverity[aiMode] > modeSeverity[result.Action] {
				result.Action = aiMode
				result.Engine = "ai"
				result.Detail = fmt.Sprintf("score=%.3f", score)
				if aiMode == "redact" {
					result.Body = []byte(redactionPlaceholder)
				}
			}
		}
	}

	if result.Action == "block" {
		// Blocked bodies are never forwarded; keep the original for the caller
		// to synthesize an error against.
		result.Body = body
	}
	return result
}
