package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ---- SSE line grammar ----

var sseFieldPrefixes = []string{"data:", "event:", "id:", "retry:", ":"}

func validSSELine(line string) bool {
	for _, prefix := range sseFieldPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
}

// ---- GET /{dest}/sse ----

// handleLegacySSE proxies the upstream SSE stream, validating each line and
// rewriting endpoint events to point at this proxy's message route.
func (c *Core) handleLegacySSE(w http.ResponseWriter, r *http.Request, dest *Destination) {
	start := time.Now()
	rec := AuditRecord{
		User:        userTag(r),
		SourceIP:    sourceIP(r),
		Destination: dest.Name,
		StatusCode:  http.StatusOK,
	}
	defer func() {
		rec.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		c.audit.Log(rec)
		c.metrics.observe(dest.Name, "sse", rec.StatusCode, time.Since(start))
	}()

	upstreamURL := dest.URL.String() + "/sse"
	headers := upstreamHeaders(r.Header)
	resp, err := doWithRetries(r.Context(), c.clients.stream, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header = headers.Clone()
		return req, nil
	})
	if err != nil {
		rec.StatusCode = http.StatusBadGateway
		rec.Error = err.Error()
		log.Printf("<%s> sse upstream connect failed: %v", dest.Name, err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "Upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(c.settings.MaxBodyBytes)))
		rec.StatusCode = resp.StatusCode
		rec.Error = fmt.Sprintf("upstream returned %d", resp.StatusCode)
		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = w.Write(body)
		return
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Type")
	setSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		rec.StatusCode = http.StatusInternalServerError
		rec.Error = "streaming unsupported"
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)

	var minted []string
	defer func() {
		for _, id := range minted {
			c.sessions.Remove(id)
		}
	}()

	reader := bufio.NewReader(resp.Body)
	currentEvent := ""
	for {
		raw, err := reader.ReadString('\n')
		if len(raw) == 0 && err != nil {
			if err != io.EOF && r.Context().Err() == nil {
				rec.Error = err.Error()
			}
			return
		}
		line := strings.TrimRight(raw, "\r\n")

		if line == "" {
			currentEvent = ""
			_, _ = io.WriteString(w, "\n")
			flusher.Flush()
			if err != nil {
				return
			}
			continue
		}
		if !validSSELine(line) {
			if err != nil {
				return
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(line[len("event:"):])
		} else if strings.HasPrefix(line, "data:") && currentEvent == "endpoint" {
			endpointData := strings.TrimSpace(line[len("data:"):])
			messageURL, rerr := resolveEndpointURL(dest, endpointData)
			if rerr != nil {
				rec.Error = rerr.Error()
				log.Printf("<%s> rejecting endpoint event: %v", dest.Name, rerr)
				return
			}
			sessionID := mintSessionID()
			if rerr := c.sessions.Register(sessionID, dest.Name, messageURL); rerr != nil {
				rec.Error = rerr.Error()
				log.Printf("<%s> session registration failed: %v", dest.Name, rerr)
				return
			}
			minted = append(minted, sessionID)
			line = fmt.Sprintf("data: /%s/message?session_id=%s", dest.Name, sessionID)
		}

		_, _ = io.WriteString(w, line+"\n")
		flusher.Flush()
		if err != nil {
			return
		}
	}
}

// resolveEndpointURL turns the endpoint event payload into the full upstream
// message URL, enforcing same-origin for absolute payloads.
func resolveEndpointURL(dest *Destination, data string) (*url.URL, error) {
	u, err := url.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("unparseable endpoint url %q: %w", data, err)
	}
	if u.IsAbs() {
		if u.Scheme != dest.URL.Scheme || u.Host != dest.URL.Host {
			return nil, fmt.Errorf("endpoint url %q is not same-origin with upstream %s", data, dest.URL)
		}
		return u, nil
	}
	return dest.URL.ResolveReference(u), nil
}

// ---- POST /{dest}/message ----

func (c *Core) handleLegacyMessage(w http.ResponseWriter, r *http.Request, dest *Destination) {
	start := time.Now()
	rec := AuditRecord{
		User:        userTag(r),
		SourceIP:    sourceIP(r),
		Destination: dest.Name,
	}
	defer func() {
		rec.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		c.audit.Log(rec)
		c.metrics.observe(dest.Name, "sse", rec.StatusCode, time.Since(start))
	}()

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		rec.StatusCode = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Missing session_id query parameter"})
		return
	}
	if !legacySessionIDRe.MatchString(sessionID) {
		rec.StatusCode = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid session_id format"})
		return
	}
	entry, ok := c.sessions.Lookup(sessionID)
	if !ok || entry.destination != dest.Name {
		rec.StatusCode = http.StatusNotFound
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Session not found"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		rec.StatusCode = http.StatusBadRequest
		rec.Error = err.Error()
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Unreadable request body"})
		return
	}
	env := parseEnvelope(body)
	rec.McpMethod = env.methodPtr()
	rec.RPCID = env.ID

	scanned := c.scanner.Scan(r.Context(), body, dest, ScanRequest)
	recordDetection(&rec, scanned)
	if scanned.Action == "block" {
		rec.StatusCode = http.StatusOK
		rec.RequestBody = body
		writeRawJSON(w, http.StatusOK, scannerBlockedRequestBody(env.ID))
		return
	}
	forwarded := scanned.Body
	rec.RequestBody = forwarded

	resp, err := doWithRetries(r.Context(), c.clients.request, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, entry.messageURL.String(), strings.NewReader(string(forwarded)))
		if err != nil {
			return nil, err
		}
		req.Header = upstreamHeaders(r.Header).Clone()
		return req, nil
	})
	if err != nil {
		rec.StatusCode = http.StatusBadGateway
		rec.Error = err.Error()
		log.Printf("<%s> message upstream failed: %v", dest.Name, err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "Upstream unreachable"})
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		rec.StatusCode = http.StatusBadGateway
		rec.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "Upstream read failed"})
		return
	}

	outBody := respBody
	respScan := c.scanner.Scan(r.Context(), respBody, dest, ScanResponse)
	recordDetection(&rec, respScan)
	if respScan.Action == "block" {
		outBody = scannerBlockedResponseBody(env.ID)
	} else {
		outBody = respScan.Body
	}

	rec.StatusCode = resp.StatusCode
	rec.ResponseBody = outBody
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(outBody)
}

// recordDetection fills the detection audit fields; the first non-pass
// verdict sticks.
func recordDetection(rec *AuditRecord, scanned ScanResult) {
	if scanned.Action == "pass" || rec.DetectionAction != "" {
		return
	}
	rec.DetectionAction = scanned.Action
	rec.DetectionEngine = scanned.Engine
	rec.DetectionDetail = scanned.Detail
}

// ---- legacy routes on stdio destinations ----

// handleLegacyGone answers 410 for legacy endpoints on stdio destinations:
// the removal is intentional and the replacement is /{dest}/mcp.
func (c *Core) handleLegacyGone(w http.ResponseWriter, r *http.Request, dest *Destination) {
	start := time.Now()
	writeJSON(w, http.StatusGone, map[string]any{
		"error": "SSE transport is no longer available for this destination",
		"use":   "/" + dest.Name + "/mcp",
	})
	c.audit.Log(AuditRecord{
		User:        userTag(r),
		SourceIP:    sourceIP(r),
		Destination: dest.Name,
		StatusCode:  http.StatusGone,
		LatencyMs:   float64(time.Since(start).Microseconds()) / 1000,
	})
	c.metrics.observe(dest.Name, "sse", http.StatusGone, time.Since(start))
}
