package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const sessionHeader = "Mcp-Session-Id"

var uuid4Re = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// ---- POST /{dest}/mcp ----

func (c *Core) handleStreamablePOST(w http.ResponseWriter, r *http.Request, dest *Destination) {
	if dest.Kind == KindStdio {
		c.handleStdioPOST(w, r, dest)
		return
	}

	start := time.Now()
	rec := AuditRecord{
		User:        userTag(r),
		SourceIP:    sourceIP(r),
		Destination: dest.Name,
	}
	defer func() {
		rec.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		c.audit.Log(rec)
		c.metrics.observe(dest.Name, "streamable_http", rec.StatusCode, time.Since(start))
	}()

	release, ok := c.acquireSlot(dest)
	if !ok {
		rec.StatusCode = http.StatusServiceUnavailable
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "Too many concurrent requests for destination"})
		return
	}
	defer release()

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

	resp, err := doWithRetries(r.Context(), c.clients.stream, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, dest.URL.String(), bytes.NewReader(forwarded))
		if err != nil {
			return nil, err
		}
		req.Header = upstreamHeaders(r.Header).Clone()
		return req, nil
	})
	if err != nil {
		rec.StatusCode = http.StatusBadGateway
		rec.Error = err.Error()
		log.Printf("<%s> mcp upstream failed: %v", dest.Name, err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "Upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		rec.StatusCode = resp.StatusCode
		copyResponseHeaders(w.Header(), resp.Header)
		w.Header().Del("Content-Type")
		setSSEHeaders(w)
		if id := resp.Header.Get(sessionHeader); id != "" {
			w.Header().Set(sessionHeader, id)
		}
		w.WriteHeader(resp.StatusCode)
		if err := pumpSSE(r.Context(), w, resp.Body); err != nil {
			rec.Error = err.Error()
		}
		return
	}

	respBody, err := readAllWithTimeout(r.Context(), resp.Body, upstreamReadTimeout)
	if err != nil {
		rec.StatusCode = http.StatusBadGateway
		rec.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "Upstream read failed"})
		return
	}

	outBody := respBody
	if strings.HasPrefix(contentType, "application/json") {
		respScan := c.scanner.Scan(r.Context(), respBody, dest, ScanResponse)
		recordDetection(&rec, respScan)
		if respScan.Action == "block" {
			outBody = scannerBlockedResponseBody(env.ID)
		} else {
			outBody = respScan.Body
		}
	}

	rec.StatusCode = resp.StatusCode
	rec.ResponseBody = outBody
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(outBody)
}

// ---- GET /{dest}/mcp ----

func (c *Core) handleStreamableGET(w http.ResponseWriter, r *http.Request, dest *Destination) {
	if dest.Kind == KindStdio {
		c.handleStdioGET(w, r, dest)
		return
	}

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
		c.metrics.observe(dest.Name, "streamable_http", rec.StatusCode, time.Since(start))
	}()

	release, ok := c.acquireSlot(dest)
	if !ok {
		rec.StatusCode = http.StatusServiceUnavailable
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "Too many concurrent requests for destination"})
		return
	}
	defer release()

	resp, err := doWithRetries(r.Context(), c.clients.stream, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, dest.URL.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header = upstreamHeaders(r.Header).Clone()
		return req, nil
	})
	if err != nil {
		rec.StatusCode = http.StatusBadGateway
		rec.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "Upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	rec.StatusCode = resp.StatusCode
	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Type")
	setSSEHeaders(w)
	w.WriteHeader(resp.StatusCode)
	if err := pumpSSE(r.Context(), w, resp.Body); err != nil {
		rec.Error = err.Error()
	}
}

// ---- DELETE /{dest}/mcp ----

func (c *Core) handleStreamableDELETE(w http.ResponseWriter, r *http.Request, dest *Destination) {
	if dest.Kind == KindStdio {
		c.handleStdioDELETE(w, r, dest)
		return
	}

	start := time.Now()
	rec := AuditRecord{
		User:        userTag(r),
		SourceIP:    sourceIP(r),
		Destination: dest.Name,
	}
	defer func() {
		rec.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		c.audit.Log(rec)
		c.metrics.observe(dest.Name, "streamable_http", rec.StatusCode, time.Since(start))
	}()

	resp, err := doWithRetries(r.Context(), c.clients.request, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodDelete, dest.URL.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header = upstreamHeaders(r.Header).Clone()
		return req, nil
	})
	if err != nil {
		rec.StatusCode = http.StatusBadGateway
		rec.Error = err.Error()
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "Upstream unavailable"})
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	rec.StatusCode = resp.StatusCode
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
}

// pumpSSE relays a validated SSE stream byte-for-byte: allowed field lines
// and blank lines pass, anything else is dropped.
func pumpSSE(ctx context.Context, w http.ResponseWriter, body io.Reader) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming unsupported")
	}
	reader := bufio.NewReader(body)
	for {
		raw, err := reader.ReadString('\n')
		if len(raw) == 0 && err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return err
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" || validSSELine(line) {
			_, _ = io.WriteString(w, line+"\n")
			flusher.Flush()
		}
		if err != nil {
			return nil
		}
	}
}

// ---- stdio dispatch ----

func (c *Core) handleStdioPOST(w http.ResponseWriter, r *http.Request, dest *Destination) {
	start := time.Now()
	rec := AuditRecord{
		User:        userTag(r),
		SourceIP:    sourceIP(r),
		Destination: dest.Name,
	}
	defer func() {
		rec.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		c.audit.Log(rec)
		c.metrics.observe(dest.Name, "stdio", rec.StatusCode, time.Since(start))
	}()

	bridge := c.bridges.Get(dest)

	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" {
		id, err := bridge.OpenSession()
		if err != nil {
			rec.StatusCode = http.StatusServiceUnavailable
			rec.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": sessionOpenError(err)})
			return
		}
		sessionID = id
	} else {
		if !uuid4Re.MatchString(sessionID) {
			rec.StatusCode = http.StatusBadRequest
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid Mcp-Session-Id format"})
			return
		}
		if !bridge.HasSession(sessionID) {
			rec.StatusCode = http.StatusNotFound
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "Session not found"})
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		rec.StatusCode = http.StatusBadRequest
		rec.Error = err.Error()
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Unreadable request body"})
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		rec.StatusCode = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Batch requests are not supported"})
		return
	}
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		rec.StatusCode = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid JSON-RPC body"})
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
		w.Header().Set(sessionHeader, sessionID)
		writeRawJSON(w, http.StatusOK, scannerBlockedRequestBody(env.ID))
		return
	}
	forwarded := scanned.Body
	rec.RequestBody = forwarded

	if env.isNotification() {
		if err := bridge.Notify(forwarded); err != nil {
			rec.StatusCode = http.StatusServiceUnavailable
			rec.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "Destination unavailable"})
			return
		}
		rec.StatusCode = http.StatusAccepted
		w.Header().Set(sessionHeader, sessionID)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	line, err := bridge.Call(r.Context(), forwarded, env.ID)
	if err != nil {
		switch {
		case errors.Is(err, errRPCTimeout):
			rec.StatusCode = http.StatusGatewayTimeout
			rec.Error = err.Error()
			writeJSON(w, http.StatusGatewayTimeout, map[string]any{"error": "Upstream response timeout"})
		case errors.Is(err, context.Canceled) || r.Context().Err() != nil:
			rec.StatusCode = 499 // client closed request
			rec.Error = "client disconnected"
		default:
			rec.StatusCode = http.StatusServiceUnavailable
			rec.Error = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "Destination unavailable"})
		}
		return
	}

	outBody := line
	respScan := c.scanner.Scan(r.Context(), line, dest, ScanResponse)
	recordDetection(&rec, respScan)
	if respScan.Action == "block" {
		outBody = scannerBlockedResponseBody(env.ID)
	} else {
		outBody = respScan.Body
	}

	rec.StatusCode = http.StatusOK
	rec.ResponseBody = outBody
	w.Header().Set(sessionHeader, sessionID)
	writeRawJSON(w, http.StatusOK, outBody)
}

func sessionOpenError(err error) string {
	if errors.Is(err, errCapacity) {
		return "Too many active sessions for destination"
	}
	return "Destination unavailable"
}

func (c *Core) handleStdioGET(w http.ResponseWriter, r *http.Request, dest *Destination) {
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
		c.metrics.observe(dest.Name, "stdio", rec.StatusCode, time.Since(start))
	}()

	bridge := c.bridges.Get(dest)
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" || !uuid4Re.MatchString(sessionID) {
		rec.StatusCode = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Missing or invalid Mcp-Session-Id header"})
		return
	}
	if !bridge.HasSession(sessionID) {
		rec.StatusCode = http.StatusNotFound
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Session not found"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		rec.StatusCode = http.StatusInternalServerError
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	queue := bridge.Subscribe(sessionID)
	defer bridge.Unsubscribe(queue)

	setSSEHeaders(w)
	w.Header().Set(sessionHeader, sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		line, ok := queue.next(r.Context())
		if !ok {
			return
		}
		_, _ = io.WriteString(w, "data: "+string(line)+"\n\n")
		flusher.Flush()
	}
}

func (c *Core) handleStdioDELETE(w http.ResponseWriter, r *http.Request, dest *Destination) {
	start := time.Now()
	rec := AuditRecord{
		User:        userTag(r),
		SourceIP:    sourceIP(r),
		Destination: dest.Name,
	}
	defer func() {
		rec.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		c.audit.Log(rec)
		c.metrics.observe(dest.Name, "stdio", rec.StatusCode, time.Since(start))
	}()

	bridge := c.bridges.Get(dest)
	sessionID := r.Header.Get(sessionHeader)
	if sessionID == "" || !uuid4Re.MatchString(sessionID) {
		rec.StatusCode = http.StatusBadRequest
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Missing or invalid Mcp-Session-Id header"})
		return
	}
	if !bridge.CloseSession(sessionID) {
		rec.StatusCode = http.StatusNotFound
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "Session not found"})
		return
	}
	rec.StatusCode = http.StatusNoContent
	w.WriteHeader(http.StatusNoContent)
}
