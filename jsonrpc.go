package main

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
)

// ---- JSON-RPC envelope helpers ----

// rpcEnvelope is the minimal view of a JSON-RPC 2.0 message needed for
// routing and logging. The id stays raw so number/string/null round-trip
// byte-exact.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   jsonrpcError    `json:"error"`
}

// parseEnvelope tolerantly extracts method and id; a body that is not a JSON
// object yields an empty envelope rather than an error.
func parseEnvelope(body []byte) rpcEnvelope {
	var env rpcEnvelope
	_ = json.Unmarshal(body, &env)
	return env
}

// idIsNull reports whether a raw id is absent or the JSON literal null, i.e.
// the message is a notification.
func idIsNull(id json.RawMessage) bool {
	return len(id) == 0 || bytes.Equal(bytes.TrimSpace(id), []byte("null"))
}

func (e rpcEnvelope) isNotification() bool { return e.Method != "" && idIsNull(e.ID) }

func (e rpcEnvelope) methodPtr() *string {
	if e.Method == "" {
		return nil
	}
	m := e.Method
	return &m
}

// rewriteRequestID replaces the id of a JSON-RPC object with the given
// integer, returning the new serialization. Key order is not preserved;
// JSON-RPC peers must not depend on it.
func rewriteRequestID(body []byte, id int64) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	obj["id"] = json.RawMessage(strconv.FormatInt(id, 10))
	return json.Marshal(obj)
}

// restoreResponseID puts the client's original id back into a response line.
func restoreResponseID(line []byte, original json.RawMessage) ([]byte, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil {
		return nil, err
	}
	if idIsNull(original) {
		obj["id"] = json.RawMessage("null")
	} else {
		obj["id"] = original
	}
	return json.Marshal(obj)
}

// internalResponseID extracts an integer id from a subprocess stdout line;
// ok is false for notifications and non-integer ids.
func internalResponseID(line []byte) (int64, bool) {
	env := parseEnvelope(line)
	if idIsNull(env.ID) {
		return 0, false
	}
	id, err := strconv.ParseInt(string(bytes.TrimSpace(env.ID)), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// rpcErrorBody synthesizes a JSON-RPC error response carrying the client's
// original id.
func rpcErrorBody(id json.RawMessage, code int, message string) []byte {
	if idIsNull(id) {
		id = json.RawMessage("null")
	}
	body, _ := json.Marshal(jsonrpcErrorResponse{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error:   jsonrpcError{Code: code, Message: message},
	})
	return body
}

// Scanner verdicts map onto the standard codes: a blocked request is an
// invalid request, a blocked response is an internal error.
func scannerBlockedRequestBody(id json.RawMessage) []byte {
	return rpcErrorBody(id, mcp.INVALID_REQUEST, "request blocked by content scanner")
}

func scannerBlockedResponseBody(id json.RawMessage) []byte {
	return rpcErrorBody(id, mcp.INTERNAL_ERROR, "response blocked by content scanner")
}
