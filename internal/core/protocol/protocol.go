// Package protocol defines the JSON-RPC exchange between hotswap and the
// plugin's control server.
//
// Every request travels on its own TCP connection as a single JSON document
// terminated by a newline. The server answers with one JSON document and no
// length prefix, so readers must attempt a parse as data arrives.
//
// This package contains pure types with no I/O - following ADR-002.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// JSONRPCVersion is sent in every request.
const JSONRPCVersion = "2.0"

// Methods and tool names understood by the plugin's server.
const (
	MethodInitialize = "initialize"
	MethodToolsCall  = "tools/call"

	ToolQuit           = "quit"
	ToolGetBuildStatus = "getBuildStatus"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrConnectionRefused means the server is not listening (yet). Callers
	// treat it as "not ready" rather than fatal.
	ErrConnectionRefused = errors.New("rpc connection refused")

	// ErrTimeout means no complete response arrived within the method's
	// timeout. Pollers treat it as "still working".
	ErrTimeout = errors.New("rpc timeout")

	// ErrProtocol means the response was malformed, partial or uncorrelated.
	ErrProtocol = errors.New("rpc protocol error")

	// ErrRemote means the server answered with a JSON-RPC error object.
	ErrRemote = errors.New("rpc remote error")
)

// RPCError wraps a classified failure with the method that produced it.
type RPCError struct {
	Method  string
	Kind    error // One of the sentinels above
	Message string
	Err     error // Underlying cause, may be nil
}

func (e *RPCError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %s: %v", e.Method, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Method, e.Kind, e.Message)
}

// Unwrap exposes both the classification and the cause to errors.Is/As.
func (e *RPCError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewRPCError creates a new RPCError.
func NewRPCError(method string, kind error, message string, err error) *RPCError {
	return &RPCError{
		Method:  method,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// =============================================================================
// Request
// =============================================================================

// Request is a JSON-RPC request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      string          `json:"id"`
}

// ToolParams is the params object of a tools/call request.
type ToolParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

// NewRequest builds a request with params marshalled to JSON.
func NewRequest(id, method string, params any) (*Request, error) {
	req := &Request{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		ID:      id,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewToolCall builds a tools/call request selecting the named tool.
func NewToolCall(id, tool string, args any) (*Request, error) {
	if args == nil {
		args = map[string]any{}
	}
	return NewRequest(id, MethodToolsCall, ToolParams{Name: tool, Arguments: args})
}

// Encode renders the request as a single newline-terminated line.
func (r *Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return append(data, '\n'), nil
}

// TimeoutKey names the entry used to look up this request's timeout:
// the tool name for tools/call, otherwise the method.
func (r *Request) TimeoutKey() string {
	if r.Method != MethodToolsCall || len(r.Params) == 0 {
		return r.Method
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(r.Params, &p); err != nil || p.Name == "" {
		return r.Method
	}
	return p.Name
}

// =============================================================================
// Response
// =============================================================================

// Response is a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the JSON-RPC error member.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ParseResponse parses one complete response document. It returns
// ErrProtocol for anything that is not a single JSON object.
func ParseResponse(data []byte) (*Response, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrProtocol)
	}
	var resp Response
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &resp, nil
}

// MatchesID reports whether the response correlates with request id.
// Servers that omit the id (or send null) are accepted.
func (r *Response) MatchesID(id string) bool {
	raw := bytes.TrimSpace(r.ID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == id
	}
	// Numeric ids are compared by their literal text.
	return string(raw) == id
}

// UnmarshalResult decodes the result member into target.
func (r *Response) UnmarshalResult(target any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("%w: response has no result", ErrProtocol)
	}
	if err := json.Unmarshal(r.Result, target); err != nil {
		return fmt.Errorf("%w: decode result: %v", ErrProtocol, err)
	}
	return nil
}

// ResultText returns the result as free text. Plain strings are returned
// as is; tool results carrying content[].text are joined; anything else is
// returned as its JSON encoding.
func (r *Response) ResultText() (string, error) {
	if len(r.Result) == 0 {
		return "", fmt.Errorf("%w: response has no result", ErrProtocol)
	}

	var s string
	if err := json.Unmarshal(r.Result, &s); err == nil {
		return s, nil
	}

	var tool struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(r.Result, &tool); err == nil && len(tool.Content) > 0 {
		parts := make([]string, 0, len(tool.Content))
		for _, c := range tool.Content {
			if c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		return strings.Join(parts, "\n"), nil
	}

	return string(r.Result), nil
}

// =============================================================================
// Result Types
// =============================================================================

// ServerInfo identifies the running plugin.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is returned by the initialize method.
type InitializeResult struct {
	ProtocolVersion string     `json:"protocolVersion,omitempty"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}
