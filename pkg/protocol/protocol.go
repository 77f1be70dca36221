// Package protocol defines the JSON-RPC 2.0 wire types exchanged between the
// gateway and the agent over the WebSocket channel. Both the server and the
// client SDK build frames from these types so the two sides cannot drift.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried in every frame.
const Version = "2.0"

// Methods recognized by the gateway.
const (
	MethodAuth              = "auth"
	MethodToolRequest       = "tool_request"
	MethodListTools         = "list_tools"
	MethodGetPendingResults = "get_pending_results"
)

// Error codes. The -327xx range carries the standard JSON-RPC 2.0 meanings;
// the -320xx range is application-defined.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeApprovalDenied    = -32001
	CodeApprovalTimeout   = -32002
	CodePolicyDenied      = -32003
	CodeExecutionFailed   = -32004
	CodeNotAuthenticated  = -32005
	CodeRateLimitExceeded = -32006
)

// CloseAgentConnected is the WebSocket close code sent to a second concurrent
// connection while another agent session holds the singleton slot.
const CloseAgentConnected = 4000

// CloseReasonAgentConnected is the close reason paired with CloseAgentConnected.
const CloseReasonAgentConnected = "Another agent is already connected"

// Request is a client-to-server frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	// ID is kept raw so string, numeric and null ids round-trip untouched.
	ID json.RawMessage `json:"id,omitempty"`
}

// HasID reports whether the request carries a usable (non-null) id.
func (r *Request) HasID() bool {
	return len(r.ID) > 0 && !bytes.Equal(r.ID, []byte("null"))
}

// Response is a server-to-client frame. Exactly one of Result and Error is
// set. The id field is always emitted; a nil ID marshals as JSON null, which
// is what parse errors require.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// ErrorObject is the error member of an error response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewRequest builds a request frame, marshaling params.
func NewRequest(id any, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	if id != nil {
		raw, err := json.Marshal(id)
		if err != nil {
			return nil, err
		}
		req.ID = raw
	}
	return req, nil
}

// NewResult builds a success response echoing the given raw id.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, Result: raw, ID: id}, nil
}

// NewError builds an error response echoing the given raw id. A nil id is
// emitted as null.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		Error:   &ErrorObject{Code: code, Message: message},
		ID:      id,
	}
}

// AuthParams carries the shared agent secret during the handshake.
type AuthParams struct {
	Token string `json:"token"`
}

// AuthResult acknowledges a successful handshake.
type AuthResult struct {
	Status string `json:"status"`
}

// StatusAuthenticated is the status value of a successful auth reply.
const StatusAuthenticated = "authenticated"

// ToolRequestParams names the tool and its arguments.
type ToolRequestParams struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// ExecutedResult is the success payload of a tool_request.
type ExecutedResult struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

// StatusExecuted is the status value of a successful tool_request reply and
// of offline results for approved requests.
const StatusExecuted = "executed"

// ArgInfo describes one argument in the public tool listing.
type ArgInfo struct {
	Required bool   `json:"required"`
	Validate string `json:"validate,omitempty"`
}

// ToolInfo is one entry of the list_tools reply.
type ToolInfo struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Service     string             `json:"service"`
	Args        map[string]ArgInfo `json:"args"`
}

// ListToolsResult is the list_tools reply payload.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// PendingRow is one row of a get_pending_results reply. Column values are
// delivered as stored: args and result are JSON-encoded strings, timestamps
// are ISO-8601 UTC.
type PendingRow struct {
	RequestID string `json:"request_id"`
	ToolName  string `json:"tool_name"`
	Args      string `json:"args"`
	Signature string `json:"signature"`
	MessageID string `json:"message_id"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
	Result    string `json:"result"`
}

// DecodeResult parses the row's stored result column. Nil with no error
// means the row carries no result yet.
func (r PendingRow) DecodeResult() (*OfflineResult, error) {
	if r.Result == "" {
		return nil, nil
	}
	var out OfflineResult
	if err := json.Unmarshal([]byte(r.Result), &out); err != nil {
		return nil, fmt.Errorf("decode offline result: %w", err)
	}
	return &out, nil
}

// PendingResultsResult is the get_pending_results reply payload.
type PendingResultsResult struct {
	Results []PendingRow `json:"results"`
}

// OfflineResult is the shape stored in a pending row's result column when an
// approval resolves while the agent is disconnected. Status is one of
// "executed", "denied" or "error".
type OfflineResult struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

// Offline result status values.
const (
	OfflineStatusExecuted = "executed"
	OfflineStatusDenied   = "denied"
	OfflineStatusError    = "error"
)
