// Package rpc defines the JSON-RPC 2.0 frame types and error codes used on
// the gateway wire. Frames are single WebSocket text messages; ids may be
// strings or integers and are carried as raw JSON so they round-trip
// unchanged.
package rpc

import "encoding/json"

// Version is the JSON-RPC protocol version carried in every frame.
const Version = "2.0"

// Methods accepted by the gateway.
const (
	MethodAuth              = "auth"
	MethodToolRequest       = "tool_request"
	MethodGetPendingResults = "get_pending_results"
)

// AuthID is the fixed frame id used for the initial auth exchange.
const AuthID = "auth-1"

// Wire error codes.
const (
	CodeDeniedByUser    = -32001
	CodeApprovalTimeout = -32002
	CodePolicyDenied    = -32003
	CodeExecutionFailed = -32004
	CodeAuthFailed      = -32005
	CodeRateLimited     = -32006
	CodeMethodNotFound  = -32601
	CodeServerError     = -32000
)

// Request is an inbound JSON-RPC frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Response is an outbound JSON-RPC frame. Exactly one of Result or Error is
// set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// AuthParams are the params of an auth frame.
type AuthParams struct {
	Token string `json:"token"`
}

// ToolRequestParams are the params of a tool_request frame.
type ToolRequestParams struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// AuthResult is the result of a successful auth exchange.
type AuthResult struct {
	Status string `json:"status"`
}

// StatusAuthenticated is the AuthResult status on success.
const StatusAuthenticated = "authenticated"

// ToolResult is the result of a successfully executed tool_request.
type ToolResult struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data"`
}

// StatusExecuted is the ToolResult status on success.
const StatusExecuted = "executed"

// PendingResult is one replayed outcome returned by get_pending_results.
// RequestID is the wire id the agent originally chose; Result is the
// stringified JSON of the terminal outcome.
type PendingResult struct {
	RequestID json.RawMessage `json:"request_id"`
	Result    string          `json:"result"`
}

// PendingResultsResult is the result of a get_pending_results call.
type PendingResultsResult struct {
	Results []PendingResult `json:"results"`
}

// NewResult builds a success response for the given raw id.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, Result: raw, ID: id}, nil
}

// NewError builds an error response for the given raw id.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{JSONRPC: Version, Error: &Error{Code: code, Message: message}, ID: id}
}

// Encode serializes a frame to its wire form.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeRequest parses an inbound frame.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
