package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the only JSON-RPC version spoken with capability providers.
const JSONRPCVersion = "2.0"

// ErrorPayload is the 'error' object of a JSON-RPC response.
type ErrorPayload struct {
	Code    ErrorCode       `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("code=%d: %s", e.Code, e.Message)
}

// JSONRPCRequest is a request sent to a capability provider.
type JSONRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// JSONRPCNotification is a request without an id; no response is expected.
type JSONRPCNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// JSONRPCResponse is a response written back to a provider for a request it issued.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

// JSONRPCMessage is the union shape used to decode any line read from a provider.
// Responses carry ID plus Result or Error; notifications carry Method only;
// provider-initiated requests carry both ID and Method.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// HasID reports whether the message carries a non-null id.
func (m *JSONRPCMessage) HasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// IsResponse reports whether the message answers a request.
func (m *JSONRPCMessage) IsResponse() bool {
	return m.HasID() && m.Method == ""
}

// NewRequest builds a request with the given numeric id.
func NewRequest(id int64, method string, params interface{}) *JSONRPCRequest {
	return &JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// NewNotification creates a new JSON-RPC notification object.
func NewNotification(method string, params interface{}) *JSONRPCNotification {
	return &JSONRPCNotification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	}
}

// NewErrorResponse creates a new JSON-RPC error response object.
func NewErrorResponse(id interface{}, code ErrorCode, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &ErrorPayload{Code: code, Message: message},
	}
}

// NewSuccessResponse creates a new JSON-RPC success response object.
func NewSuccessResponse(id interface{}, result interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
	}
}

// IDKey normalises a raw JSON id into the key used for correlation.
// Numbers keep their literal form and strings are unquoted, so a provider that
// echoes the numeric id 7 as "7" still correlates.
func IDKey(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// FormatID returns the correlation key for an id issued by this process.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
