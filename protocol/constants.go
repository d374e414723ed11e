// Package protocol defines the wire structures shared by livegate components:
// capability provider JSON-RPC messages, upstream live-session messages, and
// the frames exchanged with client connections.
package protocol

const (
	// ProviderProtocolVersion is the MCP revision advertised to capability providers.
	ProviderProtocolVersion = "2025-03-26"

	// --- Capability provider method names ---

	MethodInitialize             = "initialize"
	MethodInitialized            = "notifications/initialized" // Notification
	MethodPing                   = "ping"
	MethodListTools              = "tools/list"
	MethodCallTool               = "tools/call"
	MethodNotifyToolsListChanged = "notifications/tools/list_changed" // Notification
	MethodNotifyMessage          = "notifications/message"            // Notification (provider log line)
)

// ErrorCode is a JSON-RPC error code.
type ErrorCode int

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     ErrorCode = -32700
	CodeInvalidRequest ErrorCode = -32600
	CodeMethodNotFound ErrorCode = -32601
	CodeInvalidParams  ErrorCode = -32602
	CodeInternalError  ErrorCode = -32603
)

// Client-facing error frame codes. They follow HTTP status semantics.
const (
	FrameCodeBadRequest      = 400
	FrameCodeUnauthorized    = 401
	FrameCodeTooManyRequests = 429
	FrameCodeInternal        = 500
	FrameCodeUpstream        = 502
)
