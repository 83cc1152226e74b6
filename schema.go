package fsgate

import (
	"encoding/json"
	"fmt"
)

// MustString is a type that enforces string representation for fields that can
// be either string or integer in the protocol, such as request IDs. It handles
// automatic conversion during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 message used for communication
// between the server and its clients. It can represent either a request,
// response, or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// OperationInfo describes one registered operation as exposed to clients
// through operations/list.
type OperationInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListOperationsResult is the response for an operations/list request.
type ListOperationsResult struct {
	Operations []OperationInfo `json:"operations"`
}

// CallParams contains parameters for executing a specific operation.
type CallParams struct {
	// Name is the unique identifier of the operation to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs.
	// Must satisfy the operation's InputSchema.
	Arguments json.RawMessage `json:"arguments"`
}

// CallResult represents the outcome of an operation invocation. IsError
// indicates whether the operation failed, with details in Content.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// ContentType represents the type of content in results.
type ContentType string

// ContentTypeText is the only content type the server produces; results are
// short textual confirmations or file contents.
const ContentTypeText ContentType = "text"

// Content represents one piece of result content with its type.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// ServerCapabilities represents server capabilities advertised during the
// initialization handshake.
type ServerCapabilities struct {
	Operations    *OperationsCapability    `json:"operations,omitempty"`
	Notifications *NotificationsCapability `json:"notifications,omitempty"`
}

// OperationsCapability represents operation-specific capabilities.
type OperationsCapability struct{}

// NotificationsCapability is advertised when the server pushes filesystem
// change notifications to connected clients.
type NotificationsCapability struct {
	FSChanged bool `json:"fsChanged,omitempty"`
}

// FSChangedParams is the payload of a notifications/fs/changed push. Path is
// relative to the served root.
type FSChangedParams struct {
	Path string `json:"path"`
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      Info   `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodOperationsList is the method name for retrieving the list of registered operations.
	MethodOperationsList = "operations/list"
	// MethodOperationsCall is the method name for invoking a specific operation.
	MethodOperationsCall = "operations/call"

	protocolVersion = "2025-03-26"

	methodPing       = "ping"
	methodInitialize = "initialize"

	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"
	methodNotificationsFSChanged   = "notifications/fs/changed"

	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603

	// jsonRPCNoSessionCode is returned when a non-initialization request
	// arrives with no established session, so clients can tell "start a
	// session first" apart from a malformed call.
	jsonRPCNoSessionCode = -32001
)

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into
// MustString, handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON
// representation, always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
