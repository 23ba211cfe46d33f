package rpc

import "encoding/json"

// Well-known method names.
const (
	// HandshakeMethod is the request that must succeed before the client
	// is considered connected. Only its timeout triggers re-synchronization.
	HandshakeMethod = "initialize"

	// ToolsListMethod has its own timeout budget.
	ToolsListMethod = "tools/list"

	// InitializedNotification is sent once the handshake succeeded.
	InitializedNotification = "notifications/initialized"

	// PingMethod is answered by the client when the server asks.
	PingMethod = "ping"
)

// ProtocolVersion is the fixed protocol marker sent with the handshake.
const ProtocolVersion = "2024-11-05"

// Request represents an outgoing JSON-RPC request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notification represents a JSON-RPC notification (no reply expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is written when answering a server-initiated request.
type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// Message is the generic shape of anything read from the server.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsResponse reports whether the message answers one of our requests.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}

// IsNotification reports whether the message is a server notification.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsServerRequest reports whether the server expects a reply from us.
func (m *Message) IsServerRequest() bool {
	return m.ID != nil && m.Method != ""
}

// ClientInfo identifies the client during the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the handshake payload.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// InitializeResult is the subset of the handshake reply the client keeps.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion,omitempty"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	ServerInfo      *ServerInfo    `json:"serverInfo,omitempty"`
}

// ServerInfo describes the server as reported in the handshake reply.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}
