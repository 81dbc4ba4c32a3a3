package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harun/agentrun/pkg/agent"
	"github.com/harun/agentrun/pkg/protocol"
	"github.com/harun/agentrun/pkg/toolexecutor"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

func invalidParams(message string, err error) *RPCError {
	rpcErr := &RPCError{Code: InvalidParams, Message: message}
	if err != nil {
		rpcErr.Data = err.Error()
	}
	return rpcErr
}

// EventMessage is a server-initiated frame. Run events carry the protocol
// event unchanged in Event; server events such as tick use Name and Data.
type EventMessage struct {
	Type      string          `json:"type"`
	Name      string          `json:"name,omitempty"`
	RunID     string          `json:"runId,omitempty"`
	Event     *protocol.Event `json:"event,omitempty"`
	Data      interface{}     `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// AuthChallenge represents an authentication challenge message
type AuthChallenge struct {
	Event     string `json:"event"`
	Challenge string `json:"challenge"`
	// Protocol is the event protocol version the server speaks.
	Protocol string `json:"protocol"`
}

// AuthResponse represents a client's authentication response
type AuthResponse struct {
	Method    string `json:"method"`
	Signature string `json:"signature"`
	// Protocol is the version the client expects. Empty skips the check.
	Protocol string `json:"protocol,omitempty"`
}

// AuthResult represents the result of authentication
type AuthResult struct {
	Event   string `json:"event"`
	Success bool   `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastActivity  time.Time `json:"lastActivity"`
	IPAddress     string    `json:"ipAddress"`
	Idle          bool      `json:"idle"`
	Runs          int       `json:"runs"`
}

// ClientState represents the state of a client connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// RequestHandler handles one RPC method. The context carries the calling
// client id (empty over HTTP) and the request's trace fields.
type RequestHandler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// RPC error codes
const (
	ParseError             = -32700
	InvalidRequest         = -32600
	MethodNotFound         = -32601
	InvalidParams          = -32602
	InternalError          = -32603
	AuthenticationRequired = -32001
	RunNotFound            = -32004
	RateLimitExceeded      = -32005
	TooManyConcurrent      = -32006
	EventLogDisabled       = -32007
)

// RunEngine is the part of the engine the gateway drives.
type RunEngine interface {
	Check(req agent.RunRequest) error
	Run(ctx context.Context, req agent.RunRequest, sink protocol.Sink) (*agent.RunResult, error)
	Cancel(runID string) bool
	Submit(runID, toolID string, payload json.RawMessage) error
	ActiveRuns() []agent.ActiveRun
}

// ToolLister lists the tools agents may be given.
type ToolLister interface {
	List() []toolexecutor.ToolSpec
}

const writeTimeout = 10 * time.Second

// Client represents a connected WebSocket client
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter
	State         ClientState

	// websocket connections allow one concurrent writer
	writeMu sync.Mutex
}

// WriteJSON writes v as one text frame.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteJSON(v)
}

// WriteMessage writes a pre-encoded frame.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.Conn.WriteMessage(messageType, data)
}
