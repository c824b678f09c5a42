package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"github.com/concordchat/concord/internal/snowflake"
)

// Opcode names travel on the wire as-is.
type Opcode string

// Client → server opcodes.
const (
	OpIdentify    Opcode = "IDENTIFY"
	OpHeartbeat   Opcode = "HEARTBEAT"
	OpSubscribe   Opcode = "SUBSCRIBE"
	OpUnsubscribe Opcode = "UNSUBSCRIBE"
	OpResume      Opcode = "RESUME"
)

// Server → client opcodes.
const (
	OpHello          Opcode = "HELLO"
	OpHeartbeatAck   Opcode = "HEARTBEAT_ACK"
	OpDispatch       Opcode = "DISPATCH"
	OpInvalidSession Opcode = "INVALID_SESSION"
	OpReconnect      Opcode = "RECONNECT"
	OpResyncRequired Opcode = "RESYNC_REQUIRED"
)

// Close codes are part of the protocol contract and never renumbered.
const (
	CloseAuthFailed         websocket.StatusCode = 4001
	CloseSessionInvalidated websocket.StatusCode = 4002
	CloseHeartbeatTimeout   websocket.StatusCode = 4003
	CloseInvalidPayload     websocket.StatusCode = 4004
	CloseRateLimited        websocket.StatusCode = 4005
)

// ClientMessage is the client envelope {op, d}.
type ClientMessage struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d"`
}

// ServerMessage is the server envelope {op, t?, s?, d}. T and S are set
// only on DISPATCH.
type ServerMessage struct {
	Op Opcode `json:"op"`
	T  string `json:"t,omitempty"`
	S  int64  `json:"s,omitempty"`
	D  any    `json:"d,omitempty"`
}

type HelloPayload struct {
	HeartbeatIntervalMs int64 `json:"heartbeat_interval_ms"`
}

type IdentifyPayload struct {
	Token       string       `json:"token"`
	LastEventID snowflake.ID `json:"last_event_id,omitempty"`
}

type ResumePayload struct {
	Token       string       `json:"token"`
	SessionID   string       `json:"session_id"`
	LastEventID snowflake.ID `json:"last_event_id"`
}

type SubscribePayload struct {
	Guilds   []snowflake.ID `json:"guilds,omitempty"`
	Channels []snowflake.ID `json:"channels,omitempty"`
}

type ReadyPayload struct {
	SessionID string       `json:"session_id"`
	UserID    snowflake.ID `json:"user_id"`
	Guilds    []Guild      `json:"guilds"`
}

// Resync reasons sent with RESYNC_REQUIRED.
const (
	ResyncSessionExpired       = "session_expired"
	ResyncReplayWindowExceeded = "replay_window_exceeded"
)

type ResyncPayload struct {
	Reason string `json:"reason"`
}

// ErrorKind is the closed set of protocol-terminating error classes. Every
// kind maps to exactly one close code; the mapping switch is exhaustive.
type ErrorKind int

const (
	KindAuthentication ErrorKind = iota + 1
	KindSession
	KindProtocol
	KindRateLimit
	KindHeartbeat
)

// CloseError terminates a connection with a protocol close code.
type CloseError struct {
	Kind   ErrorKind
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("gateway: %s (code %d)", e.Reason, e.Code())
}

// Code maps the error kind to its wire close code.
func (e *CloseError) Code() websocket.StatusCode {
	switch e.Kind {
	case KindAuthentication:
		return CloseAuthFailed
	case KindSession:
		return CloseSessionInvalidated
	case KindProtocol:
		return CloseInvalidPayload
	case KindRateLimit:
		return CloseRateLimited
	case KindHeartbeat:
		return CloseHeartbeatTimeout
	default:
		return websocket.StatusInternalError
	}
}

// DetectGaps returns the sequence numbers missing between consecutive
// elements of a received, ascending sequence list. Clients use a gap as the
// signal to request a RESUME.
func DetectGaps(received []int64) []int64 {
	var gaps []int64
	for i := 1; i < len(received); i++ {
		for missing := received[i-1] + 1; missing < received[i]; missing++ {
			gaps = append(gaps, missing)
		}
	}
	return gaps
}
