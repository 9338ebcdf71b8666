// Package protocol defines the WebSocket messages exchanged between
// participants and the pairing server. Every message is a JSON object with a
// "type" discriminator; signaling and chat payloads ride along as raw JSON and
// are never decoded by the server.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeFindMatch   = "find_match"
	TypeCancelMatch = "cancel_match"
	TypeEndSession  = "end_session"
	TypeReport      = "report"
	TypePing        = "ping"
)

// Relayed message types. These travel client -> server -> partner unchanged.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeChat         = "chat"
	TypeTyping       = "typing"
)

// Server -> Client message types.
const (
	TypeWelcome         = "welcome"
	TypeMatchingStarted = "matching_started"
	TypeMatchFound      = "match_found"
	TypeSessionEnded    = "session_ended"
	TypeDeliveryFailed  = "delivery_failed"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// Session end reasons carried in SessionEndedMsg.
const (
	ReasonEnded        = "ended"
	ReasonDisconnected = "disconnected"
	ReasonReported     = "reported"
	ReasonRequeued     = "requeued"
	ReasonShutdown     = "shutdown"
)

// IsRelayed reports whether msgType is forwarded to the partner by the relay.
func IsRelayed(msgType string) bool {
	switch msgType {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeChat, TypeTyping:
		return true
	}
	return false
}

// IsSignaling reports whether msgType is peer-connection negotiation traffic.
// Undeliverable signaling is dropped silently; chat is not.
func IsSignaling(msgType string) bool {
	switch msgType {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeTyping:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only "type".
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// FindMatchMsg enters (or re-enters) the waiting pool. Identity is
// self-declared and only used for scoring and as a display hint.
type FindMatchMsg struct {
	Type       string `json:"type"`
	Identity   string `json:"identity"`
	Preference string `json:"preference"`
	Region     string `json:"region"`
	Age        int    `json:"age,omitempty"`
}

// CancelMatchMsg leaves the waiting pool.
type CancelMatchMsg struct {
	Type string `json:"type"`
}

// SignalMsg carries a relayed payload. Its Type is one of the relayed types.
// ClientMsgID lets the sender correlate delivery failures with an optimistic
// local echo.
type SignalMsg struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"session_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ClientMsgID string          `json:"client_msg_id,omitempty"`
}

// EndSessionMsg ends the current session.
type EndSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ReportMsg reports the partner and ends the session.
type ReportMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// WelcomeMsg tells a freshly connected client its participant id.
type WelcomeMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

// MatchingStartedMsg confirms the client is waiting in the pool.
type MatchingStartedMsg struct {
	Type string `json:"type"`
}

// MatchFoundMsg is pushed to both participants when a session is created.
// Initiator is true for exactly one side, which creates the offer.
// PartnerIdentity is the partner's self-declared identity: a display hint,
// never used for access control.
type MatchFoundMsg struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	PartnerID       string `json:"partner_id"`
	PartnerIdentity string `json:"partner_identity,omitempty"`
	Initiator       bool   `json:"initiator"`
}

// RelayedMsg is a partner's payload forwarded by the relay.
type RelayedMsg struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Ts        int64           `json:"ts"`
}

// SessionEndedMsg notifies a participant that their session is over.
type SessionEndedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// DeliveryFailedMsg tells a chat sender the partner could not be reached, so
// the client can retract its optimistic echo.
type DeliveryFailedMsg struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	Code        string `json:"code"`
}

// RateLimitedMsg is sent when a chat message was denied by the rate limiter.
type RateLimitedMsg struct {
	Type        string `json:"type"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
	RetryAfter  int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type, the decoded struct and any parse error.
// Unknown and server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelMatch:
		var m CancelMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeChat, TypeTyping:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndSession:
		var m EndSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReport:
		var m ReportMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage JSON-encodes payload with its "type" field forced to
// msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}
	typeRaw, _ := json.Marshal(msgType)
	m["type"] = typeRaw

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads built from this
// package's structs, which always marshal.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}

// NewClientMessage encodes a client -> server message. The encoding is the
// same as NewServerMessage.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return NewServerMessage(msgType, payload)
}
