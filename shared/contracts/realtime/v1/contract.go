// Package v1 defines the wire contract of the Bazaar support room, protocol
// "bazaar.support.v1".
//
// It is shared by the room process and its clients and stays dependency-light.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Subprotocol is negotiated during the WebSocket handshake.
const Subprotocol = "bazaar.support.v1"

// Version is embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello opens the session (client -> server).
	TypeHello = "hello"
	// TypeHelloAck answers hello with the connection's view of the room (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeMessageSend requests delivery of a message to the room (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send to its sender (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew fans an accepted message out to every room member (server -> room).
	TypeMessageNew = "message_new"

	// TypeTyping relays a typing indicator (client -> server -> room).
	TypeTyping = "typing"

	// TypePresence announces members joining and leaving (server -> room).
	TypePresence = "presence"

	// TypePing is an application keepalive that also counts as activity (client -> server).
	TypePing = "ping"
	// TypePong answers ping (server -> client).
	TypePong = "pong"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Limits shared by both sides.
const (
	MaxFrameBytes   = 64 << 10
	MaxMessageChars = 4000
	MaxClientMsgID  = 64
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Room    string          `json:"room,omitempty"`
	TS      time.Time       `json:"ts,omitzero"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeTyping,
		TypePresence,
		TypePing,
		TypePong,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Decode unmarshals the payload into v, rejecting unknown fields.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing field: payload")
	}
	dec := json.NewDecoder(strings.NewReader(string(e.Payload)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// ---- Payloads ----

// HelloPayload is sent by the client to open a session.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

// HelloAckPayload identifies the connection inside its room.
type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	Room         string `json:"room"`
	UserID       string `json:"user_id"`
	Role         string `json:"role"`
	Members      int    `json:"members"`
}

// MessageSendPayload requests delivery of text to the room.
type MessageSendPayload struct {
	ClientMsgID string `json:"client_msg_id"`
	Text        string `json:"text"`
}

// Check validates a send request.
func (p MessageSendPayload) Check() error {
	id := strings.TrimSpace(p.ClientMsgID)
	if id == "" {
		return errors.New("missing client_msg_id")
	}
	if len(id) > MaxClientMsgID {
		return fmt.Errorf("client_msg_id too long: max=%d", MaxClientMsgID)
	}
	text := strings.TrimSpace(p.Text)
	if text == "" {
		return errors.New("empty text")
	}
	if len([]rune(text)) > MaxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", MaxMessageChars)
	}
	return nil
}

// MessageAckPayload acknowledges a send and returns the server id.
type MessageAckPayload struct {
	ClientMsgID string `json:"client_msg_id"`
	ServerMsgID string `json:"server_msg_id"`
	Duplicate   bool   `json:"duplicate,omitempty"`
}

// MessageNewPayload is broadcast when a message is accepted.
type MessageNewPayload struct {
	ClientMsgID string    `json:"client_msg_id"`
	ServerMsgID string    `json:"server_msg_id"`
	SenderID    string    `json:"sender_id"`
	SenderRole  string    `json:"sender_role"`
	Text        string    `json:"text"`
	ServerTS    time.Time `json:"server_ts"`
}

// TypingPayload carries a typing indicator.
type TypingPayload struct {
	UserID string `json:"user_id,omitempty"`
	Active bool   `json:"active"`
}

// PresencePayload announces a member joining or leaving.
type PresencePayload struct {
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
	Online  bool   `json:"online"`
	Members int    `json:"members"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
