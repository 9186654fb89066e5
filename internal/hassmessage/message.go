// Package hassmessage holds the Home Assistant websocket message types and the
// codec that turns frames into messages and commands into frames.
package hassmessage

import "encoding/json"

// MessageType is the `type` discriminant carried by every message.
type MessageType string

const (
	// TypeAuthRequired is the first message sent by the hub after the socket opens.
	TypeAuthRequired MessageType = "auth_required"
	// TypeAuth carries the client's access token.
	TypeAuth MessageType = "auth"
	// TypeAuthOK is the hub's reply to a valid token.
	TypeAuthOK MessageType = "auth_ok"
	// TypeAuthInvalid is the hub's reply to a rejected token.
	TypeAuthInvalid MessageType = "auth_invalid"
	// TypeResult answers a command with the same id.
	TypeResult MessageType = "result"
	// TypeEvent is delivered for an active subscription.
	TypeEvent MessageType = "event"
	// TypePing is the client heartbeat command.
	TypePing MessageType = "ping"
	// TypePong answers a ping with the same id.
	TypePong MessageType = "pong"

	TypeSupportedFeatures MessageType = "supported_features"
	TypeGetConfig         MessageType = "get_config"
	TypeGetStates         MessageType = "get_states"
	TypeGetServices       MessageType = "get_services"
	TypeCallService       MessageType = "call_service"
	TypeFireEvent         MessageType = "fire_event"
	TypeSubscribeEvents   MessageType = "subscribe_events"
	TypeSubscribeTrigger  MessageType = "subscribe_trigger"
	TypeUnsubscribeEvents MessageType = "unsubscribe_events"
)

// Kind is the closed set of message shapes the connection distinguishes.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthRequired
	KindAuthOK
	KindAuthInvalid
	KindResult
	KindEvent
	KindPong
)

func (k Kind) String() string {
	switch k {
	case KindAuthRequired:
		return "auth_required"
	case KindAuthOK:
		return "auth_ok"
	case KindAuthInvalid:
		return "auth_invalid"
	case KindResult:
		return "result"
	case KindEvent:
		return "event"
	case KindPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Error is the `error` object of a failed result.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is one logical inbound message. A frame decodes into one or more of them.
//
// ID is zero for messages without a correlation id; the client never assigns 0.
type Message struct {
	ID   int64       `json:"id,omitempty"`
	Type MessageType `json:"type"`

	// auth_ok / auth_required
	Version string `json:"ha_version,omitempty"`
	// auth_invalid
	Reason string `json:"message,omitempty"`

	// result
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	// event
	Event json.RawMessage `json:"event,omitempty"`
}

// Kind classifies the message by its discriminant.
func (m *Message) Kind() Kind {
	switch m.Type {
	case TypeAuthRequired:
		return KindAuthRequired
	case TypeAuthOK:
		return KindAuthOK
	case TypeAuthInvalid:
		return KindAuthInvalid
	case TypeResult:
		return KindResult
	case TypeEvent:
		return KindEvent
	case TypePong:
		return KindPong
	default:
		return KindUnknown
	}
}

// HasID reports whether the message carries a correlation id.
func (m *Message) HasID() bool {
	return m.ID != 0
}

// Succeeded reports whether a result message reports success. A pong counts
// as success; an absent `success` field does not.
func (m *Message) Succeeded() bool {
	if m.Kind() == KindPong {
		return true
	}
	return m.Success != nil && *m.Success
}

// DecodeResult unmarshals the result payload into v.
func (m *Message) DecodeResult(v any) error {
	if len(m.Result) == 0 {
		return nil
	}
	return json.Unmarshal(m.Result, v)
}

// DecodeEvent unmarshals the event payload into v.
func (m *Message) DecodeEvent(v any) error {
	if len(m.Event) == 0 {
		return nil
	}
	return json.Unmarshal(m.Event, v)
}
