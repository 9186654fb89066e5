package hassmessage

import (
	"encoding/json"
	"maps"
)

// Auth is sent once in reply to auth_required. It carries no id.
type Auth struct {
	Type        MessageType `json:"type"`
	AccessToken string      `json:"access_token"`
}

// NewAuth returns the auth message for token.
func NewAuth(token string) Auth {
	return Auth{Type: TypeAuth, AccessToken: token}
}

// Command is an outbound correlated message. ID is assigned by the connection
// right before the command is written; Fields are flattened next to id and type.
type Command struct {
	ID     int64
	Type   MessageType
	Fields map[string]any
}

// NewCommand returns a command of type t without extra fields.
func NewCommand(t MessageType) *Command {
	return &Command{Type: t}
}

// With sets a field and returns the command for chaining.
func (c *Command) With(key string, value any) *Command {
	if c.Fields == nil {
		c.Fields = make(map[string]any)
	}
	c.Fields[key] = value
	return c
}

// MarshalJSON writes {"id":..,"type":..,<fields>}. A zero id is omitted.
func (c *Command) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Fields)+2)
	maps.Copy(out, c.Fields)
	if c.ID != 0 {
		out["id"] = c.ID
	} else {
		delete(out, "id")
	}
	out["type"] = c.Type
	return json.Marshal(out)
}

// Features is the body of a supported_features command.
type Features struct {
	CoalesceMessages int `json:"coalesce_messages,omitempty"`
}

// NewSupportedFeatures advertises coalescing support. The hub only accepts it
// as the first command after auth, so its id is fixed.
func NewSupportedFeatures(id int64) *Command {
	cmd := NewCommand(TypeSupportedFeatures).With("features", Features{CoalesceMessages: 1})
	cmd.ID = id
	return cmd
}

// Target selects what a service call acts on.
type Target struct {
	EntityID []string `json:"entity_id,omitempty"`
	DeviceID []string `json:"device_id,omitempty"`
	AreaID   []string `json:"area_id,omitempty"`
}

// NewCallService builds a call_service command.
func NewCallService(domain, service string, data map[string]any, target *Target) *Command {
	cmd := NewCommand(TypeCallService).
		With("domain", domain).
		With("service", service)
	if len(data) > 0 {
		cmd.With("service_data", data)
	}
	if target != nil {
		cmd.With("target", target)
	}
	return cmd
}

// NewSubscribeEvents subscribes to eventType, or to every event when it is empty.
func NewSubscribeEvents(eventType string) *Command {
	cmd := NewCommand(TypeSubscribeEvents)
	if eventType != "" {
		cmd.With("event_type", eventType)
	}
	return cmd
}

// NewUnsubscribeEvents cancels the subscription created by command id subID.
func NewUnsubscribeEvents(subID int64) *Command {
	return NewCommand(TypeUnsubscribeEvents).With("subscription", subID)
}
