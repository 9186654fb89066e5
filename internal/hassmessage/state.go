package hassmessage

import (
	"encoding/json"
	"strings"
	"time"
)

// StateRunning is the Config.State value of a hub that accepts commands.
const StateRunning = "RUNNING"

// Config is the result of get_config.
type Config struct {
	State        string   `json:"state"`
	Version      string   `json:"version"`
	LocationName string   `json:"location_name"`
	TimeZone     string   `json:"time_zone"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Elevation    float64  `json:"elevation"`
	Components   []string `json:"components"`
	UnitSystem   struct {
		Length      string `json:"length"`
		Mass        string `json:"mass"`
		Temperature string `json:"temperature"`
		Volume      string `json:"volume"`
	} `json:"unit_system"`
}

// IsRunning reports whether the hub finished starting.
func (c *Config) IsRunning() bool {
	return c.State == StateRunning
}

// Context identifies the origin of a state change or event.
type Context struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id"`
	UserID   *string `json:"user_id"`
}

// State is one entity state as returned by get_states or carried in state_changed.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
	Context     Context        `json:"context"`
}

// Domain returns the part of the entity id before the dot.
func (s *State) Domain() string {
	domain, _, _ := strings.Cut(s.EntityID, ".")
	return domain
}

// FriendlyName returns the friendly_name attribute or the entity id.
func (s *State) FriendlyName() string {
	if name, ok := s.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return s.EntityID
}

// Event is the `event` object of an event message.
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
	Context   Context         `json:"context"`
}

// StateChanged is the data of a state_changed event.
type StateChanged struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

// StateChanged decodes the data of a state_changed event.
func (e *Event) StateChanged() (*StateChanged, error) {
	var sc StateChanged
	if err := json.Unmarshal(e.Data, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Service describes one service as returned by get_services.
type Service struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Fields      map[string]any `json:"fields"`
}

// Services maps domain -> service name -> description.
type Services map[string]map[string]Service

// ServiceResult is the result of call_service.
type ServiceResult struct {
	Context Context `json:"context"`
}
