package hassclient

import (
	"context"
	"fmt"
	"time"

	"github.com/EgorLis/hassclient/internal/hassmessage"
)

// ========================= typed commands =========================

// Call sends cmd with the default command timeout and decodes the result
// payload into T. A payload that does not fit T is a ProtocolError.
func Call[T any](ctx context.Context, c *Connection, cmd *hassmessage.Command) (T, error) {
	var out T
	msg, err := c.SendAndAwait(ctx, cmd, 0)
	if err != nil {
		return out, err
	}
	if err := msg.DecodeResult(&out); err != nil {
		return out, newError(ProtocolError, "decode "+string(cmd.Type), err)
	}
	return out, nil
}

// GetConfig returns the hub configuration.
func (c *Connection) GetConfig(ctx context.Context) (*hassmessage.Config, error) {
	cfg, err := Call[hassmessage.Config](ctx, c, hassmessage.NewCommand(hassmessage.TypeGetConfig))
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetStates returns every entity state.
func (c *Connection) GetStates(ctx context.Context) ([]hassmessage.State, error) {
	return Call[[]hassmessage.State](ctx, c, hassmessage.NewCommand(hassmessage.TypeGetStates))
}

// GetServices returns the services the hub exposes, grouped by domain.
func (c *Connection) GetServices(ctx context.Context) (hassmessage.Services, error) {
	return Call[hassmessage.Services](ctx, c, hassmessage.NewCommand(hassmessage.TypeGetServices))
}

// CallService invokes domain.service. data and target may be nil.
func (c *Connection) CallService(ctx context.Context, domain, service string, data map[string]any, target *hassmessage.Target) (*hassmessage.Context, error) {
	res, err := Call[hassmessage.ServiceResult](ctx, c, hassmessage.NewCallService(domain, service, data, target))
	if err != nil {
		return nil, err
	}
	return &res.Context, nil
}

// FireEvent fires eventType on the hub bus.
func (c *Connection) FireEvent(ctx context.Context, eventType string, data map[string]any) error {
	if eventType == "" {
		return fmt.Errorf("fire event: empty event type")
	}
	cmd := hassmessage.NewCommand(hassmessage.TypeFireEvent).With("event_type", eventType)
	if len(data) > 0 {
		cmd.With("event_data", data)
	}
	_, err := c.SendAndAwait(ctx, cmd, 0)
	return err
}

// Ping measures the round trip of a ping command.
func (c *Connection) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.SendAndAwait(ctx, hassmessage.NewCommand(hassmessage.TypePing), 0); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// SubscribeEvents streams events of eventType, or all events when it is empty.
func (c *Connection) SubscribeEvents(ctx context.Context, eventType string) (*Subscription, error) {
	return c.Subscribe(ctx, hassmessage.NewSubscribeEvents(eventType))
}

// SubscribeTrigger streams an event each time the automation trigger fires.
func (c *Connection) SubscribeTrigger(ctx context.Context, trigger map[string]any) (*Subscription, error) {
	if len(trigger) == 0 {
		return nil, fmt.Errorf("subscribe trigger: empty trigger")
	}
	return c.Subscribe(ctx, hassmessage.NewCommand(hassmessage.TypeSubscribeTrigger).With("trigger", trigger))
}
