package hassclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/EgorLis/hassclient/internal/hassmessage"
	"github.com/EgorLis/hassclient/internal/transport"
)

// featuresID is the id of supported_features; the hub only accepts it as the
// first command after auth.
const featuresID int64 = 1

// handshake drives one freshly opened transport to a ready Connection:
// auth_required -> auth -> auth_ok, optional supported_features, get_config.
type handshake struct {
	tr     transport.Transport
	token  string
	opts   *options
	logger *log.Logger
	state  ConnectionState
}

func (h *handshake) transition(to ConnectionState) {
	h.logger.Debug("handshake", "from", h.state, "to", to)
	h.state = to
}

// run returns a ready Connection or an error. On error the transport is closed.
func (h *handshake) run(ctx context.Context) (*Connection, error) {
	conn, err := h.establish(ctx)
	if err != nil {
		h.transition(StateClosed)
		_ = h.tr.Close()
		return nil, err
	}
	return conn, nil
}

func (h *handshake) establish(ctx context.Context) (*Connection, error) {
	h.transition(StateAuthenticating)
	version, err := h.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	h.logger.Info("authenticated", "version", version)

	h.transition(StateNegotiating)
	coalescing, err := h.negotiate(ctx, version)
	if err != nil {
		return nil, err
	}

	var lastID int64
	if coalescing {
		lastID = featuresID
	}
	conn := newConnection(h.tr, h.opts, version, coalescing, lastID)
	conn.start()

	if err := h.checkReady(ctx, conn); err != nil {
		conn.shutdown(err, false)
		<-conn.Done()
		return nil, err
	}

	h.transition(StateReady)
	if h.opts.heartbeat > 0 {
		go conn.heartbeatLoop(h.opts.heartbeat)
	}
	return conn, nil
}

func (h *handshake) authenticate(parent context.Context) (string, error) {
	ctx, span := h.opts.tracer.Start(parent, "hassclient.authenticate")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, h.opts.handshakeTimeout)
	defer cancel()

	msg, err := h.read(parent, ctx, "auth")
	if err != nil {
		return "", err
	}
	if msg.Kind() != hassmessage.KindAuthRequired {
		return "", newError(ProtocolError, "auth", fmt.Errorf("unexpected %q, expected %q", msg.Type, hassmessage.TypeAuthRequired))
	}

	if err := h.write(parent, ctx, "auth", hassmessage.NewAuth(h.token)); err != nil {
		return "", err
	}

	msg, err = h.read(parent, ctx, "auth")
	if err != nil {
		return "", err
	}
	switch msg.Kind() {
	case hassmessage.KindAuthOK:
		span.SetAttributes(attribute.String("hass.version", msg.Version))
		return msg.Version, nil
	case hassmessage.KindAuthInvalid:
		_ = h.tr.Close()
		var cause error
		if msg.Reason != "" {
			cause = errors.New(msg.Reason)
		}
		return "", newError(Unauthorized, "auth", cause)
	default:
		return "", newError(ProtocolError, "auth", fmt.Errorf("unexpected %q in reply to auth", msg.Type))
	}
}

// negotiate asks hubs new enough for message coalescing. Once sent, the
// request must succeed.
func (h *handshake) negotiate(parent context.Context, version string) (bool, error) {
	if !h.opts.coalescing {
		return false, nil
	}
	v, ok := ParseHubVersion(version)
	if !ok {
		h.logger.Warn("unrecognised hub version, not negotiating coalescing", "version", version)
		return false, nil
	}
	if !v.SupportsCoalescing() {
		h.logger.Debug("hub does not support coalescing", "version", v)
		return false, nil
	}

	ctx, span := h.opts.tracer.Start(parent, "hassclient.negotiate")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, h.opts.handshakeTimeout)
	defer cancel()

	if err := h.write(parent, ctx, "negotiate", hassmessage.NewSupportedFeatures(featuresID)); err != nil {
		return false, err
	}
	msg, err := h.read(parent, ctx, "negotiate")
	if err != nil {
		return false, err
	}
	if msg.Kind() != hassmessage.KindResult || msg.ID != featuresID {
		return false, newError(ProtocolError, "negotiate", fmt.Errorf("unexpected %q (id %d) in reply to supported_features", msg.Type, msg.ID))
	}
	if !msg.Succeeded() {
		cause := errors.New("supported_features rejected")
		if msg.Error != nil {
			cause = fmt.Errorf("supported_features rejected: %s: %s", msg.Error.Code, msg.Error.Message)
		}
		return false, newError(ProtocolError, "negotiate", cause)
	}
	h.logger.Debug("message coalescing enabled")
	return true, nil
}

func (h *handshake) checkReady(parent context.Context, conn *Connection) error {
	ctx, span := h.opts.tracer.Start(parent, "hassclient.checkReady", trace.WithAttributes(attribute.String("hass.connection", conn.ID())))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, h.opts.handshakeTimeout)
	defer cancel()

	cfg, err := Call[hassmessage.Config](ctx, conn, hassmessage.NewCommand(hassmessage.TypeGetConfig))
	if err != nil {
		var ce *ConnectionError
		if errors.As(err, &ce) {
			if parent.Err() != nil {
				return contextError(parent, "ready", parent.Err())
			}
			return err
		}
		return newError(ProtocolError, "ready", err)
	}
	if !cfg.IsRunning() {
		return newError(NotReady, "ready", fmt.Errorf("hub state is %q", cfg.State))
	}
	return nil
}

func (h *handshake) read(parent, ctx context.Context, op string) (*hassmessage.Message, error) {
	frame, err := h.tr.ReadFrame(ctx)
	if err != nil {
		return nil, stepError(parent, op, err)
	}
	msgs, err := hassmessage.Decode(frame)
	if err != nil {
		return nil, newError(ProtocolError, op, err)
	}
	if len(msgs) != 1 {
		return nil, newError(ProtocolError, op, fmt.Errorf("expected one message, got %d", len(msgs)))
	}
	h.logger.Debug("recv", "type", msgs[0].Type)
	return &msgs[0], nil
}

func (h *handshake) write(parent, ctx context.Context, op string, v any) error {
	frame, err := hassmessage.Encode(v)
	if err != nil {
		return newError(ProtocolError, op, err)
	}
	if err := h.tr.WriteFrame(ctx, frame); err != nil {
		return stepError(parent, op, err)
	}
	return nil
}

// stepError attributes a failed read or write to the caller's cancellation,
// the step timeout, or the transport.
func stepError(parent context.Context, op string, err error) error {
	if parent.Err() != nil {
		return contextError(parent, op, parent.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(Timeout, op, err)
	}
	return newError(TransportClosed, op, err)
}
