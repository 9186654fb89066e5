package hassclient

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/EgorLis/hassclient/internal/hassmessage"
	"github.com/EgorLis/hassclient/internal/transport"
)

type result struct {
	msg *hassmessage.Message
	err error
}

// pendingCommand is owned by the in-flight table. Whoever removes it from the
// table is the only writer of done.
type pendingCommand struct {
	id     int64
	typ    hassmessage.MessageType
	sentAt time.Time
	done   chan result
}

func (p *pendingCommand) resolve(msg *hassmessage.Message, err error) {
	p.done <- result{msg: msg, err: err}
}

// Connection is one authenticated hub connection. It owns the transport, the
// correlation id sequence and the tables of pending commands and subscriptions.
// A single goroutine reads from the transport and dispatches in arrival order.
type Connection struct {
	id             string
	tr             transport.Transport
	logger         *log.Logger
	metrics        *Metrics
	tracer         trace.Tracer
	limiter        *rate.Limiter
	commandTimeout time.Duration

	version    string
	coalescing bool

	seq   atomic.Int64
	state atomic.Int32

	mu      sync.Mutex
	pending map[int64]*pendingCommand
	subs    map[int64]*Subscription
	closed  bool
	err     error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// newConnection wraps an authenticated transport. lastID is the highest id
// already used on the socket by the handshake.
func newConnection(tr transport.Transport, o *options, version string, coalescing bool, lastID int64) *Connection {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:             id,
		tr:             tr,
		logger:         o.logger.With("conn", id),
		metrics:        o.metrics,
		tracer:         o.tracer,
		limiter:        o.limiter,
		commandTimeout: o.commandTimeout,
		version:        version,
		coalescing:     coalescing,
		pending:        make(map[int64]*pendingCommand),
		subs:           make(map[int64]*Subscription),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	c.seq.Store(lastID)
	c.state.Store(int32(StateReady))
	return c
}

func (c *Connection) start() {
	go c.readLoop()
}

// ID is a random identifier used in logs and spans.
func (c *Connection) ID() string { return c.id }

// HubVersion is the ha_version reported at auth_ok.
func (c *Connection) HubVersion() string { return c.version }

// Coalescing reports whether the hub agreed to batch messages.
func (c *Connection) Coalescing() bool { return c.coalescing }

// State is StateReady until the connection closes.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Done is closed once the receive loop has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err is the reason the connection closed, or nil while it is open or after
// an orderly Close.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send assigns the next correlation id, registers the command as pending and
// writes it. The result is discarded when it arrives. Only a result or Close
// removes the entry, so Send suits commands the hub always answers; a command
// that may go unanswered belongs in SendAndAwait, whose timeout reclaims it.
func (c *Connection) Send(ctx context.Context, cmd *hassmessage.Command) (int64, error) {
	p, err := c.send(ctx, cmd, nil)
	if err != nil {
		return 0, err
	}
	return p.id, nil
}

// SendAndAwait sends cmd and waits for its result, the timeout, or ctx. A zero
// timeout uses the connection default. The pending entry is gone from the
// table on every return path.
func (c *Connection) SendAndAwait(ctx context.Context, cmd *hassmessage.Command, timeout time.Duration) (*hassmessage.Message, error) {
	ctx, span := c.tracer.Start(ctx, "hassclient.SendAndAwait",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("hass.command", string(cmd.Type)),
			attribute.String("hass.connection", c.id),
		))
	defer span.End()

	p, err := c.send(ctx, cmd, nil)
	if err == nil {
		span.SetAttributes(attribute.Int64("hass.id", p.id))
		var msg *hassmessage.Message
		msg, err = c.await(ctx, p, timeout)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return msg, nil
		}
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

func (c *Connection) send(ctx context.Context, cmd *hassmessage.Command, sub *Subscription) (*pendingCommand, error) {
	op := "send " + string(cmd.Type)
	if c.State() != StateReady {
		return nil, c.closedError(op)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, contextError(ctx, op, err)
			}
			// The wait would outlast ctx's deadline.
			return nil, newError(Timeout, op, err)
		}
	}

	out := *cmd
	out.ID = c.seq.Add(1)
	p := &pendingCommand{
		id:     out.ID,
		typ:    cmd.Type,
		sentAt: time.Now(),
		done:   make(chan result, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closedError(op)
	}
	c.pending[p.id] = p
	if sub != nil {
		sub.id = p.id
		c.subs[p.id] = sub
	}
	c.mu.Unlock()
	c.metrics.pending(1)
	if sub != nil {
		c.metrics.subscriptions(1)
	}

	frame, err := hassmessage.Encode(&out)
	if err == nil {
		c.logger.Debug("send", "id", p.id, "type", cmd.Type)
		err = c.tr.WriteFrame(ctx, frame)
		if err != nil {
			err = c.writeError(ctx, op, err)
		}
	}
	if err != nil {
		c.removePending(p.id)
		if sub != nil {
			c.removeSubscription(sub.id)
		}
		c.metrics.command(string(cmd.Type), "send_error", time.Time{})
		return nil, err
	}
	return p, nil
}

func (c *Connection) await(ctx context.Context, p *pendingCommand, timeout time.Duration) (*hassmessage.Message, error) {
	if timeout <= 0 {
		timeout = c.commandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	op := "await " + string(p.typ)
	var r result
	select {
	case r = <-p.done:
	case <-timer.C:
		if c.removePending(p.id) {
			c.metrics.command(string(p.typ), "timeout", p.sentAt)
			return nil, newError(Timeout, op, context.DeadlineExceeded)
		}
		r = <-p.done
	case <-ctx.Done():
		if c.removePending(p.id) {
			c.metrics.command(string(p.typ), "cancelled", p.sentAt)
			return nil, contextError(ctx, op, ctx.Err())
		}
		r = <-p.done
	}

	if r.err != nil {
		c.metrics.command(string(p.typ), "closed", p.sentAt)
		return nil, r.err
	}
	if !r.msg.Succeeded() {
		c.metrics.command(string(p.typ), "failed", p.sentAt)
		ce := &CommandError{ID: p.id}
		if r.msg.Error != nil {
			ce.Code, ce.Message = r.msg.Error.Code, r.msg.Error.Message
		}
		return nil, ce
	}
	c.metrics.command(string(p.typ), "ok", p.sentAt)
	return r.msg, nil
}

// removePending reports whether the caller took ownership of the entry.
func (c *Connection) removePending(id int64) bool {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		c.metrics.pending(-1)
	}
	return ok
}

func (c *Connection) removeSubscription(id int64) bool {
	c.mu.Lock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()
	if ok {
		c.metrics.subscriptions(-1)
	}
	return ok
}

func (c *Connection) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Connection) readLoop() {
	defer close(c.done)
	for {
		frame, err := c.tr.ReadFrame(c.ctx)
		if err != nil {
			// A peer that closes normally ends subscriptions cleanly.
			c.shutdown(newError(TransportClosed, "read", err), errors.Is(err, transport.ErrClosed))
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Connection) handleFrame(frame []byte) {
	msgs, err := hassmessage.Decode(frame)
	if err != nil {
		for range hassmessage.Failures(err) {
			c.metrics.protocolFailure()
		}
		if len(msgs) == 0 {
			c.logger.Warn("dropping malformed frame", "err", err)
			return
		}
		c.logger.Warn("dropping malformed batch elements", "err", err, "kept", len(msgs))
	}
	if trimmed := bytes.TrimSpace(frame); len(trimmed) > 0 && trimmed[0] == '[' {
		c.metrics.frame("array")
	} else {
		c.metrics.frame("object")
	}
	for i := range msgs {
		c.dispatch(&msgs[i])
	}
}

func (c *Connection) dispatch(m *hassmessage.Message) {
	if m.HasID() {
		c.mu.Lock()
		if p, ok := c.pending[m.ID]; ok {
			delete(c.pending, m.ID)
			c.mu.Unlock()
			c.metrics.pending(-1)
			p.resolve(m, nil)
			return
		}
		sub := c.subs[m.ID]
		c.mu.Unlock()

		if sub != nil && m.Kind() == hassmessage.KindEvent {
			sub.push(*m)
			c.metrics.event()
			return
		}
	}

	switch m.Kind() {
	case hassmessage.KindResult, hassmessage.KindEvent, hassmessage.KindPong:
		c.logger.Debug("dropping unsolicited message", "id", m.ID, "type", m.Type)
		c.metrics.dropped(string(m.Type))
	default:
		c.metrics.protocolFailure()
		c.logger.Warn("unexpected message", "id", m.ID, "type", m.Type)
	}
}

func (c *Connection) heartbeatLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			_, err := c.SendAndAwait(c.ctx, hassmessage.NewCommand(hassmessage.TypePing), 0)
			switch {
			case err == nil:
			case errors.Is(err, ErrTimeout):
				c.logger.Warn("heartbeat timed out, closing")
				c.shutdown(newError(Timeout, "heartbeat", err), false)
				return
			case c.State() == StateClosed:
				return
			default:
				c.logger.Warn("heartbeat failed", "err", err)
			}
		}
	}
}

// Close closes the transport, fails every pending command with
// TransportClosed and ends every subscription. It is idempotent.
func (c *Connection) Close() error {
	c.shutdown(nil, true)
	<-c.done
	return nil
}

// shutdown runs once. cause is nil for a local Close; orderly decides whether
// subscriptions end cleanly or with cause.
func (c *Connection) shutdown(cause error, orderly bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.state.Store(int32(StateClosed))
		c.err = cause
		pending, subs := c.pending, c.subs
		c.pending = make(map[int64]*pendingCommand)
		c.subs = make(map[int64]*Subscription)
		c.mu.Unlock()

		c.cancel()
		_ = c.tr.Close()

		for _, p := range pending {
			c.metrics.pending(-1)
			p.resolve(nil, newError(TransportClosed, "await "+string(p.typ), cause))
		}

		var subErr error
		if !orderly {
			subErr = cause
		}
		for _, s := range subs {
			c.metrics.subscriptions(-1)
			s.finish(subErr)
		}

		if cause == nil {
			c.logger.Info("connection closed")
		} else {
			c.logger.Warn("connection lost", "err", cause, "failed_pending", len(pending))
		}
	})
}

func (c *Connection) closedError(op string) error {
	c.mu.Lock()
	cause := c.err
	c.mu.Unlock()
	return newError(TransportClosed, op, cause)
}

func (c *Connection) writeError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return contextError(ctx, op, ctx.Err())
	}
	return newError(TransportClosed, op, err)
}

// contextError maps a context failure to Cancelled or Timeout.
func contextError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(Timeout, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(Cancelled, op, err)
	}
	return newError(TransportClosed, op, err)
}
