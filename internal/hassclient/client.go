package hassclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Client opens connections to a hub. Concurrent Connect calls for the same
// Settings share one in-progress attempt; a Connect issued after an attempt
// finished starts a new, independent connection.
type Client struct {
	opts   options
	logger *log.Logger
	group  singleflight.Group

	mu       sync.Mutex
	seq      uint64
	attempts map[string]*attempt
}

// attempt is one in-progress connect shared by its waiters. It runs detached
// from any single caller and is cancelled once every waiter has left.
type attempt struct {
	key       string
	ctx       context.Context
	cancel    context.CancelFunc
	waiters   int
	delivered bool
}

// New returns a Client configured by opts.
func New(opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Client{opts: o, logger: o.logger, attempts: make(map[string]*attempt)}
}

// Connect dials s, runs the handshake and returns a Ready connection. On
// failure nothing is left open and the error carries the most specific
// DisconnectReason.
//
// Callers that join an attempt already in progress for the same URL and
// token receive the same *Connection and share ownership of it: Close from
// any of them closes it for all. Each caller's ctx only bounds its own wait;
// the attempt is abandoned when the last waiting caller gives up.
func (c *Client) Connect(ctx context.Context, s Settings) (*Connection, error) {
	id := s.URL() + "\x00" + s.Token

	c.mu.Lock()
	a, ok := c.attempts[id]
	if !ok {
		c.seq++
		actx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		a = &attempt{key: fmt.Sprintf("%s#%d", id, c.seq), ctx: actx, cancel: cancel}
		c.attempts[id] = a
	}
	a.waiters++
	// Joining under mu keeps the attempt's call registered in the group until
	// the attempt is out of the map.
	ch := c.group.DoChan(a.key, func() (any, error) {
		defer a.cancel()
		conn, err := c.connect(a.ctx, s)
		c.mu.Lock()
		if c.attempts[id] == a {
			delete(c.attempts, id)
		}
		c.mu.Unlock()
		return conn, err
	})
	c.mu.Unlock()

	select {
	case res := <-ch:
		c.mu.Lock()
		a.waiters--
		if res.Err == nil {
			a.delivered = true
		}
		c.mu.Unlock()
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	case <-ctx.Done():
		c.leave(id, a, ch)
		return nil, contextError(ctx, "connect", ctx.Err())
	}
}

// leave drops a waiter. The last one out cancels the attempt and closes a
// connection that nobody received.
func (c *Client) leave(id string, a *attempt, ch <-chan singleflight.Result) {
	c.mu.Lock()
	a.waiters--
	last := a.waiters == 0 && !a.delivered
	if last && c.attempts[id] == a {
		delete(c.attempts, id)
	}
	c.mu.Unlock()
	if !last {
		return
	}
	a.cancel()
	go func() {
		if res := <-ch; res.Err == nil {
			_ = res.Val.(*Connection).Close()
		}
	}()
}

func (c *Client) connect(ctx context.Context, s Settings) (conn *Connection, err error) {
	uri := s.URL()
	ctx, span := c.opts.tracer.Start(ctx, "hassclient.Connect",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("hass.url", uri)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.opts.metrics.handshake(resultLabel(err))
		} else {
			span.SetAttributes(
				attribute.String("hass.connection", conn.ID()),
				attribute.String("hass.version", conn.HubVersion()),
				attribute.Bool("hass.coalescing", conn.Coalescing()),
			)
			span.SetStatus(codes.Ok, "")
			c.opts.metrics.handshake("ok")
		}
		span.End()
	}()

	logger := c.logger.With("url", uri)
	logger.Debug("dialing")
	tr, err := c.opts.dialer.Dial(ctx, uri)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, "dial", ctx.Err())
		}
		return nil, newError(TransportClosed, "dial", err)
	}

	h := &handshake{
		tr:     tr,
		token:  s.Token,
		opts:   &c.opts,
		logger: logger,
		state:  StateConnecting,
	}
	conn, err = h.run(ctx)
	if err != nil {
		logger.Error("connect failed", "err", err)
		return nil, err
	}
	logger.Info("connected", "conn", conn.ID(), "version", conn.HubVersion(), "coalescing", conn.Coalescing())
	return conn, nil
}

func resultLabel(err error) string {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Reason.String()
	}
	return "error"
}
