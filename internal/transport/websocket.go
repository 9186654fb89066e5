package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	defaultReadLimit    = 64 << 20
	defaultWriteTimeout = 5 * time.Second
	closeGrace          = 500 * time.Millisecond
)

// Options tune the websocket transport. Zero values pick the defaults.
type Options struct {
	// ReadLimit caps the size of one inbound frame.
	ReadLimit int64
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// PingInterval enables websocket ping control frames. The peer must
	// answer within PongWait or the next read fails.
	PingInterval time.Duration
	PongWait     time.Duration
	// InsecureSkipVerify disables certificate checks for wss:// hubs with
	// self-signed certificates.
	InsecureSkipVerify bool
	Header             http.Header
	Logger             *log.Logger
}

func (o *Options) setDefaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PingInterval > 0 && o.PongWait <= 0 {
		o.PongWait = 3 * o.PingInterval
	}
	if o.Logger == nil {
		o.Logger = log.Default().WithPrefix("transport")
	}
}

// WebSocketDialer dials gorilla websocket connections.
type WebSocketDialer struct {
	opts   Options
	dialer *websocket.Dialer
}

// NewDialer returns a Dialer producing *WebSocket transports.
func NewDialer(opts Options) *WebSocketDialer {
	opts.setDefaults()
	d := *websocket.DefaultDialer
	if opts.InsecureSkipVerify {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &WebSocketDialer{opts: opts, dialer: &d}
}

// Dial opens the socket and starts the ping loop when enabled.
func (d *WebSocketDialer) Dial(ctx context.Context, uri string) (Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctx, uri, d.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", uri, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", uri, err)
	}
	return newWebSocket(conn, d.opts), nil
}

// WebSocket is a Transport over a gorilla websocket connection.
type WebSocket struct {
	conn   *websocket.Conn
	opts   Options
	logger *log.Logger

	wmu       sync.Mutex // serializes frame and control writes
	state     atomic.Int32
	closeOnce sync.Once
	pingStop  chan struct{}
}

func newWebSocket(conn *websocket.Conn, opts Options) *WebSocket {
	opts.setDefaults()
	w := &WebSocket{
		conn:     conn,
		opts:     opts,
		logger:   opts.Logger,
		pingStop: make(chan struct{}),
	}
	w.state.Store(int32(StateOpen))
	conn.SetReadLimit(opts.ReadLimit)

	if opts.PingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
		go w.pingLoop()
	}
	return w
}

// State reports the socket state.
func (w *WebSocket) State() State {
	return State(w.state.Load())
}

// ReadFrame blocks until a frame arrives, ctx is done, or the socket fails.
// Any read failure is permanent: the socket is closed afterwards.
func (w *WebSocket) ReadFrame(ctx context.Context) ([]byte, error) {
	if w.State() != StateOpen {
		return nil, ErrClosed
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetReadDeadline(dl)
	} else if w.opts.PingInterval <= 0 {
		_ = w.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = w.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			return nil, w.readError(ctx, err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if w.opts.PingInterval > 0 {
			_ = w.conn.SetReadDeadline(time.Now().Add(w.opts.PongWait))
		}
		return data, nil
	}
}

func (w *WebSocket) readError(ctx context.Context, err error) error {
	closedLocally := w.State() != StateOpen
	_ = w.Close()

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case deadlinePassed(ctx):
		return context.DeadlineExceeded
	case closedLocally:
		return ErrClosed
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return ErrClosed
	default:
		return fmt.Errorf("transport: read: %w", err)
	}
}

func deadlinePassed(ctx context.Context) bool {
	dl, ok := ctx.Deadline()
	return ok && !time.Now().Before(dl)
}

// WriteFrame writes one text frame. Concurrent calls are serialized.
func (w *WebSocket) WriteFrame(ctx context.Context, frame []byte) error {
	if w.State() != StateOpen {
		return ErrClosed
	}

	deadline := time.Now().Add(w.opts.WriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	w.wmu.Lock()
	defer w.wmu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	_ = w.conn.SetWriteDeadline(deadline)
	if err := w.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if w.State() != StateOpen || errors.Is(err, websocket.ErrCloseSent) {
			return ErrClosed
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close sends a normal close frame and closes the socket. It is idempotent.
func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.state.Store(int32(StateClosing))
		close(w.pingStop)

		w.wmu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(closeGrace))
		w.wmu.Unlock()

		err = w.conn.Close()
		w.state.Store(int32(StateClosed))
		w.logger.Debug("websocket closed")
	})
	return err
}

func (w *WebSocket) pingLoop() {
	t := time.NewTicker(w.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-w.pingStop:
			return
		case <-t.C:
			w.wmu.Lock()
			err := w.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.opts.WriteTimeout))
			w.wmu.Unlock()
			if err != nil {
				w.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}
