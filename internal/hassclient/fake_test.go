package hassclient

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/EgorLis/hassclient/internal/hassmessage"
	"github.com/EgorLis/hassclient/internal/transport"
)

const waitFor = 2 * time.Second

// fakeTransport is an in-memory socket. The test plays the hub: frames pushed
// with send are read by the client, frames written by the client are taken
// with expect.
type fakeTransport struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	once  sync.Once
	mu    sync.Mutex
	cause error
	state atomic.Int32
}

func newFakeTransport() *fakeTransport {
	tr := &fakeTransport{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	tr.state.Store(int32(transport.StateOpen))
	return tr
}

func (f *fakeTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	// Frames already queued win over a concurrent close.
	select {
	case frame := <-f.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-f.in:
		return frame, nil
	case <-f.closed:
		return nil, f.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) WriteFrame(ctx context.Context, frame []byte) error {
	select {
	case <-f.closed:
		return transport.ErrClosed
	default:
	}
	select {
	case f.out <- append([]byte(nil), frame...):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.breakWith(transport.ErrClosed)
	return nil
}

func (f *fakeTransport) State() transport.State {
	return transport.State(f.state.Load())
}

// breakWith closes the socket; pending and future reads fail with err.
func (f *fakeTransport) breakWith(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.cause = err
		f.mu.Unlock()
		f.state.Store(int32(transport.StateClosed))
		close(f.closed)
	})
}

func (f *fakeTransport) closeErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cause
}

func (f *fakeTransport) isClosed() bool {
	return f.State() == transport.StateClosed
}

// send queues one hub frame. v is marshalled unless it is already raw.
func (f *fakeTransport) send(t *testing.T, v any) {
	t.Helper()
	var frame []byte
	switch x := v.(type) {
	case string:
		frame = []byte(x)
	case []byte:
		frame = x
	default:
		var err error
		frame, err = json.Marshal(v)
		require.NoError(t, err)
	}
	f.in <- frame
}

// expect takes the next frame written by the client.
func (f *fakeTransport) expect(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame := <-f.out:
		var m map[string]any
		require.NoError(t, json.Unmarshal(frame, &m), string(frame))
		return m
	case <-time.After(waitFor):
		t.Fatal("client wrote nothing")
		return nil
	}
}

// expectNone asserts the client writes nothing for d.
func (f *fakeTransport) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case frame := <-f.out:
		t.Fatalf("unexpected frame %s", frame)
	case <-time.After(d):
	}
}

func idOf(m map[string]any) int64 {
	id, _ := m["id"].(float64)
	return int64(id)
}

func resultMsg(id int64, payload any) map[string]any {
	return map[string]any{"id": id, "type": "result", "success": true, "result": payload}
}

func failureMsg(id int64, code, message string) map[string]any {
	return map[string]any{
		"id": id, "type": "result", "success": false,
		"error": map[string]any{"code": code, "message": message},
	}
}

func eventMsg(id int64, eventType string, data any) map[string]any {
	return map[string]any{
		"id":   id,
		"type": "event",
		"event": map[string]any{
			"event_type": eventType,
			"data":       data,
			"origin":     "LOCAL",
		},
	}
}

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{Level: log.DebugLevel})
}

func testOptions(extra ...Option) *options {
	o := defaultOptions()
	WithLogger(quietLogger())(&o)
	WithCommandTimeout(waitFor)(&o)
	for _, opt := range extra {
		opt(&o)
	}
	return &o
}

// newTestConn returns a ready connection over a fake transport, bypassing the
// handshake.
func newTestConn(t *testing.T, lastID int64, extra ...Option) (*Connection, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	conn := newConnection(tr, testOptions(extra...), "2024.1.0", false, lastID)
	conn.start()
	t.Cleanup(func() { _ = conn.Close() })
	return conn, tr
}

type connectResult struct {
	conn *Connection
	err  error
}

func connectAsync(ctx context.Context, c *Client) <-chan connectResult {
	return connectAsyncTo(ctx, c, Settings{Host: "hass.test", Port: 8123, Token: "secret"})
}

func connectAsyncTo(ctx context.Context, c *Client, s Settings) <-chan connectResult {
	ch := make(chan connectResult, 1)
	go func() {
		conn, err := c.Connect(ctx, s)
		ch <- connectResult{conn: conn, err: err}
	}()
	return ch
}

// waiting counts callers blocked in Connect.
func (c *Client) waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.attempts {
		n += a.waiters
	}
	return n
}

func waitConnect(t *testing.T, ch <-chan connectResult) connectResult {
	t.Helper()
	select {
	case r := <-ch:
		if r.conn != nil {
			t.Cleanup(func() { _ = r.conn.Close() })
		}
		return r
	case <-time.After(waitFor):
		t.Fatal("connect did not return")
		return connectResult{}
	}
}

func fakeDialer(tr transport.Transport) transport.Dialer {
	return transport.DialerFunc(func(context.Context, string) (transport.Transport, error) {
		return tr, nil
	})
}

func newPing() *hassmessage.Command {
	return hassmessage.NewCommand(hassmessage.TypePing)
}
