// Package transport moves opaque frames over a websocket. It knows nothing
// about the messages inside them.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by reads and writes after Close, or after the peer
	// closed the socket normally.
	ErrClosed = errors.New("transport: closed")
)

// State is the socket state as seen by the client.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is one open socket. ReadFrame is called by a single reader;
// WriteFrame may be called concurrently and never interleaves frames.
type Transport interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
	State() State
}

// Dialer opens a Transport to uri.
type Dialer interface {
	Dial(ctx context.Context, uri string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, uri string) (Transport, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, uri string) (Transport, error) {
	return f(ctx, uri)
}
