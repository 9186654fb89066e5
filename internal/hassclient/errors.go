package hassclient

import (
	"errors"
	"fmt"
)

// DisconnectReason explains why a connection attempt or a live connection ended.
type DisconnectReason int

const (
	// Unauthorized: the hub rejected the access token.
	Unauthorized DisconnectReason = iota + 1
	// NotReady: authenticated, but the hub did not report RUNNING.
	NotReady
	// TransportClosed: the socket was closed locally or by the peer.
	TransportClosed
	// Cancelled: the caller's context was cancelled.
	Cancelled
	// ProtocolError: a message had an unexpected shape, order or type.
	ProtocolError
	// Timeout: a handshake step or a command exceeded its bound.
	Timeout
)

func (r DisconnectReason) String() string {
	switch r {
	case Unauthorized:
		return "unauthorized"
	case NotReady:
		return "not ready"
	case TransportClosed:
		return "transport closed"
	case Cancelled:
		return "cancelled"
	case ProtocolError:
		return "protocol error"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against a *ConnectionError of the same reason.
var (
	ErrUnauthorized    = errors.New("hassclient: unauthorized")
	ErrNotReady        = errors.New("hassclient: hub not ready")
	ErrTransportClosed = errors.New("hassclient: transport closed")
	ErrCancelled       = errors.New("hassclient: cancelled")
	ErrProtocol        = errors.New("hassclient: protocol error")
	ErrTimeout         = errors.New("hassclient: timeout")

	// ErrCommandFailed is matched by every *CommandError.
	ErrCommandFailed = errors.New("hassclient: command failed")
)

func (r DisconnectReason) sentinel() error {
	switch r {
	case Unauthorized:
		return ErrUnauthorized
	case NotReady:
		return ErrNotReady
	case TransportClosed:
		return ErrTransportClosed
	case Cancelled:
		return ErrCancelled
	case ProtocolError:
		return ErrProtocol
	case Timeout:
		return ErrTimeout
	default:
		return nil
	}
}

// ConnectionError carries the reason an operation failed at the connection level.
type ConnectionError struct {
	Reason DisconnectReason
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrUnauthorized) and friends match on the reason.
func (e *ConnectionError) Is(target error) bool {
	s := e.Reason.sentinel()
	return s != nil && target == s
}

func newError(reason DisconnectReason, op string, err error) *ConnectionError {
	return &ConnectionError{Reason: reason, Op: op, Err: err}
}

// ReasonOf extracts the DisconnectReason from err, or 0 when err carries none.
func ReasonOf(err error) DisconnectReason {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return 0
}

// CommandError is returned when the hub answers a command with success=false.
type CommandError struct {
	ID      int64
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	if e.Code == "" && e.Message == "" {
		return fmt.Sprintf("command %d failed", e.ID)
	}
	return fmt.Sprintf("command %d failed: %s: %s", e.ID, e.Code, e.Message)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}
