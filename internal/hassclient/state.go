package hassclient

// ConnectionState is the lifecycle position of one connection attempt.
// States only move forward; Closed is terminal.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateAuthenticating
	StateNegotiating
	StateReady
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateNegotiating:
		return "negotiating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
