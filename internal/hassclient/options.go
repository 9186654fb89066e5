package hassclient

import (
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/EgorLis/hassclient/internal/transport"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultCommandTimeout   = 30 * time.Second
	DefaultWebSocketPath    = "api/websocket"

	tracerName = "github.com/EgorLis/hassclient/internal/hassclient"
)

// Settings locate and authenticate against one hub.
type Settings struct {
	Host          string
	Port          int
	SSL           bool
	Token         string
	WebSocketPath string
}

// URL returns ws(s)://host:port/<path>.
func (s Settings) URL() string {
	scheme := "ws"
	if s.SSL {
		scheme = "wss"
	}
	path := s.WebSocketPath
	if path == "" {
		path = DefaultWebSocketPath
	}
	return fmt.Sprintf("%s://%s:%d/%s", scheme, s.Host, s.Port, path)
}

type options struct {
	logger           *log.Logger
	dialer           transport.Dialer
	handshakeTimeout time.Duration
	commandTimeout   time.Duration
	heartbeat        time.Duration
	limiter          *rate.Limiter
	metrics          *Metrics
	tracer           trace.Tracer
	coalescing       bool
}

func defaultOptions() options {
	return options{
		logger:           log.Default().WithPrefix("hassclient"),
		dialer:           transport.NewDialer(transport.Options{}),
		handshakeTimeout: DefaultHandshakeTimeout,
		commandTimeout:   DefaultCommandTimeout,
		tracer:           otel.Tracer(tracerName),
		coalescing:       true,
	}
}

// Option configures a Client and the connections it creates.
type Option func(*options)

// WithLogger sets the logger used by the client and its connections.
func WithLogger(logger *log.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithHandshakeTimeout bounds every handshake step, including the readiness check.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithCommandTimeout is the default bound for SendAndAwait when the caller passes 0.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.commandTimeout = d
		}
	}
}

// WithHeartbeat sends a ping command every interval; a missing pong closes the
// connection with Timeout. Zero disables it.
func WithHeartbeat(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeat = interval
	}
}

// WithRateLimit caps outbound commands per second. Zero disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithMetrics records engine metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer replaces the otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithCoalescing controls whether message coalescing is negotiated with hubs
// that support it. It is on by default.
func WithCoalescing(enabled bool) Option {
	return func(o *options) {
		o.coalescing = enabled
	}
}
