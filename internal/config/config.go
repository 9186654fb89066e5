// Package config loads hub connection settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/EgorLis/hassclient/internal/hassclient"
	"github.com/EgorLis/hassclient/internal/restapi"
	"github.com/EgorLis/hassclient/internal/transport"
)

const DefaultPath = "conf/hassctl.yaml"

// Environment variables that override the file.
const (
	EnvHost  = "HASS_HOST"
	EnvPort  = "HASS_PORT"
	EnvToken = "HASS_TOKEN"
	EnvSSL   = "HASS_SSL"
)

type Settings struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	SSL           bool   `yaml:"ssl"`
	Token         string `yaml:"token"`
	WebSocketPath string `yaml:"websocket_path"`
	// InsecureSkipVerify accepts self-signed hub certificates.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`

	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	MaxMessageSize    int64         `yaml:"max_message_size"`

	// RateLimit caps outbound commands per second; 0 means unlimited.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`

	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	LogLevel    string `yaml:"log_level"`
}

// Default returns settings for a local hub on the standard port.
func Default() *Settings {
	return &Settings{
		Host:             "localhost",
		Port:             8123,
		WebSocketPath:    hassclient.DefaultWebSocketPath,
		HandshakeTimeout: hassclient.DefaultHandshakeTimeout,
		CommandTimeout:   hassclient.DefaultCommandTimeout,
		MaxMessageSize:   64 << 20,
		RateBurst:        1,
		LogLevel:         "info",
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Settings, error) {
	s := Default()
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("config: %w", err)
	default:
		if err := yaml.Unmarshal(b, s); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes the settings to path, creating its directory.
func (s *Settings) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	b, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	// The file holds an access token.
	return os.WriteFile(path, b, 0o600)
}

// ApplyEnv overrides fields from the HASS_* variables found by lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvHost); ok && v != "" {
		s.Host = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvPort, err)
		}
		s.Port = port
	}
	if v, ok := lookup(EnvToken); ok && v != "" {
		s.Token = v
	}
	if v, ok := lookup(EnvSSL); ok && v != "" {
		ssl, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvSSL, err)
		}
		s.SSL = ssl
	}
	return nil
}

// Validate reports every problem found, joined.
func (s *Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Host) == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", s.Port))
	}
	if s.Token == "" {
		errs = append(errs, fmt.Errorf("token is required (set it in the file or %s)", EnvToken))
	}
	for name, d := range map[string]time.Duration{
		"handshake_timeout":  s.HandshakeTimeout,
		"command_timeout":    s.CommandTimeout,
		"heartbeat_interval": s.HeartbeatInterval,
		"ping_interval":      s.PingInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if s.RateLimit < 0 {
		errs = append(errs, errors.New("rate_limit must not be negative"))
	}
	if _, err := log.ParseLevel(s.LogLevel); s.LogLevel != "" && err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Level is the configured log level, info when unset or invalid.
func (s *Settings) Level() log.Level {
	lvl, err := log.ParseLevel(s.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

// Client returns the websocket connection target.
func (s *Settings) Client() hassclient.Settings {
	return hassclient.Settings{
		Host:          s.Host,
		Port:          s.Port,
		SSL:           s.SSL,
		Token:         s.Token,
		WebSocketPath: s.WebSocketPath,
	}
}

// WebSocketURL is ws(s)://host:port/<websocket_path>.
func (s *Settings) WebSocketURL() string {
	return s.Client().URL()
}

// APIURL is the REST root, proxied through the supervisor inside an add-on.
func (s *Settings) APIURL() string {
	return restapi.BaseURL(s.Host, s.Port, s.SSL)
}

// Options translates the settings into client options.
func (s *Settings) Options(logger *log.Logger) []hassclient.Option {
	dialer := transport.NewDialer(transport.Options{
		ReadLimit:          s.MaxMessageSize,
		PingInterval:       s.PingInterval,
		InsecureSkipVerify: s.InsecureSkipVerify,
		Logger:             logger.WithPrefix("transport"),
	})
	return []hassclient.Option{
		hassclient.WithLogger(logger.WithPrefix("hassclient")),
		hassclient.WithDialer(dialer),
		hassclient.WithHandshakeTimeout(s.HandshakeTimeout),
		hassclient.WithCommandTimeout(s.CommandTimeout),
		hassclient.WithHeartbeat(s.HeartbeatInterval),
		hassclient.WithRateLimit(s.RateLimit, s.RateBurst),
	}
}
