// Package restapi is a small client for the hub's REST API, used for calls
// that do not need the websocket connection.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// SupervisorHost is the hostname the hub has from inside an add-on container.
const SupervisorHost = "supervisor"

const defaultTimeout = 10 * time.Second

type Client struct {
	http    *http.Client
	token   string
	baseURL string
	logger  *log.Logger
}

// APIError is returned by Get for a non-2xx status.
type APIError struct {
	StatusCode int
	Status     string
	Path       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %s: %s", e.Path, e.Status)
}

type Option func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// BaseURL returns the REST root for a hub. Inside an add-on the hub is reached
// through the supervisor proxy.
func BaseURL(host string, port int, ssl bool) string {
	if host == SupervisorHost {
		return "http://supervisor/core/api"
	}
	scheme := "http"
	if ssl {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d/api", scheme, host, port)
}

// NewClient returns a client for the API rooted at baseURL.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		http:    &http.Client{Timeout: defaultTimeout},
		token:   token,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  log.Default().WithPrefix("restapi"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get decodes the JSON body of GET <base>/<path> into out. A non-2xx status
// is an *APIError.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Path: path}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("get %s: decode: %w", path, err)
	}
	return nil
}

// Post sends data as JSON (or an empty body when data is nil) and decodes the
// reply into out. A non-2xx status or an empty reply leaves out untouched and
// reports false.
func (c *Client) Post(ctx context.Context, path string, data, out any) (bool, error) {
	var body io.Reader
	if data != nil {
		buf, err := json.Marshal(data)
		if err != nil {
			return false, fmt.Errorf("post %s: encode: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return false, err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		c.logger.Warn("post rejected", "path", path, "status", resp.Status)
		return false, nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("post %s: read: %w", path, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 || out == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("post %s: decode: %w", path, err)
	}
	return true, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	url := c.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", strings.ToLower(method), path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	c.logger.Debug("request", "method", method, "url", url)
	return req, nil
}
