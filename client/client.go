package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pkt.systems/distlock/api"
	"pkt.systems/distlock/internal/correlation"
	"pkt.systems/distlock/internal/loggingutil"
	"pkt.systems/pslog"
)

// DefaultHTTPTimeout bounds each request when no timeout option is given.
const DefaultHTTPTimeout = 15 * time.Second

const headerCorrelationID = correlation.Header

// Client talks to a distlock server. Every call makes exactly one attempt;
// retry policy belongs to the caller.
type Client struct {
	base          string
	httpClient    *http.Client
	logger        pslog.Logger
	httpTimeout   time.Duration
	reuse         bool
	correlationID string
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		c.logger = loggingutil.WithSubsystem(logger, "client.sdk")
	}
}

// WithHTTPTimeout bounds each request. Zero or negative restores the default.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpTimeout = d
	}
}

// WithConnectionReuse keeps connections open between calls. By default each
// call dials a fresh connection and closes it afterwards.
func WithConnectionReuse(enabled bool) Option {
	return func(c *Client) {
		c.reuse = enabled
	}
}

// WithCorrelationID sends id with every request that does not carry its own
// correlation identifier in the context.
func WithCorrelationID(id string) Option {
	return func(c *Client) {
		if normalized, ok := correlation.Normalize(id); ok {
			c.correlationID = normalized
		}
	}
}

// New returns a client for baseURL. Supported schemes are http://, https://
// and unix:///path/to/socket.
// Example:
//
//	cli, err := client.New("http://127.0.0.1:9342")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ok, lock, err := cli.Acquire(ctx, "orders")
func New(baseURL string, opts ...Option) (*Client, error) {
	builtClient, base, err := buildHTTPClient(baseURL)
	if err != nil {
		return nil, fmt.Errorf("distlock: %w", err)
	}
	c := &Client{base: base}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = pslog.NoopLogger()
	}
	if c.httpTimeout <= 0 {
		c.httpTimeout = DefaultHTTPTimeout
	}
	if c.httpClient == nil {
		c.httpClient = builtClient
		if tr, ok := c.httpClient.Transport.(*http.Transport); ok && !c.reuse {
			tr.DisableKeepAlives = true
		}
	}
	c.logger.Debug("client.init", "endpoint", c.base, "connection_reuse", c.reuse, "timeout", c.httpTimeout)
	return c, nil
}

// BaseURL returns the normalized server base URL.
func (c *Client) BaseURL() string {
	return c.base
}

// Acquire tries to take key. Contention is not an error: it returns false
// with a nil entry. A granted lock returns true and its entry. An empty key
// is let through by the server and returns true with a nil entry.
func (c *Client) Acquire(ctx context.Context, key string) (bool, *api.LockEntry, error) {
	var resp api.AcquireResponse
	if err := c.do(ctx, http.MethodPost, "/v1/acquire", api.AcquireRequest{Key: key}, &resp); err != nil {
		return false, nil, err
	}
	c.logDebugCtx(ctx, "client.acquire.result", "key", key, "acquired", resp.Acquired)
	return resp.Acquired, resp.Lock, nil
}

// Release drops key. Releasing an absent key succeeds and returns false.
func (c *Client) Release(ctx context.Context, key string) (bool, error) {
	var resp api.ReleaseResponse
	if err := c.do(ctx, http.MethodPost, "/v1/release", api.ReleaseRequest{Key: key}, &resp); err != nil {
		return false, err
	}
	c.logDebugCtx(ctx, "client.release.result", "key", key, "released", resp.Released)
	return resp.Released, nil
}

// List returns every tracked lock ordered by key.
func (c *Client) List(ctx context.Context) ([]api.LockEntry, error) {
	var resp api.ListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/locks", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Locks, nil
}

// Health reports whether the server process is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Ready reports whether the server is accepting lock traffic.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/readyz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var body io.Reader = http.NoBody
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return fmt.Errorf("distlock: encode request: %w", err)
		}
		body = buf
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("distlock: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Close = !c.reuse
	c.applyCorrelationHeader(ctx, req)

	start := time.Now()
	c.logTraceCtx(ctx, "client.http.start", "method", method, "path", path, "endpoint", c.base)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logDebugCtx(ctx, "client.http.transport_error", "method", method, "path", path, "error", err)
		return fmt.Errorf("distlock: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		apiErr := decodeError(resp)
		c.logDebugCtx(ctx, "client.http.error", "method", method, "path", path, "status", resp.StatusCode, "error", apiErr)
		return apiErr
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("distlock: decode response: %w", err)
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logTraceCtx(ctx, "client.http.success", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))
	return nil
}

func (c *Client) applyCorrelationHeader(ctx context.Context, req *http.Request) {
	if id := CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set(headerCorrelationID, id)
		return
	}
	if c.correlationID != "" {
		req.Header.Set(headerCorrelationID, c.correlationID)
	}
}

func (c *Client) enrichKeyvals(ctx context.Context, keyvals []any) []any {
	cid := CorrelationIDFromContext(ctx)
	if cid == "" {
		cid = c.correlationID
	}
	if cid == "" {
		return keyvals
	}
	return append(append([]any(nil), keyvals...), "cid", cid)
}

func (c *Client) logTraceCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Trace(msg, c.enrichKeyvals(ctx, keyvals)...)
}

func (c *Client) logDebugCtx(ctx context.Context, msg string, keyvals ...any) {
	c.logger.Debug(msg, c.enrichKeyvals(ctx, keyvals)...)
}

// APIError describes an error response from distlock.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		if e.Response.Detail != "" {
			return fmt.Sprintf("distlock: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
		}
		return "distlock: " + e.Response.ErrorCode
	}
	return fmt.Sprintf("distlock: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

// IsRateLimited reports whether err is a 429 from the server.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests
}

func decodeError(resp *http.Response) *APIError {
	data, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{Status: resp.StatusCode, Body: data}
	if len(data) > 0 {
		// Keep the raw body when the envelope does not decode.
		_ = json.Unmarshal(data, &apiErr.Response)
	}
	apiErr.RetryAfter = parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	if apiErr.RetryAfter == 0 && apiErr.Response.RetryAfterSeconds > 0 {
		apiErr.RetryAfter = time.Duration(apiErr.Response.RetryAfterSeconds) * time.Second
	}
	return apiErr
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if ts, err := http.ParseTime(raw); err == nil {
		if delay := time.Until(ts); delay > 0 {
			return delay
		}
	}
	return 0
}

func buildHTTPClient(rawBase string) (*http.Client, string, error) {
	trimmed := strings.TrimSpace(rawBase)
	if trimmed == "" {
		return nil, "", errors.New("baseURL required")
	}
	if strings.HasPrefix(trimmed, "unix://") {
		return newUnixHTTPClient(trimmed)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, "", fmt.Errorf("parse baseURL: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, "", fmt.Errorf("unsupported baseURL scheme %q (use http, https or unix)", u.Scheme)
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("baseURL %q missing host", trimmed)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &http.Client{Transport: transport}, strings.TrimRight(trimmed, "/"), nil
}

func newUnixHTTPClient(raw string) (*http.Client, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse unix baseURL: %w", err)
	}
	socketPath := u.Path
	if u.Host != "" {
		if socketPath == "" || socketPath == "/" {
			socketPath = "/" + u.Host
		} else {
			socketPath = "/" + u.Host + socketPath
		}
	}
	if socketPath == "" {
		return nil, "", errors.New("unix baseURL missing socket path")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	dialer := &net.Dialer{Timeout: DefaultHTTPTimeout}
	transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
		return dialer.DialContext(ctx, "unix", socketPath)
	}
	transport.DialTLSContext = nil
	transport.TLSClientConfig = nil
	return &http.Client{Transport: transport}, "http://unix", nil
}
