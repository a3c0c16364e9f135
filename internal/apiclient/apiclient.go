// Package apiclient is the JSON-over-HTTP transport shared by the provider
// clients: auth hook, correlation header, bounded reads and retry with
// exponential backoff on network errors, 5xx and 429.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Static errors for API requests.
var (
	// ErrServerError is wrapped by StatusError for 5xx responses.
	ErrServerError = errors.New("server error")
	// ErrRateLimited is wrapped by StatusError for 429 responses.
	ErrRateLimited = errors.New("rate limited")
	// ErrRequestFailed is wrapped by StatusError for other non-2xx responses.
	ErrRequestFailed = errors.New("request failed")
	// ErrTooLarge is returned when a response body exceeds the read limit.
	ErrTooLarge = errors.New("response body too large")
)

// CorrelationHeader carries the correlation ID on outbound requests.
const CorrelationHeader = "X-Correlation-ID"

const (
	defaultMaxBody     = 8 << 20
	errorBodySnippet   = 512
	base64Envelope     = 1 << 20
	defaultMaxRetries  = 3
	defaultBaseBackoff = time.Second
)

type correlationKey struct{}

// WithCorrelationID returns a context whose requests carry the given ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the ID stored by WithCorrelationID.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// StatusError is a non-2xx response.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %v (status %d): %s", e.Service, e.Unwrap(), e.StatusCode, e.Body)
}

// Unwrap maps the status code onto the package sentinels.
func (e *StatusError) Unwrap() error {
	switch {
	case e.StatusCode >= 500:
		return ErrServerError
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return ErrRequestFailed
	}
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Authorizer decorates an outgoing request with credentials.
type Authorizer func(ctx context.Context, req *http.Request) error

// BearerToken authorizes with a static bearer token.
func BearerToken(token string) Authorizer {
	return func(_ context.Context, req *http.Request) error {
		req.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
}

// Client performs JSON requests with retries.
type Client struct {
	service     string
	httpClient  *http.Client
	authorize   Authorizer
	maxRetries  int
	baseBackoff time.Duration
	maxBody     int64
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithAuthorizer sets the credential hook.
func WithAuthorizer(a Authorizer) Option {
	return func(cl *Client) { cl.authorize = a }
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) Option {
	return func(cl *Client) { cl.maxRetries = n }
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) Option {
	return func(cl *Client) { cl.baseBackoff = d }
}

// WithMaxBody caps how many response bytes are read.
func WithMaxBody(n int64) Option {
	return func(cl *Client) { cl.maxBody = n }
}

// WithTimeout sets the per-request timeout, keeping any custom transport.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		hc := *cl.httpClient
		hc.Timeout = d
		cl.httpClient = &hc
	}
}

// Base64Limit returns a response cap large enough for a JSON document that
// carries a payload of up to raw bytes as base64.
func Base64Limit(raw int64) int64 {
	return (raw+2)/3*4 + base64Envelope
}

// New creates a Client. service prefixes error messages.
func New(service string, opts ...Option) *Client {
	c := &Client{
		service:     service,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		maxBody:     defaultMaxBody,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DoJSON sends body (if non-nil) as JSON and decodes the response into out
// (if non-nil).
func (c *Client) DoJSON(ctx context.Context, method, url string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", c.service, err)
		}
	}

	respBody, _, err := c.doWithRetry(ctx, method, url, payload)
	if err != nil {
		return err
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s: unmarshal response: %w", c.service, err)
		}
	}
	return nil
}

// Download fetches url and returns the body and its Content-Type.
func (c *Client) Download(ctx context.Context, url string) ([]byte, string, error) {
	return c.doWithRetry(ctx, http.MethodGet, url, nil)
}

func (c *Client) doWithRetry(ctx context.Context, method, url string, body []byte) ([]byte, string, error) {
	var lastErr error
	backoff := c.baseBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, "", fmt.Errorf("%s: context cancelled: %w", c.service, ctx.Err())
			case <-timer.C:
				backoff *= 2
			}
		}

		respBody, contentType, err := c.do(ctx, method, url, body)
		if err == nil {
			return respBody, contentType, nil
		}
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, "", err
		}
		lastErr = err
	}

	return nil, "", fmt.Errorf("%s: max retries exceeded: %w", c.service, lastErr)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, string, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, "", fmt.Errorf("%s: create request: %w", c.service, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if id := CorrelationID(ctx); id != "" {
		req.Header.Set(CorrelationHeader, id)
	}
	if c.authorize != nil {
		if err := c.authorize(ctx, req); err != nil {
			return nil, "", fmt.Errorf("%s: authorize: %w", c.service, err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", &retryableError{err: fmt.Errorf("%s: request failed: %w", c.service, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, "", &retryableError{err: fmt.Errorf("%s: read response: %w", c.service, err)}
	}
	if int64(len(respBody)) > c.maxBody {
		return nil, "", fmt.Errorf("%s: %w (limit %d bytes)", c.service, ErrTooLarge, c.maxBody)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := respBody
		if len(snippet) > errorBodySnippet {
			snippet = snippet[:errorBodySnippet]
		}
		return nil, "", &StatusError{Service: c.service, StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	return respBody, resp.Header.Get("Content-Type"), nil
}

// retryableError wraps network-level errors that should be retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// isRetryable returns true if the error should be retried.
func isRetryable(err error) bool {
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Retryable()
}
