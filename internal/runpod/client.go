package runpod

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/vividflow/vividflow-api/internal/apiclient"
)

// Static errors for RunPod client operations.
var (
	// ErrEndpointIDRequired is returned when the endpoint ID is not provided.
	ErrEndpointIDRequired = errors.New("runpod: endpoint ID is required")
	// ErrAPIKeyRequired is returned when no API key is configured.
	ErrAPIKeyRequired = errors.New("runpod: API key is required")
	// ErrJobIDRequired is returned when the job ID is not provided.
	ErrJobIDRequired = errors.New("runpod: job ID is required")
	// ErrNoJobIDReturned is returned when the submit response contains no job ID.
	ErrNoJobIDReturned = errors.New("runpod: submit failed: no job ID returned")
	// ErrSubmitFailed is returned when the submit operation fails.
	ErrSubmitFailed = errors.New("runpod: submit failed")
)

const (
	defaultBaseURL = "https://api.runpod.ai/v2"
	defaultTimeout = 5 * time.Minute
)

// DefaultMaxResponseBytes is the response cap when none is configured. A
// completed status response embeds the whole video as base64.
const DefaultMaxResponseBytes = 256 << 20

// Client defines the interface for interacting with the RunPod API.
type Client interface {
	// Submit sends an image-to-video job to RunPod and returns the job ID.
	Submit(ctx context.Context, in Input) (jobID string, err error)

	// Poll checks the status of a job and returns the result.
	Poll(ctx context.Context, jobID string) (PollResult, error)

	// Cancel asks RunPod to stop a queued or running job.
	Cancel(ctx context.Context, jobID string) error
}

// HTTPClient is the HTTP implementation of the RunPod Client interface.
type HTTPClient struct {
	endpointID string
	baseURL    string
	api        *apiclient.Client
}

type clientConfig struct {
	apiKey     string
	baseURL    string
	apiOptions []apiclient.Option
}

// ClientOption is a function that configures an HTTPClient.
type ClientOption func(*clientConfig)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ClientOption {
	return func(c *clientConfig) { c.apiKey = key }
}

// WithBaseURL sets a custom base URL for the RunPod API.
func WithBaseURL(u string) ClientOption {
	return func(c *clientConfig) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) { c.apiOptions = append(c.apiOptions, apiclient.WithHTTPClient(hc)) }
}

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) ClientOption {
	return func(c *clientConfig) { c.apiOptions = append(c.apiOptions, apiclient.WithMaxRetries(n)) }
}

// WithMaxResponseBytes caps how much of a response is read. Finished
// operations carry the video inline, so the cap must cover the base64 form
// of the largest expected output.
func WithMaxResponseBytes(n int64) ClientOption {
	return func(c *clientConfig) { c.apiOptions = append(c.apiOptions, apiclient.WithMaxBody(n)) }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.apiOptions = append(c.apiOptions, apiclient.WithTimeout(d)) }
}

// WithBaseBackoff sets the initial backoff duration for retries.
func WithBaseBackoff(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.apiOptions = append(c.apiOptions, apiclient.WithBaseBackoff(d)) }
}

// NewClient creates a new RunPod HTTP client for the given serverless
// endpoint.
func NewClient(endpointID string, opts ...ClientOption) (*HTTPClient, error) {
	if endpointID == "" {
		return nil, ErrEndpointIDRequired
	}

	cfg := clientConfig{baseURL: defaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.apiKey == "" {
		return nil, ErrAPIKeyRequired
	}

	apiOpts := append([]apiclient.Option{
		apiclient.WithMaxBody(DefaultMaxResponseBytes),
		apiclient.WithTimeout(defaultTimeout),
		apiclient.WithAuthorizer(apiclient.BearerToken(cfg.apiKey)),
	}, cfg.apiOptions...)
	return &HTTPClient{
		endpointID: endpointID,
		baseURL:    cfg.baseURL,
		api:        apiclient.New("runpod", apiOpts...),
	}, nil
}

// Submit sends an image-to-video job to RunPod and returns the job ID.
func (c *HTTPClient) Submit(ctx context.Context, in Input) (string, error) {
	var resp runResponse
	if err := c.api.DoJSON(ctx, http.MethodPost, c.endpointURL("run"), runRequest{Input: in}, &resp); err != nil {
		return "", err
	}

	if resp.ID == "" {
		if resp.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrSubmitFailed, resp.Error)
		}
		return "", ErrNoJobIDReturned
	}
	return resp.ID, nil
}

// Poll checks the status of a job and returns the result.
func (c *HTTPClient) Poll(ctx context.Context, jobID string) (PollResult, error) {
	if jobID == "" {
		return PollResult{}, ErrJobIDRequired
	}

	var resp statusResponse
	if err := c.api.DoJSON(ctx, http.MethodGet, c.endpointURL("status", jobID), nil, &resp); err != nil {
		return PollResult{}, err
	}

	result := PollResult{
		Status:        Status(resp.Status),
		DelayTime:     resp.DelayTime,
		ExecutionTime: resp.ExecutionTime,
	}
	switch result.Status {
	case StatusCompleted:
		result.Output = resp.Output
	case StatusFailed, StatusCancelled, StatusTimedOut:
		result.Error = resp.Error
	}
	return result, nil
}

// Cancel asks RunPod to stop a job. Cancelling a finished job is not an error
// on RunPod's side.
func (c *HTTPClient) Cancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrJobIDRequired
	}
	return c.api.DoJSON(ctx, http.MethodPost, c.endpointURL("cancel", jobID), nil, nil)
}

func (c *HTTPClient) endpointURL(action string, jobID ...string) string {
	u := fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(c.endpointID), action)
	for _, id := range jobID {
		u += "/" + url.PathEscape(id)
	}
	return u
}
