package veo

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/vividflow/vividflow-api/internal/apiclient"
)

// Static errors for Veo client operations.
var (
	// ErrProjectRequired is returned when the project ID is not provided.
	ErrProjectRequired = errors.New("veo: project ID is required")
	// ErrOperationRequired is returned when the operation name is not provided.
	ErrOperationRequired = errors.New("veo: operation name is required")
	// ErrNoOperationReturned is returned when predict returns no operation name.
	ErrNoOperationReturned = errors.New("veo: predict returned no operation name")
)

const (
	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
	defaultTimeout     = 5 * time.Minute
)

// DefaultMaxResponseBytes is the response cap when none is configured.
// fetchPredictOperation returns finished videos inline as base64.
const DefaultMaxResponseBytes = 256 << 20

// Client defines the interface for interacting with Veo on Vertex AI.
type Client interface {
	// Predict starts a long-running generation and returns the operation name.
	Predict(ctx context.Context, req PredictRequest) (string, error)

	// Fetch returns the current state of an operation.
	Fetch(ctx context.Context, operation string) (Operation, error)
}

// HTTPClient is the REST implementation of Client.
type HTTPClient struct {
	project  string
	location string
	model    string
	baseURL  string
	api      *apiclient.Client
}

type clientConfig struct {
	location    string
	model       string
	baseURL     string
	tokenSource oauth2.TokenSource
	apiOptions  []apiclient.Option
}

// ClientOption configures an HTTPClient.
type ClientOption func(*clientConfig)

// WithLocation sets the Vertex region (default us-central1).
func WithLocation(loc string) ClientOption {
	return func(c *clientConfig) {
		if loc != "" {
			c.location = loc
		}
	}
}

// WithModel sets the publisher model ID.
func WithModel(model string) ClientOption {
	return func(c *clientConfig) {
		if model != "" {
			c.model = model
		}
	}
}

// WithBaseURL overrides the regional endpoint.
func WithBaseURL(u string) ClientOption {
	return func(c *clientConfig) { c.baseURL = u }
}

// WithTokenSource sets the OAuth2 token source.
func WithTokenSource(ts oauth2.TokenSource) ClientOption {
	return func(c *clientConfig) { c.tokenSource = ts }
}

// WithAccessToken authenticates with a fixed access token.
func WithAccessToken(token string) ClientOption {
	return func(c *clientConfig) {
		if token != "" {
			c.tokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) { c.apiOptions = append(c.apiOptions, apiclient.WithHTTPClient(hc)) }
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

// WithMaxRetries sets the maximum number of retries for transient failures.
func WithMaxRetries(n int) ClientOption {
	return func(c *clientConfig) { c.apiOptions = append(c.apiOptions, apiclient.WithMaxRetries(n)) }
}

// NewClient creates a Veo client. Without an explicit token source it uses
// Application Default Credentials.
func NewClient(ctx context.Context, project string, opts ...ClientOption) (*HTTPClient, error) {
	if project == "" {
		return nil, ErrProjectRequired
	}

	cfg := clientConfig{location: "us-central1", model: "veo-3.1-generate-preview"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.baseURL == "" {
		cfg.baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com", cfg.location)
	}
	if cfg.tokenSource == nil {
		ts, err := google.DefaultTokenSource(ctx, cloudPlatformScope)
		if err != nil {
			return nil, fmt.Errorf("veo: default credentials: %w", err)
		}
		cfg.tokenSource = ts
	}

	ts := oauth2.ReuseTokenSource(nil, cfg.tokenSource)
	authorize := func(_ context.Context, req *http.Request) error {
		tok, err := ts.Token()
		if err != nil {
			return err
		}
		tok.SetAuthHeader(req)
		return nil
	}

	apiOpts := append([]apiclient.Option{
		apiclient.WithMaxBody(DefaultMaxResponseBytes),
		apiclient.WithTimeout(defaultTimeout),
		apiclient.WithAuthorizer(authorize),
	}, cfg.apiOptions...)
	return &HTTPClient{
		project:  project,
		location: cfg.location,
		model:    cfg.model,
		baseURL:  cfg.baseURL,
		api:      apiclient.New("veo", apiOpts...),
	}, nil
}

// Model returns the configured model ID.
func (c *HTTPClient) Model() string { return c.model }

// Predict starts a long-running generation.
func (c *HTTPClient) Predict(ctx context.Context, req PredictRequest) (string, error) {
	var op operationRef
	if err := c.api.DoJSON(ctx, http.MethodPost, c.modelURL("predictLongRunning"), req, &op); err != nil {
		return "", err
	}
	if op.Name == "" {
		return "", ErrNoOperationReturned
	}
	return op.Name, nil
}

// Fetch returns the current state of a long-running operation.
func (c *HTTPClient) Fetch(ctx context.Context, operation string) (Operation, error) {
	if operation == "" {
		return Operation{}, ErrOperationRequired
	}
	var op Operation
	err := c.api.DoJSON(ctx, http.MethodPost, c.modelURL("fetchPredictOperation"), fetchRequest{OperationName: operation}, &op)
	return op, err
}

func (c *HTTPClient) modelURL(method string) string {
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		c.baseURL, c.project, c.location, c.model, method)
}
