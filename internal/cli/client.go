// Package cli implements vividctl, the command line client for the VividFlow API.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vividflow/vividflow-api/internal/apiclient"
	"github.com/vividflow/vividflow-api/internal/auth"
	"github.com/vividflow/vividflow-api/internal/job"
	"github.com/vividflow/vividflow-api/internal/promptcheck"
	"github.com/vividflow/vividflow-api/internal/server"
)

// APIError is an error response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Field      string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s (%d %s)", e.Message, e.StatusCode, e.Code)
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	return msg
}

// Client calls the VividFlow HTTP API.
type Client struct {
	baseURL string
	api     *apiclient.Client
}

// NewClient creates a Client authenticating with apiKey. Requests are not
// retried: a 429 from the server is a quota or rate decision, not a fault.
func NewClient(baseURL, apiKey string, opts ...apiclient.Option) *Client {
	base := []apiclient.Option{
		apiclient.WithAuthorizer(func(_ context.Context, req *http.Request) error {
			req.Header.Set(auth.HeaderAPIKey, apiKey)
			return nil
		}),
		apiclient.WithMaxRetries(0),
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		api:     apiclient.New("vividflow", append(base, opts...)...),
	}
}

// Generate submits a job.
func (c *Client) Generate(ctx context.Context, req server.GenerateRequest) (*server.GenerateResponse, error) {
	var out server.GenerateResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/generate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches one job.
func (c *Client) Status(ctx context.Context, id string) (*server.JobResponse, error) {
	var out server.JobResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/status/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel cancels a queued job.
func (c *Client) Cancel(ctx context.Context, id string) (*server.JobResponse, error) {
	var out server.JobResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/cancel/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists the caller's jobs, newest first. limit <= 0 uses the server default.
func (c *Client) History(ctx context.Context, limit int) (*server.HistoryResponse, error) {
	path := "/api/v1/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out server.HistoryResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Usage returns the caller's job counts and quota.
func (c *Client) Usage(ctx context.Context) (*server.UsageResponse, error) {
	var out server.UsageResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/usage", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Models lists the providers the server accepts.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	var out server.ModelsResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/models", nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// CheckPrompt asks the server for prompt advice without submitting a job.
func (c *Client) CheckPrompt(ctx context.Context, prompt string) (*promptcheck.Advice, error) {
	var out promptcheck.Advice
	if err := c.do(ctx, http.MethodPost, "/api/v1/prompt-check", server.PromptCheckRequest{Prompt: prompt}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Wait polls a job until it reaches a terminal status. onUpdate, if set, is
// called whenever the status changes.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration, onUpdate func(*server.JobResponse)) (*server.JobResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		j, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if j.Status != last {
			last = j.Status
			if onUpdate != nil {
				onUpdate(j)
			}
		}
		if job.Status(j.Status).IsTerminal() {
			return j, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	err := c.api.DoJSON(ctx, method, c.baseURL+path, body, out)
	var se *apiclient.StatusError
	if errors.As(err, &se) {
		var resp server.ErrorResponse
		if json.Unmarshal([]byte(se.Body), &resp) == nil && resp.Code != "" {
			return &APIError{StatusCode: se.StatusCode, Code: resp.Code, Message: resp.Error, Field: resp.Field}
		}
	}
	return err
}
