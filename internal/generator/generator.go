// Package generator provides the common contract for image-to-video
// providers and the adapters for RunPod (Wan 2.1) and Vertex AI (Veo 3.1).
package generator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vividflow/vividflow-api/internal/apiclient"
	"github.com/vividflow/vividflow-api/internal/job"
)

// ErrNotDone is returned by Extract for a state that is still running.
var ErrNotDone = errors.New("generator: operation not finished")

// Phase is the normalized outcome of a single poll.
type Phase string

// Poll outcomes.
const (
	PhaseRunning   Phase = "RUNNING"   // still queued or generating
	PhaseCompleted Phase = "COMPLETED" // finished with a video payload
	PhaseEmpty     Phase = "EMPTY"     // finished without error but with no video
	PhaseFailed    Phase = "FAILED"    // provider reported an error
)

// Request is a provider-neutral generation request. Image holds the
// resolved image bytes.
type Request struct {
	CorrelationID  string
	Prompt         string
	NegativePrompt string
	Image          []byte
	ImageMIME      string
	Parameters     job.Parameters
}

// Handle references a long-running provider operation.
type Handle struct {
	Provider      string
	ID            string
	CorrelationID string
	SubmittedAt   time.Time
	// Started is set when the provider has no queueing phase of its own.
	Started bool
}

// State is the result of one poll.
type State struct {
	Handle      Handle
	Phase       Phase
	Started     bool
	VideoBase64 string
	VideoURL    string
	Message     string
	Kind        job.ErrorKind
	Diagnostics map[string]any
}

// Done reports whether the operation left the running phase.
func (s State) Done() bool { return s.Phase != PhaseRunning }

// Provider is implemented by each video generation backend.
type Provider interface {
	// Name returns the model selector clients use, e.g. "wan2.1".
	Name() string

	// Validate checks an option bag without any network call.
	Validate(params job.Parameters) error

	// Submit starts a generation and returns its handle.
	Submit(ctx context.Context, req Request) (Handle, error)

	// Poll performs a single non-blocking status check.
	Poll(ctx context.Context, h Handle) (State, error)

	// Extract returns the video bytes of a completed state, or a classified
	// *Error for empty and failed states.
	Extract(ctx context.Context, st State) ([]byte, error)
}

// Canceller is implemented by providers that can abort a running operation.
type Canceller interface {
	Cancel(ctx context.Context, h Handle) error
}

// Downloader fetches provider-hosted output.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// Error is a classified provider failure. Message is safe to show to the
// job owner; Err and Diagnostics are for logs and the job record.
type Error struct {
	Kind          job.ErrorKind
	Provider      string
	CorrelationID string
	Message       string
	Diagnostics   map[string]any
	Err           error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s [%s] %s: %s", e.Provider, e.CorrelationID, e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err, or KindInternal when err is not
// a *Error.
func KindOf(err error) job.ErrorKind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return job.KindInternal
}

// DefaultMaxOutputBytes caps a downloaded output video when no downloader
// is configured.
const DefaultMaxOutputBytes = 200 << 20

const defaultDownloadTimeout = 10 * time.Minute

// Option configures an adapter.
type Option func(*adapterConfig)

type adapterConfig struct {
	logger     *slog.Logger
	downloader Downloader
	now        func() time.Time
}

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *adapterConfig) { c.logger = l }
}

// WithDownloader sets how output URLs are fetched.
func WithDownloader(d Downloader) Option {
	return func(c *adapterConfig) { c.downloader = d }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *adapterConfig) { c.now = now }
}

func newAdapterConfig(provider string, opts []Option) adapterConfig {
	download := apiclient.New(provider+" download",
		apiclient.WithMaxBody(DefaultMaxOutputBytes),
		apiclient.WithTimeout(defaultDownloadTimeout),
	)
	c := adapterConfig{
		logger:     slog.Default(),
		downloader: download,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&c)
	}
	c.logger = c.logger.With(slog.String("provider", provider))
	return c
}

// extract implements Extract for both adapters.
func (c adapterConfig) extract(ctx context.Context, st State) ([]byte, error) {
	h := st.Handle
	switch st.Phase {
	case PhaseRunning:
		return nil, ErrNotDone
	case PhaseEmpty:
		return nil, &Error{
			Kind:          job.KindEmptyResult,
			Provider:      h.Provider,
			CorrelationID: h.CorrelationID,
			Message:       "the provider returned no video",
			Diagnostics:   st.Diagnostics,
		}
	case PhaseFailed:
		kind := st.Kind
		if kind == "" {
			kind = job.KindProvider
		}
		return nil, &Error{
			Kind:          kind,
			Provider:      h.Provider,
			CorrelationID: h.CorrelationID,
			Message:       st.Message,
			Diagnostics:   st.Diagnostics,
		}
	}

	if st.VideoBase64 != "" {
		data, err := decodeBase64(st.VideoBase64)
		if err != nil {
			return nil, &Error{
				Kind:          job.KindTransport,
				Provider:      h.Provider,
				CorrelationID: h.CorrelationID,
				Message:       "the provider returned a malformed video payload",
				Err:           err,
			}
		}
		return data, nil
	}

	data, _, err := c.downloader.Download(apiclient.WithCorrelationID(ctx, h.CorrelationID), st.VideoURL)
	if err != nil {
		return nil, transportError(h.Provider, h.CorrelationID, "download output", err)
	}
	if len(data) == 0 {
		return nil, &Error{
			Kind:          job.KindEmptyResult,
			Provider:      h.Provider,
			CorrelationID: h.CorrelationID,
			Message:       "the provider returned no video",
			Diagnostics:   map[string]any{"reason": "empty download"},
		}
	}
	return data, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if _, payload, ok := strings.Cut(s, ","); ok && strings.HasPrefix(s, "data:") {
		s = payload
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	return data, err
}

// transportError classifies an error from a provider API call. A 400 from
// the provider means the request itself was rejected.
func transportError(provider, correlationID, op string, err error) *Error {
	e := &Error{
		Kind:          job.KindTransport,
		Provider:      provider,
		CorrelationID: correlationID,
		Message:       "the provider could not be reached",
		Err:           fmt.Errorf("%s: %w", op, err),
	}

	var se *apiclient.StatusError
	if errors.As(err, &se) {
		e.Diagnostics = map[string]any{"http_status": se.StatusCode}
		e.Message = "the provider request failed"
		if se.StatusCode == http.StatusBadRequest {
			e.Kind = job.KindInvalidInput
			e.Message = "the provider rejected the request"
			e.Diagnostics["provider_message"] = truncate(lastLine(se.Body), maxDiagnosticLength)
		}
	}
	return e
}

func invalidInput(provider, correlationID string, err error) *Error {
	return &Error{
		Kind:          job.KindInvalidInput,
		Provider:      provider,
		CorrelationID: correlationID,
		Message:       err.Error(),
		Err:           err,
	}
}

const maxDiagnosticLength = 200

// lastLine returns the last non-empty line of s; provider tracebacks end
// with the actual error.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
