package job

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vividflow/vividflow-api/internal/job/id"
)

// Service errors surfaced to the HTTP layer.
var (
	// ErrForbidden is returned when a caller touches another owner's job.
	ErrForbidden = errors.New("job belongs to another user")
	// ErrNotCancellable is returned when cancelling a job already in progress.
	ErrNotCancellable = errors.New("cannot cancel a job already in progress")
	// ErrAlreadyTerminal is returned when cancelling a finished job.
	ErrAlreadyTerminal = errors.New("job already finished")
	// ErrQuotaExceeded is returned when the owner used up the daily quota.
	ErrQuotaExceeded = errors.New("daily job quota exceeded")
	// ErrQueueFull is returned when the queue already holds MaxQueueDepth jobs.
	ErrQueueFull = errors.New("job queue is full")
	// ErrUnknownProvider is returned by a Catalog for an unregistered provider.
	ErrUnknownProvider = errors.New("unknown provider")
)

// Input bounds.
const (
	MinPromptLength         = 3
	MaxPromptLength         = 2000
	MaxNegativePromptLength = 2000
	MaxImageBytes           = 10 << 20
	DefaultHistoryLimit     = 20
	MaxHistoryLimit         = 100
)

// ValidationError reports a caller mistake on a single field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Catalog validates provider names and their option bags.
type Catalog interface {
	Validate(provider string, params Parameters) error
	Names() []string
}

// Stager keeps uploaded images until the worker consumes them.
type Stager interface {
	SaveTemp(ctx context.Context, name string, data io.Reader) (string, error)
	CleanupTemp(ctx context.Context, paths []string) error
}

// Recorder receives lifecycle events for metrics.
type Recorder interface {
	Submitted(provider string)
	Rejected(reason string)
	Cancelled(provider string)
	Finished(provider string, status Status, kind ErrorKind, m *Metrics)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) Submitted(string)                             {}
func (NopRecorder) Rejected(string)                              {}
func (NopRecorder) Cancelled(string)                             {}
func (NopRecorder) Finished(string, Status, ErrorKind, *Metrics) {}

// SubmitRequest is a validated-at-the-boundary generation request.
// Exactly one of ImageData or ImageURL must be set.
type SubmitRequest struct {
	Provider       string
	Prompt         string
	NegativePrompt string
	Parameters     Parameters
	ImageData      []byte
	ImageName      string
	ImageURL       string
}

// Submission is returned when a job was accepted.
type Submission struct {
	Job           *Job
	QueuePosition int
}

// Usage is the caller-scoped usage summary.
type Usage struct {
	TotalJobs      int `json:"total_jobs"`
	Last24h        int `json:"last_24h"`
	DailyQuota     int `json:"daily_quota"`
	QuotaRemaining int `json:"quota_remaining"`
}

// Service implements the job use cases: submit, get, cancel, history, usage.
type Service struct {
	repo          Repository
	catalog       Catalog
	stager        Stager
	recorder      Recorder
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
	dailyQuota    int
	maxQueueDepth int

	// admit serializes the quota and queue-depth checks with Create.
	admit sync.Mutex
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) ServiceOption {
	return func(s *Service) { s.recorder = r }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides job ID generation, for tests.
func WithIDGenerator(gen func() string) ServiceOption {
	return func(s *Service) { s.newID = gen }
}

// WithDailyQuota limits jobs per owner in a rolling 24h window. 0 disables.
func WithDailyQuota(n int) ServiceOption {
	return func(s *Service) { s.dailyQuota = n }
}

// WithMaxQueueDepth rejects submissions once n jobs are QUEUED. 0 disables.
func WithMaxQueueDepth(n int) ServiceOption {
	return func(s *Service) { s.maxQueueDepth = n }
}

// NewService creates a Service.
func NewService(repo Repository, catalog Catalog, stager Stager, opts ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		catalog:  catalog,
		stager:   stager,
		recorder: NopRecorder{},
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    id.Generate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates the request, stages an uploaded image and stores a
// QUEUED job. It never waits for generation.
func (s *Service) Submit(ctx context.Context, ownerID string, req SubmitRequest) (*Submission, error) {
	if err := validateSubmit(req); err != nil {
		s.recorder.Rejected("validation")
		return nil, err
	}

	params := req.Parameters.Clone()
	if err := s.catalog.Validate(req.Provider, params); err != nil {
		s.recorder.Rejected("validation")
		if errors.Is(err, ErrUnknownProvider) {
			return nil, &ValidationError{
				Field:  "model",
				Reason: "must be one of " + strings.Join(s.catalog.Names(), ", "),
			}
		}
		return nil, err
	}

	j := New(s.newID(), ownerID, req.Provider, s.now())
	j.Prompt = strings.TrimSpace(req.Prompt)
	j.NegativePrompt = strings.TrimSpace(req.NegativePrompt)
	j.Parameters = params
	j.CorrelationID = id.Correlation()

	if len(req.ImageData) > 0 {
		path, err := s.stager.SaveTemp(ctx, j.ID+imageExt(req.ImageName), bytes.NewReader(req.ImageData))
		if err != nil {
			return nil, fmt.Errorf("stage upload: %w", err)
		}
		j.Image = ImageRef{Kind: ImageUpload, Ref: path}
	} else {
		j.Image = ImageRef{Kind: ImageURL, Ref: strings.TrimSpace(req.ImageURL)}
	}

	queued, err := s.admitJob(ctx, j)
	if err != nil {
		if j.Image.Kind == ImageUpload {
			_ = s.stager.CleanupTemp(ctx, []string{j.Image.Ref})
		}
		return nil, err
	}

	s.recorder.Submitted(j.Provider)
	s.logger.Info("job queued",
		slog.String("job_id", j.ID),
		slog.String("correlation_id", j.CorrelationID),
		slog.String("owner_id", ownerID),
		slog.String("provider", j.Provider),
		slog.String("image_kind", string(j.Image.Kind)),
		slog.Int("queue_position", queued+1),
	)

	return &Submission{Job: j, QueuePosition: queued + 1}, nil
}

// admitJob checks the owner's quota and the queue depth and stores j. The
// checks and the insert happen under one lock so concurrent submissions in
// this process cannot overshoot either limit. It returns the number of jobs
// queued ahead of j.
func (s *Service) admitJob(ctx context.Context, j *Job) (int, error) {
	s.admit.Lock()
	defer s.admit.Unlock()

	if s.dailyQuota > 0 {
		n, err := s.repo.CountByOwnerSince(ctx, j.OwnerID, j.CreatedAt.Add(-24*time.Hour))
		if err != nil {
			return 0, fmt.Errorf("count recent jobs: %w", err)
		}
		if n >= s.dailyQuota {
			s.recorder.Rejected("quota")
			return 0, ErrQuotaExceeded
		}
	}

	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	queued := counts[StatusQueued]
	if s.maxQueueDepth > 0 && queued >= s.maxQueueDepth {
		s.recorder.Rejected("queue_full")
		return 0, ErrQueueFull
	}

	if err := s.repo.Create(ctx, j); err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}
	return queued, nil
}

// Get returns the caller's job. Another owner's job yields ErrForbidden and
// no content.
func (s *Service) Get(ctx context.Context, ownerID, jobID string) (*Job, error) {
	j, err := s.repo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return j, nil
}

// Cancel moves a QUEUED job owned by the caller to CANCELLED.
func (s *Service) Cancel(ctx context.Context, ownerID, jobID string) (*Job, error) {
	j, err := s.Get(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	if err := cancelError(j.Status); err != nil {
		return nil, err
	}

	err = s.repo.UpdateStatus(ctx, jobID, StatusQueued, StatusCancelled, Update{At: s.now()})
	if errors.Is(err, ErrStatusConflict) {
		// The worker claimed it or another cancel won; report what happened.
		current, getErr := s.repo.Get(ctx, jobID)
		if getErr != nil {
			return nil, getErr
		}
		if cerr := cancelError(current.Status); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}

	if j.Image.Kind == ImageUpload {
		if err := s.stager.CleanupTemp(ctx, []string{j.Image.Ref}); err != nil {
			s.logger.Warn("cleanup staged upload", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}

	s.recorder.Cancelled(j.Provider)
	s.logger.Info("job cancelled",
		slog.String("job_id", jobID),
		slog.String("correlation_id", j.CorrelationID),
	)
	return s.repo.Get(ctx, jobID)
}

func cancelError(st Status) error {
	switch {
	case st == StatusProcessing:
		return ErrNotCancellable
	case st.IsTerminal():
		return ErrAlreadyTerminal
	}
	return nil
}

// History returns the caller's jobs, newest first.
func (s *Service) History(ctx context.Context, ownerID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return s.repo.ListByOwner(ctx, ownerID, limit)
}

// Usage summarizes the caller's consumption against the daily quota.
func (s *Service) Usage(ctx context.Context, ownerID string) (*Usage, error) {
	total, err := s.repo.CountByOwnerSince(ctx, ownerID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	recent, err := s.repo.CountByOwnerSince(ctx, ownerID, s.now().Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("count recent jobs: %w", err)
	}

	u := &Usage{TotalJobs: total, Last24h: recent, DailyQuota: s.dailyQuota}
	if s.dailyQuota > 0 {
		u.QuotaRemaining = max(0, s.dailyQuota-recent)
	}
	return u, nil
}

// Stats returns job counts per status across all owners.
func (s *Service) Stats(ctx context.Context) (map[Status]int, error) {
	return s.repo.CountByStatus(ctx)
}

// Providers lists the registered provider names.
func (s *Service) Providers() []string {
	return s.catalog.Names()
}

func validateSubmit(req SubmitRequest) error {
	hasData := len(req.ImageData) > 0
	hasURL := strings.TrimSpace(req.ImageURL) != ""
	switch {
	case hasData && hasURL:
		return &ValidationError{Field: "image", Reason: "provide either image or image_url, not both"}
	case !hasData && !hasURL:
		return &ValidationError{Field: "image", Reason: "image or image_url is required"}
	}
	if hasData && len(req.ImageData) > MaxImageBytes {
		return &ValidationError{Field: "image", Reason: fmt.Sprintf("must be at most %d bytes", MaxImageBytes)}
	}
	if hasURL {
		if err := validateImageURL(strings.TrimSpace(req.ImageURL)); err != nil {
			return err
		}
	}

	prompt := strings.TrimSpace(req.Prompt)
	if n := utf8.RuneCountInString(prompt); n < MinPromptLength || n > MaxPromptLength {
		return &ValidationError{
			Field:  "prompt",
			Reason: fmt.Sprintf("must be between %d and %d characters", MinPromptLength, MaxPromptLength),
		}
	}
	if utf8.RuneCountInString(strings.TrimSpace(req.NegativePrompt)) > MaxNegativePromptLength {
		return &ValidationError{
			Field:  "negative_prompt",
			Reason: fmt.Sprintf("must be at most %d characters", MaxNegativePromptLength),
		}
	}
	if strings.TrimSpace(req.Provider) == "" {
		return &ValidationError{Field: "model", Reason: "is required"}
	}
	return nil
}

func validateImageURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return &ValidationError{Field: "image_url", Reason: "must be an absolute URL"}
	}
	switch u.Scheme {
	case "http", "https", "s3":
		return nil
	}
	return &ValidationError{Field: "image_url", Reason: "scheme must be http, https or s3"}
}

func imageExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".webp":
		return ext
	}
	return ".img"
}
