// Package worker runs the single background consumer that drains the job
// queue: claim, generate, poll, store and record the outcome.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/vividflow/vividflow-api/internal/generator"
	"github.com/vividflow/vividflow-api/internal/imagesrc"
	"github.com/vividflow/vividflow-api/internal/job"
)

// Providers looks up the adapter for a job.
type Providers interface {
	Get(name string) (generator.Provider, error)
}

// ImageResolver turns a job's image reference into bytes.
type ImageResolver interface {
	Resolve(ctx context.Context, ref job.ImageRef) (*imagesrc.Image, error)
}

// ObjectStore persists generated videos and removes staged uploads.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, data io.Reader, contentType string) (string, error)
	CleanupTemp(ctx context.Context, paths []string) error
}

// Prober measures the duration of a generated video.
type Prober interface {
	ProbeBytes(ctx context.Context, data []byte) (float64, error)
}

// Config holds the worker timings.
type Config struct {
	IdleInterval     time.Duration
	ErrorBackoff     time.Duration
	PollInterval     time.Duration
	OperationTimeout time.Duration
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	return Config{
		IdleInterval:     2 * time.Second,
		ErrorBackoff:     5 * time.Second,
		PollInterval:     5 * time.Second,
		OperationTimeout: 10 * time.Minute,
	}
}

// finishTimeout bounds the final store write after shutdown began.
const finishTimeout = 10 * time.Second

// Worker processes QUEUED jobs one at a time in creation order.
type Worker struct {
	repo      job.Repository
	providers Providers
	images    ImageResolver
	objects   ObjectStore
	prober    Prober
	recorder  job.Recorder
	logger    *slog.Logger
	now       func() time.Time
	cfg       Config
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r job.Recorder) Option {
	return func(w *Worker) { w.recorder = r }
}

// WithProber enables output duration probing.
func WithProber(p Prober) Option {
	return func(w *Worker) { w.prober = p }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithConfig sets the timings. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(w *Worker) {
		if cfg.IdleInterval > 0 {
			w.cfg.IdleInterval = cfg.IdleInterval
		}
		if cfg.ErrorBackoff > 0 {
			w.cfg.ErrorBackoff = cfg.ErrorBackoff
		}
		if cfg.PollInterval > 0 {
			w.cfg.PollInterval = cfg.PollInterval
		}
		if cfg.OperationTimeout > 0 {
			w.cfg.OperationTimeout = cfg.OperationTimeout
		}
	}
}

// New creates a Worker.
func New(repo job.Repository, providers Providers, images ImageResolver, objects ObjectStore, opts ...Option) *Worker {
	w := &Worker{
		repo:      repo,
		providers: providers,
		images:    images,
		objects:   objects,
		recorder:  job.NopRecorder{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		cfg:       DefaultConfig(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run recovers interrupted jobs, then processes the queue until ctx is
// cancelled. An in-flight job is recorded as INTERRUPTED on shutdown.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.Recover(ctx); err != nil {
		w.logger.Error("recover interrupted jobs", slog.Any("error", err))
	} else if n > 0 {
		w.logger.Warn("marked interrupted jobs as failed", slog.Int("count", n))
	}

	w.logger.Info("worker started",
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Duration("operation_timeout", w.cfg.OperationTimeout),
	)

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}

		processed, err := w.ProcessNext(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			w.logger.Error("worker iteration failed", slog.Any("error", err))
			wait = w.cfg.ErrorBackoff
		case !processed:
			wait = w.cfg.IdleInterval
		}
		if wait > 0 && !sleep(ctx, wait) {
			w.logger.Info("worker stopped")
			return nil
		}
	}
}

// Recover fails every job left PROCESSING by a previous run.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	stuck, err := w.repo.ListByStatus(ctx, job.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("list processing jobs: %w", err)
	}

	n := 0
	for _, j := range stuck {
		err := w.repo.UpdateStatus(ctx, j.ID, job.StatusProcessing, job.StatusFailed, job.Update{
			At: w.now(),
			Failure: &job.Failure{
				Kind:    job.KindInterrupted,
				Message: "the server restarted while the job was running",
			},
		})
		if errors.Is(err, job.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("fail interrupted job %s: %w", j.ID, err)
		}
		w.recorder.Finished(j.Provider, job.StatusFailed, job.KindInterrupted, nil)
		n++
	}
	return n, nil
}

// ProcessNext claims and processes the oldest QUEUED job. It reports whether
// a job was taken off the queue; losing the claim to a cancel counts as taken.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	j, err := w.repo.NextQueued(ctx)
	if errors.Is(err, job.ErrQueueEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("next queued job: %w", err)
	}

	claimedAt := w.now()
	err = w.repo.UpdateStatus(ctx, j.ID, job.StatusQueued, job.StatusProcessing, job.Update{At: claimedAt})
	if errors.Is(err, job.ErrStatusConflict) {
		w.logger.Debug("job claimed elsewhere or cancelled", slog.String("job_id", j.ID))
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", j.ID, err)
	}

	w.process(ctx, j, claimedAt)
	return true, nil
}

// result is what a successful run produces.
type result struct {
	url     string
	metrics job.Metrics
}

func (w *Worker) process(ctx context.Context, j *job.Job, claimedAt time.Time) {
	log := w.logger.With(
		slog.String("job_id", j.ID),
		slog.String("correlation_id", j.CorrelationID),
		slog.String("provider", j.Provider),
	)
	log.Info("processing job")

	res, err := w.generate(ctx, log, j, claimedAt)

	// The staged upload is no longer needed once the job ends either way.
	if j.Image.Kind == job.ImageUpload {
		if cerr := w.objects.CleanupTemp(context.WithoutCancel(ctx), []string{j.Image.Ref}); cerr != nil {
			log.Warn("cleanup staged upload", slog.Any("error", cerr))
		}
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if err == nil {
		w.finish(finishCtx, log, j, job.StatusCompleted, job.Update{
			At:        w.now(),
			OutputURL: res.url,
			Metrics:   &res.metrics,
		})
		log.Info("job completed",
			slog.String("output_url", res.url),
			slog.Float64("spin_up_seconds", res.metrics.SpinUpSeconds),
			slog.Float64("generation_seconds", res.metrics.GenerationSeconds),
			slog.Float64("total_seconds", res.metrics.TotalSeconds),
		)
		return
	}

	failure := classify(ctx, err)
	log.Error("job failed",
		slog.String("kind", string(failure.Kind)),
		slog.Any("diagnostics", failure.Diagnostics),
		slog.Any("error", err),
	)
	w.finish(finishCtx, log, j, job.StatusFailed, job.Update{At: w.now(), Failure: failure})
}

func (w *Worker) finish(ctx context.Context, log *slog.Logger, j *job.Job, to job.Status, u job.Update) {
	if err := w.repo.UpdateStatus(ctx, j.ID, job.StatusProcessing, to, u); err != nil {
		log.Error("record job outcome", slog.String("status", string(to)), slog.Any("error", err))
		return
	}
	var kind job.ErrorKind
	if u.Failure != nil {
		kind = u.Failure.Kind
	}
	w.recorder.Finished(j.Provider, to, kind, u.Metrics)
}

func (w *Worker) generate(ctx context.Context, log *slog.Logger, j *job.Job, claimedAt time.Time) (*result, error) {
	provider, err := w.providers.Get(j.Provider)
	if err != nil {
		return nil, w.fail(j, job.KindInternal, "the requested model is not available", err)
	}

	img, err := w.images.Resolve(ctx, j.Image)
	if err != nil {
		return nil, w.imageError(j, err)
	}

	h, err := provider.Submit(ctx, generator.Request{
		CorrelationID:  j.CorrelationID,
		Prompt:         j.Prompt,
		NegativePrompt: j.NegativePrompt,
		Image:          img.Data,
		ImageMIME:      img.MIME,
		Parameters:     j.Parameters.Clone(),
	})
	if err != nil {
		return nil, err
	}
	log.Info("submitted to provider", slog.String("operation_id", h.ID))

	st, startedAt, err := w.await(ctx, log, provider, h)
	if err != nil {
		return nil, err
	}

	data, err := provider.Extract(ctx, st)
	if err != nil {
		return nil, err
	}

	completedAt := w.now()
	key := fmt.Sprintf("jobs/%s_%s_%d.mp4", j.ID, keySafe(j.Provider), completedAt.Unix())
	url, err := w.objects.PutObject(ctx, key, bytes.NewReader(data), videoContentType(data))
	if err != nil {
		return nil, w.fail(j, job.KindStorage, "the generated video could not be stored", err)
	}

	res := &result{url: url}
	if startedAt.IsZero() {
		startedAt = h.SubmittedAt
	}
	res.metrics.SpinUpSeconds = startedAt.Sub(h.SubmittedAt).Seconds()
	res.metrics.GenerationSeconds = completedAt.Sub(startedAt).Seconds()
	res.metrics.TotalSeconds = completedAt.Sub(claimedAt).Seconds()

	if w.prober != nil {
		if d, err := w.prober.ProbeBytes(ctx, data); err != nil {
			log.Warn("probe output duration", slog.Any("error", err))
		} else {
			res.metrics.OutputDurationSeconds = d
		}
	}
	return res, nil
}

// await polls until the operation leaves the running phase. It returns the
// final state and when execution was first seen running.
func (w *Worker) await(ctx context.Context, log *slog.Logger, p generator.Provider, h generator.Handle) (generator.State, time.Time, error) {
	var startedAt time.Time
	if h.Started {
		startedAt = h.SubmittedAt
	}

	deadline := time.NewTimer(w.cfg.OperationTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		st, err := p.Poll(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				w.cancelRemote(log, p, h)
			}
			return generator.State{}, startedAt, err
		}
		if st.Started && startedAt.IsZero() {
			startedAt = w.now()
			log.Info("provider started execution",
				slog.Float64("spin_up_seconds", startedAt.Sub(h.SubmittedAt).Seconds()))
		}
		if st.Done() {
			return st, startedAt, nil
		}

		select {
		case <-ctx.Done():
			w.cancelRemote(log, p, h)
			return generator.State{}, startedAt, ctx.Err()
		case <-deadline.C:
			w.cancelRemote(log, p, h)
			return generator.State{}, startedAt, &generator.Error{
				Kind:          job.KindTimeout,
				Provider:      h.Provider,
				CorrelationID: h.CorrelationID,
				Message:       fmt.Sprintf("the provider did not finish within %s", w.cfg.OperationTimeout),
			}
		case <-ticker.C:
		}
	}
}

func (w *Worker) cancelRemote(log *slog.Logger, p generator.Provider, h generator.Handle) {
	c, ok := p.(generator.Canceller)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := c.Cancel(ctx, h); err != nil {
		log.Warn("cancel provider operation", slog.Any("error", err))
	}
}

func (w *Worker) imageError(j *job.Job, err error) error {
	switch {
	case errors.Is(err, imagesrc.ErrInvalidImage):
		return w.fail(j, job.KindInvalidInput, "the input image could not be used", err)
	case j.Image.Kind == job.ImageUpload:
		return w.fail(j, job.KindStorage, "the uploaded image is no longer available", err)
	}
	return w.fail(j, job.KindTransport, "the input image could not be downloaded", err)
}

func (w *Worker) fail(j *job.Job, kind job.ErrorKind, msg string, err error) *generator.Error {
	return &generator.Error{
		Kind:          kind,
		Provider:      j.Provider,
		CorrelationID: j.CorrelationID,
		Message:       msg,
		Err:           err,
	}
}

// classify turns a processing error into the failure stored on the job.
func classify(ctx context.Context, err error) *job.Failure {
	if ctx.Err() != nil {
		return &job.Failure{
			Kind:    job.KindInterrupted,
			Message: "the server shut down while the job was running",
		}
	}
	var ge *generator.Error
	if errors.As(err, &ge) {
		return &job.Failure{Kind: ge.Kind, Message: ge.Message, Diagnostics: ge.Diagnostics}
	}
	return &job.Failure{Kind: job.KindInternal, Message: "an internal error occurred"}
}

func videoContentType(data []byte) string {
	if m := mimetype.Detect(data); strings.HasPrefix(m.String(), "video/") {
		return m.String()
	}
	return "video/mp4"
}

func keySafe(s string) string {
	return strings.NewReplacer("/", "-", " ", "-").Replace(s)
}

// sleep waits for d or until ctx is done. It returns false if ctx ended.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
