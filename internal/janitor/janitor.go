// Package janitor removes staged uploads that outlived their job.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vividflow/vividflow-api/internal/job"
	"github.com/vividflow/vividflow-api/internal/storage"
)

// TempStore lists and removes staged files.
type TempStore interface {
	ListTemp(ctx context.Context, olderThan time.Time) ([]storage.TempFile, error)
	CleanupTemp(ctx context.Context, paths []string) error
}

// JobLookup reads a job by ID.
type JobLookup interface {
	Get(ctx context.Context, id string) (*job.Job, error)
}

// Janitor sweeps the temp directory on a cron schedule.
type Janitor struct {
	temp   TempStore
	jobs   JobLookup
	ttl    time.Duration
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) { j.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// New creates a Janitor that removes files older than ttl.
func New(temp TempStore, jobs JobLookup, ttl time.Duration, opts ...Option) *Janitor {
	j := &Janitor{
		temp:   temp,
		jobs:   jobs,
		ttl:    ttl,
		cron:   cron.New(cron.WithSeconds()),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start schedules Sweep using a six-field cron spec and starts the scheduler.
func (j *Janitor) Start(schedule string) error {
	_, err := j.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := j.Sweep(ctx); err != nil {
			j.logger.Error("janitor sweep failed", slog.Any("error", err))
		} else if n > 0 {
			j.logger.Info("janitor removed staged uploads", slog.Int("count", n))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule janitor %q: %w", schedule, err)
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler. The returned context is done once a running
// sweep has finished.
func (j *Janitor) Stop() context.Context {
	return j.cron.Stop()
}

// Sweep removes staged files older than the TTL whose job is terminal or
// unknown. Files of QUEUED and PROCESSING jobs are kept.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	files, err := j.temp.ListTemp(ctx, j.now().Add(-j.ttl))
	if err != nil {
		return 0, fmt.Errorf("list temp files: %w", err)
	}

	var stale []string
	for _, f := range files {
		keep, err := j.inUse(ctx, f.Name)
		if err != nil {
			return 0, err
		}
		if !keep {
			stale = append(stale, f.Path)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := j.temp.CleanupTemp(ctx, stale); err != nil {
		return 0, fmt.Errorf("remove stale uploads: %w", err)
	}
	return len(stale), nil
}

func (j *Janitor) inUse(ctx context.Context, name string) (bool, error) {
	id := jobIDFromName(name)
	if id == "" {
		return false, nil
	}
	found, err := j.jobs.Get(ctx, id)
	if errors.Is(err, job.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up job %s: %w", id, err)
	}
	return !found.IsTerminal(), nil
}

// jobIDFromName returns the part of a staged file name before the first
// '_' or '.'.
func jobIDFromName(name string) string {
	if i := strings.IndexAny(name, "_."); i >= 0 {
		return name[:i]
	}
	return name
}
