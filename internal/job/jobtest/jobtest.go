// Package jobtest holds a conformance suite that every job.Repository
// implementation runs from its own tests.
package jobtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vividflow/vividflow-api/internal/job"
)

// Factory returns an empty repository for one subtest.
type Factory func(t *testing.T) job.Repository

// base is truncated so SQL backends round-trip it exactly.
var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// NewJob builds a QUEUED job created offset after a fixed base time.
func NewJob(id, owner string, offset time.Duration) *job.Job {
	j := job.New(id, owner, job.ProviderWan, base.Add(offset))
	j.Prompt = "A calm seaside at dawn"
	j.Image = job.ImageRef{Kind: job.ImageURL, Ref: "https://example.com/" + id + ".png"}
	j.CorrelationID = "corr-" + id
	return j
}

// Run executes the whole suite against repositories produced by newRepo.
func Run(t *testing.T, newRepo Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newRepo(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newRepo(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newRepo(t)) })
	t.Run("NilParametersReadBackEmpty", func(t *testing.T) { testNilParameters(t, newRepo(t)) })
	t.Run("GuardedUpdate", func(t *testing.T) { testGuardedUpdate(t, newRepo(t)) })
	t.Run("TerminalIsImmutable", func(t *testing.T) { testTerminalImmutable(t, newRepo(t)) })
	t.Run("FailureRoundTrip", func(t *testing.T) { testFailureRoundTrip(t, newRepo(t)) })
	t.Run("CancelClaimRace", func(t *testing.T) { testCancelClaimRace(t, newRepo(t)) })
	t.Run("NextQueuedFIFO", func(t *testing.T) { testNextQueuedFIFO(t, newRepo(t)) })
	t.Run("ListByOwner", func(t *testing.T) { testListByOwner(t, newRepo(t)) })
	t.Run("Counts", func(t *testing.T) { testCounts(t, newRepo(t)) })
}

func testCreateAndGet(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	j := NewJob("job-a", "alice", 0)
	j.NegativePrompt = "low quality"
	j.Parameters = job.Parameters{"cfg": "7.5"}

	require.NoError(t, repo.Create(ctx, j))

	got, err := repo.Get(ctx, "job-a")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, job.ProviderWan, got.Provider)
	assert.Equal(t, "A calm seaside at dawn", got.Prompt)
	assert.Equal(t, "low quality", got.NegativePrompt)
	assert.Equal(t, "7.5", got.Parameters["cfg"])
	assert.Equal(t, j.Image, got.Image)
	assert.Equal(t, "corr-job-a", got.CorrelationID)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.True(t, got.CreatedAt.Equal(j.CreatedAt), "created_at %v != %v", got.CreatedAt, j.CreatedAt)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Failure)
}

func testCreateDuplicate(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, NewJob("dup", "alice", 0)))
	err := repo.Create(ctx, NewJob("dup", "bob", time.Second))
	assert.ErrorIs(t, err, job.ErrJobExists)

	got, err := repo.Get(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.OwnerID)
}

func testGetMissing(t *testing.T, repo job.Repository) {
	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func testNilParameters(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	j := NewJob("nil-params", "alice", 0)
	j.Parameters = nil
	require.NoError(t, repo.Create(ctx, j))

	got, err := repo.Get(ctx, "nil-params")
	require.NoError(t, err)
	require.NotNil(t, got.Parameters)
	assert.Empty(t, got.Parameters)
}

func testGuardedUpdate(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, NewJob("g", "alice", 0)))

	claimAt := base.Add(time.Minute)
	require.NoError(t, repo.UpdateStatus(ctx, "g", job.StatusQueued, job.StatusProcessing, job.Update{At: claimAt}))

	err := repo.UpdateStatus(ctx, "g", job.StatusQueued, job.StatusProcessing, job.Update{})
	assert.ErrorIs(t, err, job.ErrStatusConflict)

	err = repo.UpdateStatus(ctx, "g", job.StatusProcessing, job.StatusCancelled, job.Update{})
	assert.ErrorIs(t, err, job.ErrInvalidTransition)

	err = repo.UpdateStatus(ctx, "missing", job.StatusQueued, job.StatusProcessing, job.Update{})
	assert.ErrorIs(t, err, job.ErrJobNotFound)

	doneAt := claimAt.Add(90 * time.Second)
	require.NoError(t, repo.UpdateStatus(ctx, "g", job.StatusProcessing, job.StatusCompleted, job.Update{
		At:        doneAt,
		OutputURL: "https://cdn.example.com/jobs/g.mp4",
		Metrics:   &job.Metrics{SpinUpSeconds: 10, GenerationSeconds: 80, TotalSeconds: 90},
	}))

	got, err := repo.Get(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, got.Status)
	assert.Equal(t, "https://cdn.example.com/jobs/g.mp4", got.OutputURL)
	require.NotNil(t, got.Metrics)
	assert.InDelta(t, 80.0, got.Metrics.GenerationSeconds, 0.001)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(claimAt))
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(doneAt))
	assert.True(t, got.UpdatedAt.Equal(doneAt))
}

func testTerminalImmutable(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	all := []job.Status{job.StatusQueued, job.StatusProcessing, job.StatusCompleted, job.StatusFailed, job.StatusCancelled}

	require.NoError(t, repo.Create(ctx, NewJob("c", "alice", 0)))
	require.NoError(t, repo.UpdateStatus(ctx, "c", job.StatusQueued, job.StatusCancelled, job.Update{}))

	for _, from := range all {
		for _, to := range all {
			err := repo.UpdateStatus(ctx, "c", from, to, job.Update{})
			assert.Error(t, err, "%s -> %s should fail on a cancelled job", from, to)
		}
	}

	got, err := repo.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, got.Status)
	assert.Nil(t, got.StartedAt)
}

func testFailureRoundTrip(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, NewJob("f", "alice", 0)))
	require.NoError(t, repo.UpdateStatus(ctx, "f", job.StatusQueued, job.StatusProcessing, job.Update{}))
	require.NoError(t, repo.UpdateStatus(ctx, "f", job.StatusProcessing, job.StatusFailed, job.Update{
		Failure: &job.Failure{
			Kind:        job.KindEmptyResult,
			Message:     "the provider returned no video",
			Diagnostics: map[string]any{"reason": "safety", "filtered": float64(1)},
		},
	}))

	got, err := repo.Get(ctx, "f")
	require.NoError(t, err)
	require.NotNil(t, got.Failure)
	assert.Equal(t, job.KindEmptyResult, got.Failure.Kind)
	assert.Equal(t, "the provider returned no video", got.Failure.Message)
	assert.Equal(t, "safety", got.Failure.Diagnostics["reason"])
	assert.Equal(t, float64(1), got.Failure.Diagnostics["filtered"])
	assert.Empty(t, got.OutputURL)
}

// testCancelClaimRace races the worker's claim against the owner's cancel on
// many jobs; each job must end in exactly one of the two states.
func testCancelClaimRace(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, repo.Create(ctx, NewJob(fmt.Sprintf("race-%02d", i), "alice", time.Duration(i)*time.Millisecond)))
	}

	var claimed, cancelled atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("race-%02d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := repo.UpdateStatus(ctx, id, job.StatusQueued, job.StatusProcessing, job.Update{})
			if err == nil {
				claimed.Add(1)
			} else if !errors.Is(err, job.ErrStatusConflict) {
				t.Errorf("claim %s: unexpected error %v", id, err)
			}
		}()
		go func() {
			defer wg.Done()
			err := repo.UpdateStatus(ctx, id, job.StatusQueued, job.StatusCancelled, job.Update{})
			if err == nil {
				cancelled.Add(1)
			} else if !errors.Is(err, job.ErrStatusConflict) {
				t.Errorf("cancel %s: unexpected error %v", id, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(n), claimed.Load()+cancelled.Load())

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int(claimed.Load()), counts[job.StatusProcessing])
	assert.Equal(t, int(cancelled.Load()), counts[job.StatusCancelled])
	assert.Zero(t, counts[job.StatusQueued])
}

func testNextQueuedFIFO(t *testing.T, repo job.Repository) {
	ctx := context.Background()

	_, err := repo.NextQueued(ctx)
	assert.ErrorIs(t, err, job.ErrQueueEmpty)

	// Inserted out of order on purpose.
	require.NoError(t, repo.Create(ctx, NewJob("second", "bob", 2*time.Second)))
	require.NoError(t, repo.Create(ctx, NewJob("first", "alice", time.Second)))
	require.NoError(t, repo.Create(ctx, NewJob("third", "alice", 3*time.Second)))

	next, err := repo.NextQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", next.ID)

	require.NoError(t, repo.UpdateStatus(ctx, "first", job.StatusQueued, job.StatusProcessing, job.Update{}))
	require.NoError(t, repo.UpdateStatus(ctx, "second", job.StatusQueued, job.StatusCancelled, job.Update{}))

	next, err = repo.NextQueued(ctx)
	require.NoError(t, err)
	assert.Equal(t, "third", next.ID)

	processing, err := repo.ListByStatus(ctx, job.StatusProcessing)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, "first", processing[0].ID)
}

func testListByOwner(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Create(ctx, NewJob(fmt.Sprintf("alice-%d", i), "alice", time.Duration(i)*time.Minute)))
	}
	require.NoError(t, repo.Create(ctx, NewJob("bob-0", "bob", 10*time.Minute)))

	jobs, err := repo.ListByOwner(ctx, "alice", 3)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "alice-4", jobs[0].ID)
	assert.Equal(t, "alice-3", jobs[1].ID)
	assert.Equal(t, "alice-2", jobs[2].ID)
	for _, j := range jobs {
		assert.Equal(t, "alice", j.OwnerID)
	}

	all, err := repo.ListByOwner(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	none, err := repo.ListByOwner(ctx, "carol", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testCounts(t *testing.T, repo job.Repository) {
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, NewJob("old", "alice", 0)))
	require.NoError(t, repo.Create(ctx, NewJob("new-1", "alice", 2*time.Hour)))
	require.NoError(t, repo.Create(ctx, NewJob("new-2", "alice", 3*time.Hour)))
	require.NoError(t, repo.Create(ctx, NewJob("bob", "bob", 3*time.Hour)))
	require.NoError(t, repo.UpdateStatus(ctx, "new-2", job.StatusQueued, job.StatusCancelled, job.Update{}))

	n, err := repo.CountByOwnerSince(ctx, "alice", base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = repo.CountByOwnerSince(ctx, "alice", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[job.StatusQueued])
	assert.Equal(t, 1, counts[job.StatusCancelled])
}
