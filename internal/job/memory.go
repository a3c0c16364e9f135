package job

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses a map with RWMutex for thread-safe access and stores clones, so
// callers never share state with the store.
type MemoryRepository struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewMemoryRepository creates a new in-memory job repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs: make(map[string]*Job),
	}
}

// Create stores a clone of the job.
func (r *MemoryRepository) Create(_ context.Context, job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

// Get retrieves a job by its ID.
func (r *MemoryRepository) Get(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// UpdateStatus performs the guarded transition under the write lock.
func (r *MemoryRepository) UpdateStatus(_ context.Context, id string, from, to Status, u Update) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != from {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStatusConflict, id, job.Status, from)
	}
	job.Apply(to, u)
	return nil
}

// NextQueued returns the oldest QUEUED job.
func (r *MemoryRepository) NextQueued(ctx context.Context) (*Job, error) {
	queued, err := r.ListByStatus(ctx, StatusQueued)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, ErrQueueEmpty
	}
	return queued[0], nil
}

// ListByOwner returns the owner's jobs, newest first.
func (r *MemoryRepository) ListByOwner(_ context.Context, ownerID string, limit int) ([]*Job, error) {
	r.mu.RLock()
	result := make([]*Job, 0)
	for _, job := range r.jobs {
		if job.OwnerID == ownerID {
			result = append(result, job.Clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(result, func(a, b *Job) int {
		// newest first
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListByStatus returns jobs in the given status, oldest first.
func (r *MemoryRepository) ListByStatus(_ context.Context, status Status) ([]*Job, error) {
	r.mu.RLock()
	result := make([]*Job, 0)
	for _, job := range r.jobs {
		if job.Status == status {
			result = append(result, job.Clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(result, func(a, b *Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return result, nil
}

// CountByOwnerSince counts the owner's jobs created at or after since.
func (r *MemoryRepository) CountByOwnerSince(_ context.Context, ownerID string, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, job := range r.jobs {
		if job.OwnerID == ownerID && !job.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// CountByStatus returns the number of jobs per status.
func (r *MemoryRepository) CountByStatus(_ context.Context) (map[Status]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]int)
	for _, job := range r.jobs {
		counts[job.Status]++
	}
	return counts, nil
}
