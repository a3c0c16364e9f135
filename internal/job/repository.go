package job

import (
	"context"
	"errors"
	"time"
)

// Repository errors.
var (
	// ErrJobNotFound is returned when a job cannot be found by ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned by Create when the ID is already taken.
	ErrJobExists = errors.New("job already exists")
	// ErrStatusConflict is returned by UpdateStatus when the stored status
	// does not match the expected one.
	ErrStatusConflict = errors.New("job status changed concurrently")
	// ErrQueueEmpty is returned by NextQueued when nothing is waiting.
	ErrQueueEmpty = errors.New("no queued jobs")
)

// Repository defines the interface for job persistence.
// Implementations must make UpdateStatus a single atomic compare-and-set on
// the status column.
type Repository interface {
	// Create stores a new job. Returns ErrJobExists on a duplicate ID.
	Create(ctx context.Context, job *Job) error

	// Get retrieves a job by its unique identifier.
	// Returns ErrJobNotFound if the job does not exist.
	Get(ctx context.Context, id string) (*Job, error)

	// UpdateStatus moves a job from one status to another and writes the
	// update fields in the same operation. Returns ErrInvalidTransition for
	// transitions outside the lifecycle, ErrJobNotFound for unknown IDs and
	// ErrStatusConflict when the stored status is not from.
	UpdateStatus(ctx context.Context, id string, from, to Status, u Update) error

	// NextQueued returns the oldest QUEUED job, or ErrQueueEmpty.
	NextQueued(ctx context.Context) (*Job, error)

	// ListByOwner returns the owner's jobs, newest first. limit <= 0 means no limit.
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]*Job, error)

	// ListByStatus returns all jobs in the given status, oldest first.
	ListByStatus(ctx context.Context, status Status) ([]*Job, error)

	// CountByOwnerSince counts the owner's jobs created at or after since.
	CountByOwnerSince(ctx context.Context, ownerID string, since time.Time) (int, error)

	// CountByStatus returns the number of jobs per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)
}
