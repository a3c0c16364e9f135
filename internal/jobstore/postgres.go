package jobstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vividflow/vividflow-api/internal/job"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	prompt TEXT NOT NULL,
	negative_prompt TEXT NOT NULL DEFAULT '',
	parameters TEXT NOT NULL DEFAULT '{}',
	image_kind TEXT NOT NULL,
	image_ref TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	output_url TEXT NOT NULL DEFAULT '',
	metrics TEXT,
	failure TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs(owner_id, created_at);
`

const uniqueViolation = "23505"

// Postgres is a job.Repository on PostgreSQL through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and applies the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply postgres schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping checks the database connection.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Create implements job.Repository.
func (p *Postgres) Create(ctx context.Context, j *job.Job) error {
	params, err := encodeParameters(j.Parameters)
	if err != nil {
		return err
	}
	res, err := encodeUpdate(job.Update{Metrics: j.Metrics, Failure: j.Failure})
	if err != nil {
		return err
	}

	_, err = p.pool.Exec(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17);
`,
		j.ID, j.OwnerID, j.Provider, j.Prompt, j.NegativePrompt, params,
		string(j.Image.Kind), j.Image.Ref, j.CorrelationID, string(j.Status),
		j.CreatedAt.UTC(), j.UpdatedAt.UTC(), j.StartedAt, j.CompletedAt,
		j.OutputURL, res.metrics, res.failure,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", job.ErrJobExists, j.ID)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get implements job.Repository.
func (p *Postgres) Get(ctx context.Context, id string) (*job.Job, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id)
	j, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrJobNotFound
	}
	return j, err
}

// UpdateStatus implements job.Repository with a single guarded UPDATE.
func (p *Postgres) UpdateStatus(ctx context.Context, id string, from, to job.Status, u job.Update) error {
	if !job.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, from, to)
	}
	args, err := encodeUpdate(u)
	if err != nil {
		return err
	}

	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	var started, completed *time.Time
	if to == job.StatusProcessing {
		started = &at
	}
	if to.IsTerminal() {
		completed = &at
	}

	tag, err := p.pool.Exec(ctx, `
UPDATE jobs
SET status = $3,
    updated_at = $4,
    started_at = COALESCE(started_at, $5),
    completed_at = COALESCE($6, completed_at),
    output_url = COALESCE(NULLIF($7, ''), output_url),
    metrics = COALESCE($8, metrics),
    failure = COALESCE($9, failure)
WHERE id = $1 AND status = $2;
`, id, string(from), string(to), at, started, completed, u.OutputURL, args.metrics, args.failure)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = p.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1;`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return conflictError("", false)
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	return conflictError(job.Status(current), true)
}

// NextQueued implements job.Repository.
func (p *Postgres) NextQueued(ctx context.Context) (*job.Job, error) {
	row := p.pool.QueryRow(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE status = $1
ORDER BY created_at, id
LIMIT 1;
`, string(job.StatusQueued))
	j, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrQueueEmpty
	}
	return j, err
}

// ListByOwner implements job.Repository.
func (p *Postgres) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*job.Job, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return p.list(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE owner_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2;
`, ownerID, lim)
}

// ListByStatus implements job.Repository.
func (p *Postgres) ListByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	return p.list(ctx, `
SELECT `+jobColumns+` FROM jobs
WHERE status = $1
ORDER BY created_at, id;
`, string(status))
}

// CountByOwnerSince implements job.Repository.
func (p *Postgres) CountByOwnerSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE owner_id = $1 AND created_at >= $2;`,
		ownerID, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// CountByStatus implements job.Repository.
func (p *Postgres) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[job.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[job.Status(status)] = n
	}
	return counts, rows.Err()
}

func (p *Postgres) list(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*job.Job{}
	for rows.Next() {
		j, err := scanPostgresJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanPostgresJob(row pgx.Row) (*job.Job, error) {
	var (
		j                  job.Job
		imageKind, status  string
		params             string
		started, completed *time.Time
		metrics, failure   *string
	)
	if err := row.Scan(
		&j.ID, &j.OwnerID, &j.Provider, &j.Prompt, &j.NegativePrompt, &params,
		&imageKind, &j.Image.Ref, &j.CorrelationID, &status, &j.CreatedAt, &j.UpdatedAt,
		&started, &completed, &j.OutputURL, &metrics, &failure,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Image.Kind = job.ImageKind(imageKind)
	j.Status = job.Status(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if started != nil {
		t := started.UTC()
		j.StartedAt = &t
	}
	if completed != nil {
		t := completed.UTC()
		j.CompletedAt = &t
	}

	if err := decodeResult(&j, params, metrics, failure); err != nil {
		return nil, err
	}
	return &j, nil
}

var _ job.Repository = (*Postgres)(nil)
