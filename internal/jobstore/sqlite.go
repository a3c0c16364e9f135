package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vividflow/vividflow-api/internal/job"
)

const sqliteSchema = `
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
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	started_at INTEGER,
	completed_at INTEGER,
	output_url TEXT NOT NULL DEFAULT '',
	metrics TEXT,
	failure TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs(owner_id, created_at);
`

// SQLite is a job.Repository on an embedded SQLite database. Timestamps are
// stored as Unix nanoseconds.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	// WAL lets readers proceed during a write; _txlock=immediate takes the
	// write lock at BEGIN.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Single writer for SQLite to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create implements job.Repository.
func (s *SQLite) Create(ctx context.Context, j *job.Job) error {
	params, err := encodeParameters(j.Parameters)
	if err != nil {
		return err
	}
	res, err := encodeUpdate(job.Update{Metrics: j.Metrics, Failure: j.Failure})
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.OwnerID, j.Provider, j.Prompt, j.NegativePrompt, params,
		string(j.Image.Kind), j.Image.Ref, j.CorrelationID, string(j.Status),
		j.CreatedAt.UnixNano(), j.UpdatedAt.UnixNano(),
		nanosPtr(j.StartedAt), nanosPtr(j.CompletedAt),
		j.OutputURL, res.metrics, res.failure,
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return fmt.Errorf("%w: %s", job.ErrJobExists, j.ID)
	}
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get implements job.Repository.
func (s *SQLite) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrJobNotFound
	}
	return j, err
}

// UpdateStatus implements job.Repository with a single guarded UPDATE.
func (s *SQLite) UpdateStatus(ctx context.Context, id string, from, to job.Status, u job.Update) error {
	if !job.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", job.ErrInvalidTransition, from, to)
	}
	args, err := encodeUpdate(u)
	if err != nil {
		return err
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	var started, completed *int64
	if to == job.StatusProcessing {
		started = nanosPtr(&at)
	}
	if to.IsTerminal() {
		completed = nanosPtr(&at)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = ?,
			updated_at = ?,
			started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(?, completed_at),
			output_url = COALESCE(NULLIF(?, ''), output_url),
			metrics = COALESCE(?, metrics),
			failure = COALESCE(?, failure)
		WHERE id = ? AND status = ?`,
		string(to), at.UnixNano(), started, completed, u.OutputURL, args.metrics, args.failure,
		id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return conflictError("", false)
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	return conflictError(job.Status(current), true)
}

// NextQueued implements job.Repository.
func (s *SQLite) NextQueued(ctx context.Context) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY created_at, id
		LIMIT 1`, string(job.StatusQueued))
	j, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrQueueEmpty
	}
	return j, err
}

// ListByOwner implements job.Repository.
func (s *SQLite) ListByOwner(ctx context.Context, ownerID string, limit int) ([]*job.Job, error) {
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	return s.list(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE owner_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, ownerID, limit)
}

// ListByStatus implements job.Repository.
func (s *SQLite) ListByStatus(ctx context.Context, status job.Status) ([]*job.Job, error) {
	return s.list(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY created_at, id`, string(status))
}

// CountByOwnerSince implements job.Repository.
func (s *SQLite) CountByOwnerSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var n int
	var err error
	if since.IsZero() {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE owner_id = ?`, ownerID).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM jobs WHERE owner_id = ? AND created_at >= ?`,
			ownerID, since.UnixNano()).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// CountByStatus implements job.Repository.
func (s *SQLite) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

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

func (s *SQLite) list(ctx context.Context, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := []*job.Job{}
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row scanner) (*job.Job, error) {
	var (
		j                  job.Job
		imageKind, status  string
		params             string
		created, updated   int64
		started, completed sql.NullInt64
		metrics, failure   sql.NullString
	)
	if err := row.Scan(
		&j.ID, &j.OwnerID, &j.Provider, &j.Prompt, &j.NegativePrompt, &params,
		&imageKind, &j.Image.Ref, &j.CorrelationID, &status, &created, &updated,
		&started, &completed, &j.OutputURL, &metrics, &failure,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.Image.Kind = job.ImageKind(imageKind)
	j.Status = job.Status(status)
	j.CreatedAt = time.Unix(0, created).UTC()
	j.UpdatedAt = time.Unix(0, updated).UTC()
	j.StartedAt = timeFromNullInt(started)
	j.CompletedAt = timeFromNullInt(completed)

	if err := decodeResult(&j, params, nullStringPtr(metrics), nullStringPtr(failure)); err != nil {
		return nil, err
	}
	return &j, nil
}

func nanosPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func timeFromNullInt(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

var _ job.Repository = (*SQLite)(nil)
