// Package jobstore provides SQL implementations of job.Repository on SQLite
// and PostgreSQL.
package jobstore

import (
	"encoding/json"
	"fmt"

	"github.com/vividflow/vividflow-api/internal/job"
)

// jobColumns is the column list shared by every SELECT.
const jobColumns = `id, owner_id, provider, prompt, negative_prompt, parameters,
	image_kind, image_ref, correlation_id, status, created_at, updated_at,
	started_at, completed_at, output_url, metrics, failure`

func encodeParameters(p job.Parameters) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal parameters: %w", err)
	}
	return string(b), nil
}

func decodeParameters(s string) (job.Parameters, error) {
	p := job.Parameters{}
	if s == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if p == nil {
		p = job.Parameters{}
	}
	return p, nil
}

// encodeOptional marshals v, returning nil for a nil pointer so the column
// keeps its previous value under COALESCE.
func encodeOptional[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeOptional[T any](s *string) (*T, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal([]byte(*s), v); err != nil {
		return nil, err
	}
	return v, nil
}

// updateArgs are the encoded columns of a job.Update.
type updateArgs struct {
	metrics *string
	failure *string
}

func encodeUpdate(u job.Update) (updateArgs, error) {
	m, err := encodeOptional(u.Metrics)
	if err != nil {
		return updateArgs{}, fmt.Errorf("marshal metrics: %w", err)
	}
	f, err := encodeOptional(u.Failure)
	if err != nil {
		return updateArgs{}, fmt.Errorf("marshal failure: %w", err)
	}
	return updateArgs{metrics: m, failure: f}, nil
}

// decodeResult fills the JSON-backed fields of j.
func decodeResult(j *job.Job, params string, metrics, failure *string) error {
	var err error
	if j.Parameters, err = decodeParameters(params); err != nil {
		return err
	}
	if j.Metrics, err = decodeOptional[job.Metrics](metrics); err != nil {
		return fmt.Errorf("unmarshal metrics: %w", err)
	}
	if j.Failure, err = decodeOptional[job.Failure](failure); err != nil {
		return fmt.Errorf("unmarshal failure: %w", err)
	}
	return nil
}

// conflictError resolves a guarded update that matched no row.
func conflictError(current job.Status, found bool) error {
	if !found {
		return job.ErrJobNotFound
	}
	return fmt.Errorf("%w: status is %s", job.ErrStatusConflict, current)
}
