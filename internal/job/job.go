// Package job defines the Job entity, its lifecycle, the persistence
// contract and the use cases the HTTP layer calls.
package job

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// ErrInvalidTransition is returned when attempting an invalid status transition.
var ErrInvalidTransition = errors.New("invalid status transition")

// Provider names of the built-in video generation backends.
const (
	ProviderWan = "wan2.1"
	ProviderVeo = "veo3.1"
)

// Status represents the current state of a job.
type Status string

const (
	// StatusQueued indicates the job is waiting for the worker.
	StatusQueued Status = "QUEUED"
	// StatusProcessing indicates the worker has claimed the job.
	StatusProcessing Status = "PROCESSING"
	// StatusCompleted indicates the job produced a video.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the job ended with a classified failure.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the owner cancelled the job before it started.
	StatusCancelled Status = "CANCELLED"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// validTransitions defines allowed state transitions. Terminal states have
// no entry, so nothing leaves them.
var validTransitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition checks if a transition from one status to another is valid.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies why a job failed.
type ErrorKind string

const (
	KindTransport    ErrorKind = "TRANSPORT_ERROR"
	KindEmptyResult  ErrorKind = "EMPTY_RESULT"
	KindProvider     ErrorKind = "PROVIDER_FAILED"
	KindPrecondition ErrorKind = "PRECONDITION_FAILED"
	KindInvalidInput ErrorKind = "INVALID_INPUT"
	KindTimeout      ErrorKind = "TIMEOUT"
	KindStorage      ErrorKind = "STORAGE_ERROR"
	KindInterrupted  ErrorKind = "INTERRUPTED"
	KindInternal     ErrorKind = "INTERNAL_ERROR"
)

// Parameters is the provider-specific option bag. A nil bag is never handed
// to consumers; use Clone to obtain a non-nil copy.
type Parameters map[string]any

// Clone returns a shallow copy that is never nil.
func (p Parameters) Clone() Parameters {
	out := make(Parameters, len(p))
	maps.Copy(out, p)
	return out
}

// ImageKind tells how the input image reached the service.
type ImageKind string

const (
	ImageUpload ImageKind = "upload"
	ImageURL    ImageKind = "url"
)

// ImageRef points at the input image: a staged upload path or a remote URL.
type ImageRef struct {
	Kind ImageKind `json:"kind"`
	Ref  string    `json:"ref"`
}

// Metrics is the timing breakdown recorded when a job finishes.
type Metrics struct {
	SpinUpSeconds         float64 `json:"spin_up_seconds"`
	GenerationSeconds     float64 `json:"generation_seconds"`
	TotalSeconds          float64 `json:"total_seconds"`
	OutputDurationSeconds float64 `json:"output_duration_seconds,omitempty"`
}

// Failure describes a FAILED job. Message is safe to show to the owner.
type Failure struct {
	Kind        ErrorKind      `json:"kind"`
	Message     string         `json:"message"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// Job is one image-to-video request tracked through its lifecycle.
// Values handed out by a Repository are copies; mutate through UpdateStatus.
type Job struct {
	ID             string
	OwnerID        string
	Provider       string
	Prompt         string
	NegativePrompt string
	Parameters     Parameters
	Image          ImageRef
	CorrelationID  string
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	OutputURL      string
	Metrics        *Metrics
	Failure        *Failure
}

// New creates a QUEUED job. The parameter bag is always normalized to a
// non-nil map.
func New(id, ownerID, provider string, now time.Time) *Job {
	return &Job{
		ID:         id,
		OwnerID:    ownerID,
		Provider:   provider,
		Parameters: Parameters{},
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Update carries the fields written together with a status transition.
type Update struct {
	At        time.Time
	OutputURL string
	Metrics   *Metrics
	Failure   *Failure
}

// Apply moves the job to status `to` and copies the update fields.
// It does not check the transition; callers use CanTransition first.
func (j *Job) Apply(to Status, u Update) {
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	j.Status = to
	j.UpdatedAt = at
	if to == StatusProcessing && j.StartedAt == nil {
		j.StartedAt = &at
	}
	if to.IsTerminal() {
		j.CompletedAt = &at
	}
	if u.OutputURL != "" {
		j.OutputURL = u.OutputURL
	}
	if u.Metrics != nil {
		m := *u.Metrics
		j.Metrics = &m
	}
	if u.Failure != nil {
		f := *u.Failure
		f.Diagnostics = maps.Clone(u.Failure.Diagnostics)
		j.Failure = &f
	}
}

// TransitionTo validates and applies a status change.
func (j *Job) TransitionTo(to Status, u Update) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Apply(to, u)
	return nil
}

// IsTerminal returns true if the job is in a final state.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Clone creates a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Parameters = j.Parameters.Clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Metrics != nil {
		m := *j.Metrics
		c.Metrics = &m
	}
	if j.Failure != nil {
		f := *j.Failure
		f.Diagnostics = maps.Clone(j.Failure.Diagnostics)
		c.Failure = &f
	}
	return &c
}
