// Package server provides the HTTP API for VividFlow.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/vividflow/vividflow-api/internal/job"
	"github.com/vividflow/vividflow-api/internal/promptcheck"
)

// GenerateRequest is the JSON body for POST /api/v1/generate. Form
// submissions carry the same fields, with any other field treated as a
// provider option.
type GenerateRequest struct {
	// Model selects the provider, e.g. "wan2.1" or "veo3.1".
	Model string `json:"model" validate:"required"`
	// Prompt describes the motion to generate.
	Prompt string `json:"prompt" validate:"required"`
	// NegativePrompt lists what to avoid.
	NegativePrompt string `json:"negative_prompt,omitempty"`
	// ImageURL references the source image. Mutually exclusive with ImageBase64.
	ImageURL string `json:"image_url,omitempty" validate:"omitempty,url"`
	// ImageBase64 is an inline source image.
	ImageBase64 string `json:"image_base64,omitempty" validate:"omitempty,base64"`
	// Parameters holds provider-specific options.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// GenerateResponse is returned when a job was accepted.
type GenerateResponse struct {
	JobID         string              `json:"job_id"`
	Status        string              `json:"status"`
	CorrelationID string              `json:"correlation_id"`
	QueuePosition int                 `json:"queue_position"`
	PromptAdvice  *promptcheck.Advice `json:"prompt_advice,omitempty"`
}

// JobResponse is the owner's view of a job.
type JobResponse struct {
	JobID          string           `json:"job_id"`
	Status         string           `json:"status"`
	Model          string           `json:"model"`
	Prompt         string           `json:"prompt"`
	NegativePrompt string           `json:"negative_prompt,omitempty"`
	Parameters     job.Parameters   `json:"parameters"`
	CorrelationID  string           `json:"correlation_id"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	CompletedAt    *time.Time       `json:"completed_at,omitempty"`
	OutputURL      string           `json:"output_url,omitempty"`
	Metrics        *MetricsResponse `json:"metrics,omitempty"`
	Error          *JobError        `json:"error,omitempty"`
}

// MetricsResponse is the timing breakdown of a completed job.
type MetricsResponse struct {
	SpinUpSeconds         float64 `json:"spin_up_seconds"`
	GenerationSeconds     float64 `json:"generation_seconds"`
	TotalSeconds          float64 `json:"total_seconds"`
	OutputDurationSeconds float64 `json:"output_duration_seconds,omitempty"`
}

// JobError describes why a job failed.
type JobError struct {
	Kind        string         `json:"kind"`
	Message     string         `json:"message"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// HistoryResponse lists the caller's jobs, newest first.
type HistoryResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

// UsageResponse summarizes the caller's usage.
type UsageResponse struct {
	UserID string `json:"user_id"`
	job.Usage
}

// PromptCheckRequest is the body for POST /api/v1/prompt-check.
type PromptCheckRequest struct {
	Prompt string `json:"prompt" validate:"required,max=2000"`
}

// ModelsResponse lists the configured providers.
type ModelsResponse struct {
	Models []string `json:"models"`
}

// StatsResponse is the admin view of the queue.
type StatsResponse struct {
	Jobs  map[string]int `json:"jobs"`
	Total int            `json:"total"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// Field names the offending input for validation errors.
	Field string `json:"field,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

func newJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		JobID:          j.ID,
		Status:         string(j.Status),
		Model:          j.Provider,
		Prompt:         j.Prompt,
		NegativePrompt: j.NegativePrompt,
		Parameters:     j.Parameters.Clone(),
		CorrelationID:  j.CorrelationID,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
		OutputURL:      j.OutputURL,
	}
	if m := j.Metrics; m != nil {
		resp.Metrics = &MetricsResponse{
			SpinUpSeconds:         m.SpinUpSeconds,
			GenerationSeconds:     m.GenerationSeconds,
			TotalSeconds:          m.TotalSeconds,
			OutputDurationSeconds: m.OutputDurationSeconds,
		}
	}
	if f := j.Failure; f != nil {
		resp.Error = &JobError{Kind: string(f.Kind), Message: f.Message, Diagnostics: f.Diagnostics}
	}
	return resp
}
