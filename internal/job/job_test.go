package job

import (
	"errors"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	job := New("job-1", "alice", ProviderWan, now)

	if job.ID != "job-1" {
		t.Errorf("expected ID job-1, got %s", job.ID)
	}
	if job.Status != StatusQueued {
		t.Errorf("expected status %s, got %s", StatusQueued, job.Status)
	}
	if !job.CreatedAt.Equal(now) || !job.UpdatedAt.Equal(now) {
		t.Error("expected CreatedAt and UpdatedAt to be set")
	}
	if job.Parameters == nil {
		t.Error("expected Parameters to be initialized")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"QUEUED to PROCESSING", StatusQueued, StatusProcessing, true},
		{"QUEUED to CANCELLED", StatusQueued, StatusCancelled, true},
		{"QUEUED to COMPLETED", StatusQueued, StatusCompleted, false},
		{"QUEUED to FAILED", StatusQueued, StatusFailed, false},
		{"PROCESSING to COMPLETED", StatusProcessing, StatusCompleted, true},
		{"PROCESSING to FAILED", StatusProcessing, StatusFailed, true},
		{"PROCESSING to CANCELLED", StatusProcessing, StatusCancelled, false},
		{"PROCESSING to QUEUED", StatusProcessing, StatusQueued, false},
		{"COMPLETED to FAILED", StatusCompleted, StatusFailed, false},
		{"FAILED to PROCESSING", StatusFailed, StatusProcessing, false},
		{"CANCELLED to QUEUED", StatusCancelled, StatusQueued, false},
		{"CANCELLED to PROCESSING", StatusCancelled, StatusProcessing, false},
		{"COMPLETED to COMPLETED", StatusCompleted, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestJob_TerminalStatesAreFinal(t *testing.T) {
	all := []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}
	for _, terminal := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		for _, to := range all {
			job := New("j", "u", ProviderWan, time.Now())
			job.Status = terminal
			err := job.TransitionTo(to, Update{})
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", terminal, to, err)
			}
			if job.Status != terminal {
				t.Errorf("%s -> %s: status changed to %s", terminal, to, job.Status)
			}
		}
	}
}

func TestJob_TransitionTimestamps(t *testing.T) {
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	job := New("j", "u", ProviderVeo, created)

	started := created.Add(time.Second)
	if err := job.TransitionTo(StatusProcessing, Update{At: started}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.StartedAt == nil || !job.StartedAt.Equal(started) {
		t.Errorf("expected StartedAt %v, got %v", started, job.StartedAt)
	}
	if job.CompletedAt != nil {
		t.Error("expected CompletedAt to be nil while processing")
	}

	done := started.Add(time.Minute)
	err := job.TransitionTo(StatusFailed, Update{
		At:      done,
		Failure: &Failure{Kind: KindEmptyResult, Message: "no video", Diagnostics: map[string]any{"reason": "safety"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.CompletedAt == nil || !job.CompletedAt.Equal(done) {
		t.Errorf("expected CompletedAt %v, got %v", done, job.CompletedAt)
	}
	if job.Failure == nil || job.Failure.Kind != KindEmptyResult {
		t.Errorf("expected failure kind %s, got %+v", KindEmptyResult, job.Failure)
	}
	if !job.IsTerminal() {
		t.Error("expected job to be terminal")
	}
}

func TestJob_Clone(t *testing.T) {
	job := New("j", "u", ProviderWan, time.Now())
	job.Parameters["cfg"] = 7.5
	job.Apply(StatusProcessing, Update{})
	job.Apply(StatusFailed, Update{Failure: &Failure{Kind: KindTransport, Diagnostics: map[string]any{"a": 1}}})

	clone := job.Clone()
	clone.Parameters["cfg"] = 1.0
	clone.Failure.Diagnostics["a"] = 2
	*clone.StartedAt = time.Time{}

	if job.Parameters["cfg"] != 7.5 {
		t.Error("clone shares Parameters with original")
	}
	if job.Failure.Diagnostics["a"] != 1 {
		t.Error("clone shares Diagnostics with original")
	}
	if job.StartedAt.IsZero() {
		t.Error("clone shares StartedAt with original")
	}
}

func TestParameters_CloneNeverNil(t *testing.T) {
	var p Parameters
	if p.Clone() == nil {
		t.Error("expected non-nil clone of nil Parameters")
	}
}

func TestStatus_IsValid(t *testing.T) {
	if !StatusCancelled.IsValid() {
		t.Error("expected CANCELLED to be valid")
	}
	if Status("IN_QUEUE").IsValid() {
		t.Error("expected unknown status to be invalid")
	}
}
