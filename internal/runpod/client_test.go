package runpod

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vividflow/vividflow-api/internal/apiclient"
)

func newTestClient(t *testing.T, serverURL string) *HTTPClient {
	t.Helper()
	c, err := NewClient("test-endpoint",
		WithAPIKey("test-key"),
		WithBaseURL(serverURL),
		WithBaseBackoff(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusInQueue, false},
		{StatusRunning, false},
		{StatusInProgress, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{StatusTimedOut, true},
		{Status("UNKNOWN"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("Status(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestStatus_IsKnown(t *testing.T) {
	if !StatusInProgress.IsKnown() || !StatusTimedOut.IsKnown() {
		t.Error("documented statuses must be known")
	}
	if Status("WARMING").IsKnown() {
		t.Error("unexpected status reported as known")
	}
}

func TestNewClient_MissingEndpointID(t *testing.T) {
	if _, err := NewClient("", WithAPIKey("k")); !errors.Is(err, ErrEndpointIDRequired) {
		t.Errorf("expected ErrEndpointIDRequired, got %v", err)
	}
}

func TestNewClient_MissingAPIKey(t *testing.T) {
	if _, err := NewClient("endpoint"); !errors.Is(err, ErrAPIKeyRequired) {
		t.Errorf("expected ErrAPIKeyRequired, got %v", err)
	}
}

func TestSubmit_Success(t *testing.T) {
	var gotPath, gotAuth, gotCorr string
	var gotReq runRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCorr = r.Header.Get(apiclient.CorrelationHeader)
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(runResponse{ID: "rp-123", Status: "IN_QUEUE"})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	ctx := apiclient.WithCorrelationID(context.Background(), "corr-1")
	in := Input{
		Prompt:         "a fox running",
		NegativePrompt: "low quality",
		ImageBase64:    "aW1n",
		Width:          1280,
		Height:         720,
		NumFrames:      81,
		NumSteps:       30,
		Seed:           42,
		GuidanceScale:  7.5,
	}

	jobID, err := c.Submit(ctx, in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobID != "rp-123" {
		t.Errorf("jobID = %q, want rp-123", jobID)
	}
	if gotPath != "/test-endpoint/run" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotCorr != "corr-1" {
		t.Errorf("correlation header = %q", gotCorr)
	}
	if gotReq.Input != in {
		t.Errorf("input = %+v, want %+v", gotReq.Input, in)
	}
}

func TestSubmit_NoJobID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(runResponse{Error: "endpoint paused"})
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Submit(context.Background(), Input{})
	if !errors.Is(err, ErrSubmitFailed) {
		t.Errorf("expected ErrSubmitFailed, got %v", err)
	}
}

func TestPoll_Statuses(t *testing.T) {
	tests := []struct {
		name       string
		response   string
		wantStatus Status
		wantOutput bool
		wantError  string
	}{
		{"queued", `{"id":"x","status":"IN_QUEUE","delayTime":1200}`, StatusInQueue, false, ""},
		{"in progress", `{"id":"x","status":"IN_PROGRESS"}`, StatusInProgress, false, ""},
		{"completed", `{"id":"x","status":"COMPLETED","output":{"video":"dmlk"},"executionTime":3000}`, StatusCompleted, true, ""},
		{"failed", `{"id":"x","status":"FAILED","error":"CUDA out of memory"}`, StatusFailed, false, "CUDA out of memory"},
		{"unknown passes through", `{"id":"x","status":"WARMING"}`, Status("WARMING"), false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/test-endpoint/status/x" {
					t.Errorf("unexpected path %q", r.URL.Path)
				}
				_, _ = w.Write([]byte(tt.response))
			}))
			defer server.Close()

			res, err := newTestClient(t, server.URL).Poll(context.Background(), "x")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", res.Status, tt.wantStatus)
			}
			if (len(res.Output) > 0) != tt.wantOutput {
				t.Errorf("output = %s", res.Output)
			}
			if res.Error != tt.wantError {
				t.Errorf("error = %q, want %q", res.Error, tt.wantError)
			}
		})
	}
}

func TestPoll_LargeInlineOutput(t *testing.T) {
	// 9 MiB of video is 12 MiB once base64 encoded.
	video := strings.Repeat("A", 12<<20)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","status":"COMPLETED","output":{"video":"` + video + `"}}`))
	}))
	defer server.Close()

	res, err := newTestClient(t, server.URL).Poll(context.Background(), "x")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, err := ParseOutput(res.Output)
	if err != nil {
		t.Fatalf("ParseOutput: %v", err)
	}
	if len(out.VideoBase64) != len(video) {
		t.Errorf("video length = %d, want %d", len(out.VideoBase64), len(video))
	}

	small, err := NewClient("test-endpoint",
		WithAPIKey("test-key"),
		WithBaseURL(server.URL),
		WithMaxResponseBytes(1<<20),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := small.Poll(context.Background(), "x"); !errors.Is(err, apiclient.ErrTooLarge) {
		t.Errorf("expected ErrTooLarge with a 1 MiB cap, got %v", err)
	}
}

func TestPoll_RequiresJobID(t *testing.T) {
	c, _ := NewClient("e", WithAPIKey("k"))
	if _, err := c.Poll(context.Background(), ""); !errors.Is(err, ErrJobIDRequired) {
		t.Errorf("expected ErrJobIDRequired, got %v", err)
	}
}

func TestPoll_RetriesServerErrors(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"x","status":"IN_QUEUE"}`))
	}))
	defer server.Close()

	if _, err := newTestClient(t, server.URL).Poll(context.Background(), "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestCancel(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		_, _ = w.Write([]byte(`{"id":"x","status":"CANCELLED"}`))
	}))
	defer server.Close()

	if err := newTestClient(t, server.URL).Cancel(context.Background(), "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/test-endpoint/cancel/x" {
		t.Errorf("got %s %s", gotMethod, gotPath)
	}
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Output
	}{
		{"null", `null`, Output{}},
		{"empty", ``, Output{}},
		{"dict video", `{"video":"dmlk"}`, Output{VideoBase64: "dmlk"}},
		{"dict video_base64 wins", `{"video_base64":"YQ==","video":"Yg=="}`, Output{VideoBase64: "YQ=="}},
		{"dict url", `{"video_url":"https://cdn.example.com/v.mp4"}`, Output{VideoURL: "https://cdn.example.com/v.mp4"}},
		{"dict error", `{"error":"bad image"}`, Output{Error: "bad image"}},
		{"data url", `"data:video/mp4;base64,dmlk"`, Output{VideoBase64: "dmlk"}},
		{"bare string", `"dmlk"`, Output{VideoBase64: "dmlk"}},
		{"list takes first", `[{"video":"Zmlyc3Q="},{"video":"c2Vjb25k"}]`, Output{VideoBase64: "Zmlyc3Q="}},
		{"empty list", `[]`, Output{}},
		{"extra scalars kept", `{"status":"ok","frames":0}`, Output{Extra: map[string]any{"status": "ok", "frames": float64(0)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOutput(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.VideoBase64 != tt.want.VideoBase64 || got.VideoURL != tt.want.VideoURL || got.Error != tt.want.Error {
				t.Errorf("ParseOutput(%s) = %+v, want %+v", tt.raw, got, tt.want)
			}
			if len(got.Extra) != len(tt.want.Extra) {
				t.Errorf("extra = %v, want %v", got.Extra, tt.want.Extra)
			}
			for k, v := range tt.want.Extra {
				if got.Extra[k] != v {
					t.Errorf("extra[%s] = %v, want %v", k, got.Extra[k], v)
				}
			}
		})
	}
}

func TestParseOutput_Invalid(t *testing.T) {
	if _, err := ParseOutput(json.RawMessage(`{not json`)); err == nil {
		t.Error("expected error for malformed output")
	}
}

func TestOutput_IsEmpty(t *testing.T) {
	if !(Output{Extra: map[string]any{"a": "b"}}).IsEmpty() {
		t.Error("extra-only output must count as empty")
	}
	if (Output{VideoURL: "https://x"}).IsEmpty() {
		t.Error("url output is not empty")
	}
}
