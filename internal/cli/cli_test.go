package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vividflow/vividflow-api/internal/auth"
	"github.com/vividflow/vividflow-api/internal/promptcheck"
	"github.com/vividflow/vividflow-api/internal/server"
)

const testKey = "key-alice"

// fakeAPI serves the subset of the VividFlow API the CLI calls.
type fakeAPI struct {
	mu        sync.Mutex
	generated []server.GenerateRequest
	statuses  []string
	polls     int
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("POST /api/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		var req server.GenerateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		f.generated = append(f.generated, req)
		f.mu.Unlock()
		writeJSON(w, http.StatusAccepted, server.GenerateResponse{
			JobID: "job-1", Status: "QUEUED", CorrelationID: "corr-1", QueuePosition: 2,
		})
	})
	mux.HandleFunc("GET /api/v1/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "job-1" {
			writeJSON(w, http.StatusNotFound, server.ErrorResponse{Error: "job not found", Code: "JOB_NOT_FOUND"})
			return
		}
		f.mu.Lock()
		status := f.statuses[min(f.polls, len(f.statuses)-1)]
		f.polls++
		f.mu.Unlock()
		resp := server.JobResponse{JobID: "job-1", Model: "wan2.1", Status: status, Prompt: "waves", CreatedAt: time.Now()}
		if status == "COMPLETED" {
			resp.OutputURL = "https://cdn.example.com/jobs/job-1.mp4"
			resp.Metrics = &server.MetricsResponse{SpinUpSeconds: 1, GenerationSeconds: 2, TotalSeconds: 3}
		}
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("POST /api/v1/cancel/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, server.ErrorResponse{Error: "cannot cancel a job already in progress", Code: "CANNOT_CANCEL"})
	})
	mux.HandleFunc("GET /api/v1/history", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		jobs := []server.JobResponse{
			{JobID: "job-2", Model: "veo3.1", Status: "FAILED", Error: &server.JobError{Kind: "TIMEOUT"}},
			{JobID: "job-1", Model: "wan2.1", Status: "COMPLETED", OutputURL: "https://cdn.example.com/1.mp4"},
		}
		writeJSON(w, http.StatusOK, server.HistoryResponse{Jobs: jobs, Count: len(jobs)})
	})
	mux.HandleFunc("GET /api/v1/usage", func(w http.ResponseWriter, r *http.Request) {
		resp := server.UsageResponse{UserID: "alice"}
		resp.TotalJobs, resp.Last24h, resp.DailyQuota, resp.QuotaRemaining = 7, 3, 10, 7
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("GET /api/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, server.ModelsResponse{Models: []string{"veo3.1", "wan2.1"}})
	})
	mux.HandleFunc("POST /api/v1/prompt-check", func(w http.ResponseWriter, r *http.Request) {
		var req server.PromptCheckRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusOK, promptcheck.Check(req.Prompt))
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(auth.HeaderAPIKey) != testKey {
			writeJSON(w, http.StatusUnauthorized, server.ErrorResponse{Error: "invalid or missing API key", Code: "UNAUTHORIZED"})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func newFakeAPI(t *testing.T, statuses ...string) (*fakeAPI, *httptest.Server) {
	t.Helper()
	if len(statuses) == 0 {
		statuses = []string{"QUEUED"}
	}
	f := &fakeAPI{statuses: statuses}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return f, srv
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("VIVIDFLOW_API_KEY", "")
	t.Setenv("VIVIDFLOW_API_URL", "")

	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestSubmit_InlineImageAndParams(t *testing.T) {
	f, srv := newFakeAPI(t)
	img := filepath.Join(t.TempDir(), "beach.png")
	require.NoError(t, os.WriteFile(img, []byte("\x89PNG\r\n\x1a\nfake"), 0o600))

	out, _, err := execute(t, "--api-url", srv.URL, "--api-key", testKey,
		"submit", "--model", "wan2.1", "--prompt", "waves rolling in",
		"--image-file", img, "--param", "steps=30", "--param", "seed=7")
	require.NoError(t, err)

	require.Len(t, f.generated, 1)
	got := f.generated[0]
	assert.Equal(t, "wan2.1", got.Model)
	assert.Empty(t, got.ImageURL)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("\x89PNG\r\n\x1a\nfake")), got.ImageBase64)
	assert.Equal(t, map[string]any{"steps": "30", "seed": "7"}, got.Parameters)

	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "QUEUED")
}

func TestSubmit_RequiresExactlyOneImage(t *testing.T) {
	_, srv := newFakeAPI(t)

	_, _, err := execute(t, "--api-url", srv.URL, "--api-key", testKey,
		"submit", "--model", "wan2.1", "--prompt", "waves")
	require.Error(t, err)

	_, _, err = execute(t, "--api-url", srv.URL, "--api-key", testKey,
		"submit", "--model", "wan2.1", "--prompt", "waves",
		"--image-url", "https://example.com/a.png", "--image-file", "a.png")
	require.Error(t, err)
}

func TestSubmit_FollowUntilTerminal(t *testing.T) {
	f, srv := newFakeAPI(t, "QUEUED", "PROCESSING", "PROCESSING", "COMPLETED")

	out, progress, err := execute(t, "--api-url", srv.URL, "--api-key", testKey, "-o", "json",
		"submit", "--model", "wan2.1", "--prompt", "waves",
		"--image-url", "https://example.com/a.png", "--follow", "--interval", "10ms")
	require.NoError(t, err)

	var final server.JobResponse
	require.NoError(t, json.Unmarshal([]byte(out), &final))
	assert.Equal(t, "COMPLETED", final.Status)
	assert.Equal(t, "https://cdn.example.com/jobs/job-1.mp4", final.OutputURL)
	assert.Equal(t, 4, f.polls)

	assert.Contains(t, progress, "submitted job-1")
	assert.Contains(t, progress, "PROCESSING")
}

func TestStatus_Table(t *testing.T) {
	_, srv := newFakeAPI(t, "COMPLETED")

	out, _, err := execute(t, "--api-url", srv.URL, "--api-key", testKey, "status", "job-1")
	require.NoError(t, err)
	assert.Contains(t, out, "https://cdn.example.com/jobs/job-1.mp4")
	assert.Contains(t, out, "3.0s")
}

func TestErrorsCarryServerCode(t *testing.T) {
	_, srv := newFakeAPI(t)

	tests := []struct {
		name string
		args []string
		code string
	}{
		{"unknown job", []string{"status", "missing"}, "JOB_NOT_FOUND"},
		{"cancel in progress", []string{"cancel", "job-1"}, "CANNOT_CANCEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, append([]string{"--api-url", srv.URL, "--api-key", testKey}, tt.args...)...)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.code, apiErr.Code)
		})
	}

	_, _, err := execute(t, "--api-url", srv.URL, "--api-key", "wrong", "models")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestMissingAPIKey(t *testing.T) {
	_, srv := newFakeAPI(t)

	_, _, err := execute(t, "--api-url", srv.URL, "models")
	assert.ErrorIs(t, err, errNoAPIKey)
}

func TestConfigFile(t *testing.T) {
	_, srv := newFakeAPI(t)
	cfg := filepath.Join(t.TempDir(), "vividctl.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("api_url: "+srv.URL+"\napi_key: "+testKey+"\n"), 0o600))

	out, _, err := execute(t, "--config", cfg, "models")
	require.NoError(t, err)
	assert.Equal(t, "veo3.1\nwan2.1\n", out)
}

func TestEnvironmentOverridesConfigFile(t *testing.T) {
	_, srv := newFakeAPI(t)
	cfg := filepath.Join(t.TempDir(), "vividctl.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("api_url: "+srv.URL+"\napi_key: stale\n"), 0o600))

	t.Setenv("HOME", t.TempDir())
	t.Setenv("VIVIDFLOW_API_KEY", testKey)
	cmd := NewRootCommand()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetArgs([]string{"--config", cfg, "models"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, stdout.String(), "wan2.1")
}

func TestHistoryAndUsage(t *testing.T) {
	_, srv := newFakeAPI(t)

	out, _, err := execute(t, "--api-url", srv.URL, "--api-key", testKey, "history", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "job-2")
	assert.Contains(t, out, "TIMEOUT")
	assert.Contains(t, out, "https://cdn.example.com/1.mp4")

	out, _, err = execute(t, "--api-url", srv.URL, "--api-key", testKey, "-o", "json", "usage")
	require.NoError(t, err)
	var usage server.UsageResponse
	require.NoError(t, json.Unmarshal([]byte(out), &usage))
	assert.Equal(t, "alice", usage.UserID)
	assert.Equal(t, 7, usage.QuotaRemaining)
}

func TestCheckPrompt(t *testing.T) {
	_, srv := newFakeAPI(t)

	out, _, err := execute(t, "--api-url", srv.URL, "--api-key", testKey, "-o", "json",
		"check-prompt", "A calm seaside at dawn")
	require.NoError(t, err)

	var advice promptcheck.Advice
	require.NoError(t, json.Unmarshal([]byte(out), &advice))
	assert.True(t, advice.Safe)
	assert.Equal(t, promptcheck.RiskLow, advice.RiskLevel)
}

func TestUnknownOutputFormat(t *testing.T) {
	_, srv := newFakeAPI(t)

	_, _, err := execute(t, "--api-url", srv.URL, "--api-key", testKey, "-o", "yaml", "models")
	assert.ErrorContains(t, err, "unknown output format")
}
