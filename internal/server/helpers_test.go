package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vividflow/vividflow-api/internal/auth"
	"github.com/vividflow/vividflow-api/internal/generator"
	"github.com/vividflow/vividflow-api/internal/job"
	"github.com/vividflow/vividflow-api/internal/runpod"
	"github.com/vividflow/vividflow-api/internal/storage"
	"github.com/vividflow/vividflow-api/internal/veo"
)

// pngBytes is enough of a PNG for content sniffing.
var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

// fakeRunPod completes every job with a tiny video after pollsBeforeDone polls.
type fakeRunPod struct {
	mu              sync.Mutex
	pollsBeforeDone int
	polls           int
	submits         int
	pollErr         error
}

func (f *fakeRunPod) Submit(context.Context, runpod.Input) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return "rp-job", nil
}

func (f *fakeRunPod) Poll(context.Context, string) (runpod.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pollErr != nil {
		return runpod.PollResult{}, f.pollErr
	}
	f.polls++
	if f.polls <= f.pollsBeforeDone {
		return runpod.PollResult{Status: runpod.StatusInProgress}, nil
	}
	return runpod.PollResult{
		Status: runpod.StatusCompleted,
		Output: json.RawMessage(`{"video_base64":"dmlkZW8="}`),
	}, nil
}

func (f *fakeRunPod) Cancel(context.Context, string) error { return nil }

func (f *fakeRunPod) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// fakeVeo counts calls; it should never be reached by rejected requests.
type fakeVeo struct {
	mu       sync.Mutex
	predicts int
}

func (f *fakeVeo) Predict(context.Context, veo.PredictRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.predicts++
	return "projects/p/operations/op-1", nil
}

func (f *fakeVeo) Fetch(_ context.Context, op string) (veo.Operation, error) {
	return veo.Operation{Name: op, Done: true, Response: &veo.Response{}}, nil
}

func (f *fakeVeo) predictCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.predicts
}

type testEnv struct {
	repo     *job.MemoryRepository
	store    *storage.LocalStorage
	runpod   *fakeRunPod
	veo      *fakeVeo
	registry *generator.Registry
	service  *job.Service
	handler  http.Handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, svcOpts ...job.ServiceOption) *testEnv {
	t.Helper()
	store, err := storage.NewLocalStorage(storage.LocalConfig{
		TempDir:       t.TempDir(),
		ObjectDir:     t.TempDir(),
		PublicBaseURL: "http://localhost:8080",
	})
	require.NoError(t, err)

	env := &testEnv{
		repo:   job.NewMemoryRepository(),
		store:  store,
		runpod: &fakeRunPod{},
		veo:    &fakeVeo{},
	}
	env.registry = generator.NewRegistry(
		generator.NewWan(env.runpod),
		generator.NewVeo(env.veo, generator.DefaultVeoLimits()),
	)
	logger := discardLogger()
	env.service = job.NewService(env.repo, env.registry, store,
		append([]job.ServiceOption{job.WithLogger(logger)}, svcOpts...)...)

	keys := auth.NewKeyStore(map[string]string{"key-alice": "alice", "key-bob": "bob"}, "admin-key")
	h := NewHandlers(env.service, keys, logger, WithMedia(store))
	cfg := DefaultConfig()
	cfg.RateLimitRPS = 0
	env.handler = NewRouter(h, logger, cfg)
	return env
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(t *testing.T, method, target, key string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(auth.HeaderAPIKey, key)
	}
	return req
}

func multipartRequest(t *testing.T, key string, fields map[string]string, image []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if image != nil {
		fw, err := mw.CreateFormFile("image", "photo.png")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(auth.HeaderAPIKey, key)
	return req
}

func urlencodedRequest(t *testing.T, key string, fields url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/generate", strings.NewReader(fields.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(auth.HeaderAPIKey, key)
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func seaside() GenerateRequest {
	return GenerateRequest{
		Model:    job.ProviderWan,
		Prompt:   "A calm seaside at dawn",
		ImageURL: "https://example.com/sea.png",
	}
}

// httpGet and decodeJob avoid testing.T so they can run inside Eventually.
func httpGet(env *testEnv, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decodeJob(body []byte) JobResponse {
	var v JobResponse
	_ = json.Unmarshal(body, &v)
	return v
}
