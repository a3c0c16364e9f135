package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vividflow/vividflow-api/internal/imagesrc"
	"github.com/vividflow/vividflow-api/internal/job"
	"github.com/vividflow/vividflow-api/internal/worker"
)

type fakeDownloader struct{}

func (fakeDownloader) Download(context.Context, string) ([]byte, string, error) {
	return pngBytes, "image/png", nil
}

// startWorker runs the queue consumer until the test ends.
func startWorker(t *testing.T, env *testEnv) {
	t.Helper()
	resolver := imagesrc.NewResolver(env.store, imagesrc.WithDownloader(fakeDownloader{}))
	w := worker.New(env.repo, env.registry, resolver, env.store,
		worker.WithLogger(discardLogger()),
		worker.WithConfig(worker.Config{
			IdleInterval: 5 * time.Millisecond,
			PollInterval: time.Millisecond,
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitTerminal(t *testing.T, env *testEnv, id string) JobResponse {
	t.Helper()
	var last JobResponse
	require.Eventually(t, func() bool {
		rec := httpGet(env, "/api/v1/status/"+id+"?api_key=key-alice")
		if rec.Code != http.StatusOK {
			return false
		}
		last = decodeJob(rec.Body.Bytes())
		return job.Status(last.Status).IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func TestE2E_SubmitAndComplete(t *testing.T) {
	env := newTestEnv(t)
	env.runpod.pollsBeforeDone = 2
	startWorker(t, env)

	rec := env.do(t, jsonRequest(t, http.MethodPost, "/api/v1/generate", "key-alice", GenerateRequest{
		Model:    job.ProviderWan,
		Prompt:   "A calm seaside at dawn",
		ImageURL: "https://example.com/sea.png",
	}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id := decode[GenerateResponse](t, rec).JobID
	require.NotEmpty(t, id)

	final := waitTerminal(t, env, id)
	require.Equal(t, "COMPLETED", final.Status, "error: %+v", final.Error)
	assert.NotEmpty(t, final.OutputURL)
	require.NotNil(t, final.Metrics)
	assert.GreaterOrEqual(t, final.Metrics.TotalSeconds, 0.0)
	assert.Nil(t, final.Error)
}

func TestE2E_ProviderUnavailableFailsCleanly(t *testing.T) {
	env := newTestEnv(t)
	env.runpod.pollErr = errors.New("dial tcp: connection refused")
	startWorker(t, env)

	id := submit(t, env, "key-alice")

	final := waitTerminal(t, env, id)
	require.Equal(t, "FAILED", final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, string(job.KindTransport), final.Error.Kind)
	assert.NotEmpty(t, final.Error.Message)
	assert.NotContains(t, final.Error.Message, "connection refused", "transport details stay in the logs")
}

func TestE2E_VeoEnhanceDisabledIsRejected(t *testing.T) {
	env := newTestEnv(t)
	startWorker(t, env)

	req := seaside()
	req.Model = job.ProviderVeo
	req.Parameters = map[string]any{"enhance_prompt": false}
	rec := env.do(t, jsonRequest(t, http.MethodPost, "/api/v1/generate", "key-alice", req))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "PRECONDITION_FAILED", resp.Code)
	assert.Contains(t, resp.Error, "enhance_prompt")

	counts, err := env.repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, counts, "job must never be created")
	assert.Zero(t, env.veo.predictCount())
}

func TestE2E_CancelBeforeDequeue(t *testing.T) {
	env := newTestEnv(t)

	// The worker is started only after the cancel, standing in for a busy queue.
	id := submit(t, env, "key-alice")
	rec := env.do(t, jsonRequest(t, http.MethodPost, "/api/v1/cancel/"+id, "key-alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	startWorker(t, env)
	time.Sleep(50 * time.Millisecond)

	rec = env.do(t, jsonRequest(t, http.MethodGet, "/api/v1/status/"+id, "key-alice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "CANCELLED", decode[JobResponse](t, rec).Status)
	assert.Zero(t, env.runpod.submitCount(), "a cancelled job never reaches the provider")

	rec = env.do(t, jsonRequest(t, http.MethodPost, "/api/v1/cancel/"+id, "key-alice", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_TERMINAL", decode[ErrorResponse](t, rec).Code)
}
