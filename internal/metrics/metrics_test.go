package metrics

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vividflow/vividflow-api/internal/job"
)

func TestRecorder_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.Submitted(job.ProviderWan)
	r.Submitted(job.ProviderWan)
	r.Rejected("quota")
	r.Cancelled(job.ProviderVeo)
	r.Finished(job.ProviderVeo, job.StatusFailed, job.KindEmptyResult, nil)
	r.Finished(job.ProviderWan, job.StatusCompleted, "", &job.Metrics{SpinUpSeconds: 3, GenerationSeconds: 40, TotalSeconds: 45})

	assert.Equal(t, 2.0, testutil.ToFloat64(r.submitted.WithLabelValues(job.ProviderWan)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.rejected.WithLabelValues("quota")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.cancelled.WithLabelValues(job.ProviderVeo)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.finished.WithLabelValues(job.ProviderVeo, "FAILED", "EMPTY_RESULT")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.total))
}

func TestRegisterQueueGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	repo := job.NewMemoryRepository()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, repo.Create(ctx, job.New("a", "alice", job.ProviderWan, now)))
	require.NoError(t, repo.Create(ctx, job.New("b", "alice", job.ProviderWan, now.Add(time.Second))))
	require.NoError(t, repo.UpdateStatus(ctx, "a", job.StatusQueued, job.StatusProcessing, job.Update{At: now}))

	RegisterQueueGauges(reg, repo, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, "vividflow_queue_depth 1")
	assert.Contains(t, body, "vividflow_jobs_processing 1")
}
