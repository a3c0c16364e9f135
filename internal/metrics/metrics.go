// Package metrics exports job counters and timings to Prometheus.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vividflow/vividflow-api/internal/job"
)

const namespace = "vividflow"

// StatusCounter reports job counts per status.
type StatusCounter interface {
	CountByStatus(ctx context.Context) (map[job.Status]int, error)
}

// Recorder implements job.Recorder on Prometheus collectors.
type Recorder struct {
	submitted  *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	cancelled  *prometheus.CounterVec
	finished   *prometheus.CounterVec
	spinUp     *prometheus.HistogramVec
	generation *prometheus.HistogramVec
	total      *prometheus.HistogramVec
}

var _ job.Recorder = (*Recorder)(nil)

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) *Recorder {
	durations := prometheus.ExponentialBuckets(1, 2, 11) // 1s .. ~17m
	r := &Recorder{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted into the queue",
		}, []string{"provider"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Submissions refused before enqueue",
		}, []string{"reason"}),
		cancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Queued jobs cancelled by their owner",
		}, []string{"provider"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached COMPLETED or FAILED",
		}, []string{"provider", "status", "kind"}),
		spinUp: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_spin_up_seconds",
			Help:      "Time from provider submission to execution start",
			Buckets:   durations,
		}, []string{"provider"}),
		generation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_generation_seconds",
			Help:      "Time from execution start to completion",
			Buckets:   durations,
		}, []string{"provider"}),
		total: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_total_seconds",
			Help:      "Time from claim to completion",
			Buckets:   durations,
		}, []string{"provider"}),
	}
	reg.MustRegister(r.submitted, r.rejected, r.cancelled, r.finished, r.spinUp, r.generation, r.total)
	return r
}

// Submitted counts an accepted job.
func (r *Recorder) Submitted(provider string) {
	r.submitted.WithLabelValues(provider).Inc()
}

// Rejected counts a refused submission.
func (r *Recorder) Rejected(reason string) {
	r.rejected.WithLabelValues(reason).Inc()
}

// Cancelled counts a cancelled job.
func (r *Recorder) Cancelled(provider string) {
	r.cancelled.WithLabelValues(provider).Inc()
}

// Finished counts a terminal job and observes its timings when present.
func (r *Recorder) Finished(provider string, status job.Status, kind job.ErrorKind, m *job.Metrics) {
	r.finished.WithLabelValues(provider, string(status), string(kind)).Inc()
	if m == nil {
		return
	}
	r.spinUp.WithLabelValues(provider).Observe(m.SpinUpSeconds)
	r.generation.WithLabelValues(provider).Observe(m.GenerationSeconds)
	r.total.WithLabelValues(provider).Observe(m.TotalSeconds)
}

// RegisterQueueGauges exposes the live count of QUEUED and PROCESSING jobs,
// read from the store at scrape time.
func RegisterQueueGauges(reg prometheus.Registerer, store StatusCounter, logger *slog.Logger) {
	gauge := func(status job.Status, name, help string) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			counts, err := store.CountByStatus(ctx)
			if err != nil {
				logger.Warn("count jobs for metrics", slog.Any("error", err))
				return 0
			}
			return float64(counts[status])
		})
	}
	reg.MustRegister(
		gauge(job.StatusQueued, "queue_depth", "Jobs waiting in the queue"),
		gauge(job.StatusProcessing, "jobs_processing", "Jobs currently being generated"),
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
