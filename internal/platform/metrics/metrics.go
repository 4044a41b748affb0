package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the HLS pipeline.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	errorsTotal            prometheus.Counter
	jobsStartedTotal       prometheus.Counter
	jobsSucceededTotal     prometheus.Counter
	jobsFailedTotal        prometheus.Counter
	retriesScheduledTotal  prometheus.Counter
	admissionRejectedTotal prometheus.Counter
	segmentsStoredTotal    prometheus.Counter
	segmentsEvictedTotal   prometheus.Counter
	manifestPublishesTotal prometheus.Counter
	activeJobs             prometheus.Gauge
	queueDepth             prometheus.Gauge
	activeStreams          prometheus.Gauge
	storedSegments         prometheus.Gauge
}

// New creates and registers Prometheus metrics for the pipeline.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		jobsStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_transcode_jobs_started_total",
			Help: "Total number of transcode jobs started",
		}),
		jobsSucceededTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_transcode_jobs_succeeded_total",
			Help: "Total number of transcode jobs that exited cleanly",
		}),
		jobsFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_transcode_jobs_failed_total",
			Help: "Total number of transcode jobs that failed",
		}),
		retriesScheduledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_transcode_retries_scheduled_total",
			Help: "Total number of retry attempts scheduled after job failures",
		}),
		admissionRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_admissions_rejected_total",
			Help: "Total number of job admissions rejected because the queue was full",
		}),
		segmentsStoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_stored_total",
			Help: "Total number of segments committed to the segment store",
		}),
		segmentsEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_segments_evicted_total",
			Help: "Total number of segments evicted by retention policy",
		}),
		manifestPublishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_manifest_publishes_total",
			Help: "Total number of manifest versions published",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_transcode_jobs",
			Help: "Number of transcode jobs currently running",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_admission_queue_depth",
			Help: "Number of admissions waiting for job capacity",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_streams",
			Help: "Number of streams that are not removed",
		}),
		storedSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_stored_segments",
			Help: "Number of segments currently held by the segment store",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.jobsStartedTotal,
		m.jobsSucceededTotal,
		m.jobsFailedTotal,
		m.retriesScheduledTotal,
		m.admissionRejectedTotal,
		m.segmentsStoredTotal,
		m.segmentsEvictedTotal,
		m.manifestPublishesTotal,
		m.activeJobs,
		m.queueDepth,
		m.activeStreams,
		m.storedSegments,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// JobStarted increments the jobs started counter.
func (m *Metrics) JobStarted() {
	m.jobsStartedTotal.Inc()
}

// JobSucceeded increments the jobs succeeded counter.
func (m *Metrics) JobSucceeded() {
	m.jobsSucceededTotal.Inc()
}

// JobFailed increments the jobs failed counter.
func (m *Metrics) JobFailed() {
	m.jobsFailedTotal.Inc()
}

// RetryScheduled increments the retries scheduled counter.
func (m *Metrics) RetryScheduled() {
	m.retriesScheduledTotal.Inc()
}

// AdmissionRejected increments the rejected admissions counter.
func (m *Metrics) AdmissionRejected() {
	m.admissionRejectedTotal.Inc()
}

// SegmentStored records one committed segment and any evictions its
// retention enforcement caused.
func (m *Metrics) SegmentStored(evicted int) {
	m.segmentsStoredTotal.Inc()
	if evicted > 0 {
		m.segmentsEvictedTotal.Add(float64(evicted))
	}
}

// ManifestPublished increments the manifest publishes counter.
func (m *Metrics) ManifestPublished() {
	m.manifestPublishesTotal.Inc()
}

// SetActiveJobs sets the running jobs gauge.
func (m *Metrics) SetActiveJobs(n int) {
	m.activeJobs.Set(float64(n))
}

// SetQueueDepth sets the admission queue gauge.
func (m *Metrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// SetActiveStreams sets the active streams gauge.
func (m *Metrics) SetActiveStreams(n int) {
	m.activeStreams.Set(float64(n))
}

// SetStoredSegments sets the stored segments gauge.
func (m *Metrics) SetStoredSegments(n int) {
	m.storedSegments.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
