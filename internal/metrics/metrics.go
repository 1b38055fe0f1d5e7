// Package metrics defines the Prometheus collectors exported by the daemon
// and the HTTP server that serves them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "yt_playlist"

// Processed video outcomes.
const (
	StatusSuccess        = "success"
	StatusDownloadFailed = "download_failed"
	StatusAPIFailed      = "api_failed"
	StatusFailed         = "failed"
)

// Download outcomes.
const (
	DownloadAttempted = "attempted"
	DownloadSuccess   = "success"
	DownloadFailed    = "failed"
)

// Duration operations.
const (
	OpAPICall   = "api_call"
	OpDownload  = "download"
	OpFullCycle = "full_cycle"
	OpPollCycle = "poll_cycle"
)

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	VideosProcessed    *prometheus.CounterVec
	Downloads          *prometheus.CounterVec
	APICalls           *prometheus.CounterVec
	APIErrors          *prometheus.CounterVec
	QuotaUsed          prometheus.Gauge
	QuotaRemaining     prometheus.Gauge
	TodoVideos         prometheus.Gauge
	Tasks              *prometheus.GaugeVec
	ProcessingDuration *prometheus.HistogramVec
	LastProcessing     prometheus.Gauge
}

// New registers all collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		VideosProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "videos_processed_total",
			Help:      "Total number of videos processed",
		}, []string{"status"}),
		Downloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Total number of download attempts",
		}, []string{"status"}),
		APICalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_calls_total",
			Help:      "Total number of YouTube API calls",
		}, []string{"operation"}),
		APIErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_errors_total",
			Help:      "Total number of failed YouTube API calls",
		}, []string{"operation", "reason"}),
		QuotaUsed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_quota_used",
			Help:      "Estimated YouTube API quota units used today",
		}),
		QuotaRemaining: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "api_quota_remaining",
			Help:      "Estimated YouTube API quota units remaining today",
		}),
		TodoVideos: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "todo_videos",
			Help:      "Number of videos currently in the todo playlist",
		}),
		Tasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Tracked todo videos by retry state",
		}, []string{"state"}),
		ProcessingDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing videos",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}, []string{"operation"}),
		LastProcessing: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_processing_timestamp",
			Help:      "Unix timestamp of last processing cycle",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// VideoProcessed counts a video outcome.
func (m *Metrics) VideoProcessed(status string) {
	if m == nil {
		return
	}
	m.VideosProcessed.WithLabelValues(status).Inc()
}

// Download counts a download attempt or outcome.
func (m *Metrics) Download(status string) {
	if m == nil {
		return
	}
	m.Downloads.WithLabelValues(status).Inc()
}

// APICall counts a call sent to the API.
func (m *Metrics) APICall(operation string) {
	if m == nil {
		return
	}
	m.APICalls.WithLabelValues(operation).Inc()
}

// APIError counts a failed API call.
func (m *Metrics) APIError(operation, reason string) {
	if m == nil {
		return
	}
	m.APIErrors.WithLabelValues(operation, reason).Inc()
}

// SetQuota updates both quota gauges.
func (m *Metrics) SetQuota(used, remaining int) {
	if m == nil {
		return
	}
	m.QuotaUsed.Set(float64(used))
	m.QuotaRemaining.Set(float64(remaining))
}

// SetTodoVideos records the size of the todo playlist.
func (m *Metrics) SetTodoVideos(n int) {
	if m == nil {
		return
	}
	m.TodoVideos.Set(float64(n))
}

// SetTasks replaces the per-state task gauge.
func (m *Metrics) SetTasks(counts map[string]int) {
	if m == nil {
		return
	}
	m.Tasks.Reset()
	for state, n := range counts {
		m.Tasks.WithLabelValues(state).Set(float64(n))
	}
}

// ObserveDuration records how long operation took.
func (m *Metrics) ObserveDuration(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProcessingDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// MarkProcessed sets the last processing timestamp.
func (m *Metrics) MarkProcessed(t time.Time) {
	if m == nil {
		return
	}
	m.LastProcessing.Set(float64(t.Unix()))
}
