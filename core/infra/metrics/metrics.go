package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the recording engine, local cache and uploads.
type Metrics interface {
	IncRecordingsStarted(mode string)
	IncRecordingsCompleted(mode, reason string)
	IncSnapshots(status string)
	IncCacheSaves(status string)
	IncCacheLookups(result string)
	AddCachePruned(n int)
	IncUploads(outcome string)
	ObserveUploadDuration(outcome string, durationSeconds float64)
}

// GatewayMetrics captures request metrics for the HTTP gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncRecordingsStarted(string)                    {}
func (Noop) IncRecordingsCompleted(string, string)          {}
func (Noop) IncSnapshots(string)                            {}
func (Noop) IncCacheSaves(string)                           {}
func (Noop) IncCacheLookups(string)                         {}
func (Noop) AddCachePruned(int)                             {}
func (Noop) IncUploads(string)                              {}
func (Noop) ObserveUploadDuration(string, float64)          {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	recordingsStarted   *prometheus.CounterVec
	recordingsCompleted *prometheus.CounterVec
	snapshots           *prometheus.CounterVec
	cacheSaves          *prometheus.CounterVec
	cacheLookups        *prometheus.CounterVec
	cachePruned         prometheus.Counter
	uploads             *prometheus.CounterVec
	uploadDuration      *prometheus.HistogramVec
	once                sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		recordingsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_started_total",
			Help:      "Recording sessions started by mode",
		}, []string{"mode"}),
		recordingsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_completed_total",
			Help:      "Recording sessions finalized by mode and stop reason",
		}, []string{"mode", "reason"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Single-frame captures by status",
		}, []string{"status"}),
		cacheSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_saves_total",
			Help:      "Local cache writes by status",
		}, []string{"status"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Local cache lookups by result",
		}, []string{"result"}),
		cachePruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_pruned_total",
			Help:      "Expired cache entries removed by the prune sweep",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Remote uploads by outcome",
		}, []string{"outcome"}),
		uploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Remote upload latency by outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.recordingsStarted, p.recordingsCompleted, p.snapshots,
			p.cacheSaves, p.cacheLookups, p.cachePruned,
			p.uploads, p.uploadDuration,
		)
	})
}

func (p *Prom) IncRecordingsStarted(mode string) {
	p.recordingsStarted.WithLabelValues(mode).Inc()
}

func (p *Prom) IncRecordingsCompleted(mode, reason string) {
	p.recordingsCompleted.WithLabelValues(mode, reason).Inc()
}

func (p *Prom) IncSnapshots(status string) {
	p.snapshots.WithLabelValues(status).Inc()
}

func (p *Prom) IncCacheSaves(status string) {
	p.cacheSaves.WithLabelValues(status).Inc()
}

func (p *Prom) IncCacheLookups(result string) {
	p.cacheLookups.WithLabelValues(result).Inc()
}

func (p *Prom) AddCachePruned(n int) {
	if n > 0 {
		p.cachePruned.Add(float64(n))
	}
}

func (p *Prom) IncUploads(outcome string) {
	p.uploads.WithLabelValues(outcome).Inc()
}

func (p *Prom) ObserveUploadDuration(outcome string, durationSeconds float64) {
	p.uploadDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
