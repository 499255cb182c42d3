// Package metrics exposes daemon counters in Prometheus format
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/geolocd/pkg/locate"
)

var breakerStates = []string{"closed", "half-open", "open"}

// Recorder collects source and publishing metrics. It implements
// wifi.Recorder and locate.Sink.
type Recorder struct {
	registry *prometheus.Registry

	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	cacheSize     *prometheus.GaugeVec
	scans         *prometheus.CounterVec
	refreshErrors *prometheus.CounterVec
	published     *prometheus.CounterVec
	lastAccuracy  *prometheus.GaugeVec
	breakerState  *prometheus.GaugeVec
	clients       prometheus.Gauge
	daemonUptime  prometheus.GaugeFunc
	daemonVersion *prometheus.GaugeVec
}

// NewRecorder registers all metrics on a private registry
func NewRecorder(version string) *Recorder {
	started := time.Now()
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.cacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolocd_cache_hits_total",
			Help: "Location cache hits per source",
		},
		[]string{"source"},
	)
	r.cacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolocd_cache_misses_total",
			Help: "Location cache misses per source",
		},
		[]string{"source"},
	)
	r.cacheSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geolocd_cache_buckets",
			Help: "Number of fingerprint buckets in the location cache",
		},
		[]string{"source"},
	)
	r.scans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolocd_scans_total",
			Help: "Completed WiFi scans",
		},
		[]string{"source", "result"},
	)
	r.refreshErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolocd_refresh_errors_total",
			Help: "Failed location refreshes",
		},
		[]string{"source"},
	)
	r.published = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "geolocd_locations_published_total",
			Help: "Location changes published per accuracy tier",
		},
		[]string{"tier", "source"},
	)
	r.lastAccuracy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geolocd_location_accuracy_meters",
			Help: "Accuracy radius of the last published location per tier",
		},
		[]string{"tier"},
	)
	r.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geolocd_geolocation_breaker_state",
			Help: "Geolocation circuit breaker state (1 for the current state)",
		},
		[]string{"state"},
	)
	r.clients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geolocd_clients",
		Help: "Connected location clients",
	})
	r.daemonUptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "geolocd_daemon_uptime_seconds",
			Help: "Daemon uptime in seconds",
		},
		func() float64 { return time.Since(started).Seconds() },
	)
	r.daemonVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "geolocd_daemon_version_info",
			Help: "Daemon version information",
		},
		[]string{"version"},
	)

	r.registry.MustRegister(
		r.cacheHits, r.cacheMisses, r.cacheSize, r.scans, r.refreshErrors,
		r.published, r.lastAccuracy, r.breakerState, r.clients,
		r.daemonUptime, r.daemonVersion,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.daemonVersion.WithLabelValues(version).Set(1)
	r.BreakerState("", "closed")
	return r
}

func (r *Recorder) CacheHit(source string) {
	r.cacheHits.WithLabelValues(source).Inc()
}

func (r *Recorder) CacheMiss(source string) {
	r.cacheMisses.WithLabelValues(source).Inc()
}

func (r *Recorder) CacheSize(source string, buckets int) {
	r.cacheSize.WithLabelValues(source).Set(float64(buckets))
}

func (r *Recorder) ScanCompleted(source string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	r.scans.WithLabelValues(source, result).Inc()
}

func (r *Recorder) RefreshFailed(source string) {
	r.refreshErrors.WithLabelValues(source).Inc()
}

// BreakerState marks to as the current breaker state. It matches the
// geolocate provider state change callback.
func (r *Recorder) BreakerState(_ string, to string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == to {
			v = 1
		}
		r.breakerState.WithLabelValues(s).Set(v)
	}
}

// SetClients records the number of connected clients
func (r *Recorder) SetClients(n int) {
	r.clients.Set(float64(n))
}

// Name identifies the recorder as a publish sink
func (r *Recorder) Name() string {
	return "metrics"
}

// Publish counts a published location
func (r *Recorder) Publish(_ context.Context, ev locate.Event) error {
	tier := ev.Level.String()
	r.published.WithLabelValues(tier, ev.Location.Description).Inc()
	r.lastAccuracy.WithLabelValues(tier).Set(ev.Location.Accuracy)
	return nil
}

// Registry returns the registry holding the metrics
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the metrics
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
