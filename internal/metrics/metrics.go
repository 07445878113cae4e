// Package metrics provides Prometheus metrics for the relays.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Relay label values.
const (
	RelayAPI   = "api"
	RelayMedia = "media"
)

// Default histogram buckets for upstream latency. Media segments are slower
// than API calls, hence the long tail.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the relays.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamFailures  *prometheus.CounterVec

	FallbackRetries    prometheus.Counter
	SuppressedFailures prometheus.Counter
	PlaylistsRewritten *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "media_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "media_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "media_relay_upstream_request_duration_seconds",
			Help:    "Upstream call latency in seconds until response headers.",
			Buckets: defaultBuckets,
		}, []string{"relay"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_relay_upstream_responses_total",
			Help: "Total upstream responses by relay and status code.",
		}, []string{"relay", "status_code"}),

		UpstreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_relay_upstream_transport_failures_total",
			Help: "Upstream calls that produced no response, by relay and cause.",
		}, []string{"relay", "cause"}),

		FallbackRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_relay_fallback_retries_total",
			Help: "Media fetches retried with the target origin after a 403.",
		}),

		SuppressedFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "media_relay_suppressed_failures_total",
			Help: "Listing requests answered with an empty payload instead of an error.",
		}),

		PlaylistsRewritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_relay_playlists_rewritten_total",
			Help: "HLS playlists rewritten, by playlist kind.",
		}, []string{"kind"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "media_relay_cache_lookups_total",
			Help: "JSON relay cache lookups by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamFailures,
		m.FallbackRetries,
		m.SuppressedFailures,
		m.PlaylistsRewritten,
		m.CacheLookups,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
// Longer prefixes come first so the functions/v1 aliases are not folded together.
var knownPrefixes = []string{
	"/functions/v1/cors-proxy",
	"/functions/v1/m3u8-proxy",
	"/cors-proxy",
	"/m3u8-proxy",
	"/healthz",
	"/proxy/status",
	"/metrics",
}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
