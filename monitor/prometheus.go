package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chenyme/grok2api/relay/asset"
	"github.com/chenyme/grok2api/relay/pool"
	"github.com/chenyme/grok2api/relay/relaymode"
	"github.com/chenyme/grok2api/relay/retry"
)

const namespace = "grok2api"

// Metrics owns every collector of the service on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	releases        *prometheus.CounterVec
	statusChanges   *prometheus.CounterVec
	evictions       *prometheus.CounterVec
	evictedBytes    prometheus.Counter
}

func NewMetrics(version string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_requests_total",
			Help:      "Relay requests by capability and HTTP status.",
		}, []string{"capability", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_request_duration_seconds",
			Help:      "Wall time of relay requests, streaming included.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"capability"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_retries_total",
			Help:      "Upstream attempts that were retried, by failure class.",
		}, []string{"capability", "class"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_releases_total",
			Help:      "Token slots given back, by outcome.",
		}, []string{"capability", "outcome"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_status_changes_total",
			Help:      "Token status transitions by kind and new status.",
		}, []string{"kind", "status"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_cache_evictions_total",
			Help:      "Cached media files evicted to stay under the size limit.",
		}, []string{"kind"}),
		evictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_cache_evicted_bytes_total",
			Help:      "Bytes freed by cache eviction.",
		}),
	}

	buildInfo := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "build_info",
		Help:        "Always 1, labelled with the running version.",
		ConstLabels: prometheus.Labels{"version": version},
	})
	buildInfo.Set(1)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		buildInfo,
		m.requests,
		m.requestDuration,
		m.retries,
		m.releases,
		m.statusChanges,
		m.evictions,
		m.evictedBytes,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests and ad-hoc collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveRequest(capability string, status int, elapsed time.Duration) {
	if capability == "" {
		capability = relaymode.Unknown.String()
	}
	m.requests.WithLabelValues(capability, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(capability).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRetry(c relaymode.Capability, class retry.Class) {
	m.retries.WithLabelValues(c.String(), class.String()).Inc()
}

func (m *Metrics) ObserveRelease(c relaymode.Capability, outcome pool.Outcome) {
	m.releases.WithLabelValues(c.String(), outcome.String()).Inc()
}

func (m *Metrics) ObserveStatusChange(change pool.StatusChange) {
	m.statusChanges.WithLabelValues(string(change.Kind), string(change.To)).Inc()
}

// ObserveEviction is meant to be passed to asset.WithEvictHook.
func (m *Metrics) ObserveEviction(e asset.Entry) {
	m.evictions.WithLabelValues(e.Kind()).Inc()
	m.evictedBytes.Add(float64(e.Size))
}

// WatchPool exports pool gauges, read on every scrape.
func (m *Metrics) WatchPool(p *pool.Pool) {
	m.registry.MustRegister(&poolCollector{pool: p})
}

// WatchCache exports the cache size and file count.
func (m *Metrics) WatchCache(c *asset.Cache) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "asset_cache_bytes",
			Help:      "Bytes currently held by the media cache.",
		}, func() float64 { return float64(c.Stats().Bytes) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "asset_cache_files",
			Help:      "Files currently held by the media cache.",
		}, func() float64 { return float64(c.Stats().Files) }),
	)
}

var (
	poolTokensDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "tokens"),
		"Tokens in the pool by kind and status.",
		[]string{"kind", "status"}, nil)
	poolInFlightDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "pool", "in_flight"),
		"Token slots currently held by requests.",
		nil, nil)
)

type poolCollector struct {
	pool *pool.Pool
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolTokensDesc
	ch <- poolInFlightDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.pool.Stats()
	for kind, byStatus := range stats.ByStatus {
		for status, n := range byStatus {
			ch <- prometheus.MustNewConstMetric(poolTokensDesc, prometheus.GaugeValue,
				float64(n), string(kind), string(status))
		}
	}
	ch <- prometheus.MustNewConstMetric(poolInFlightDesc, prometheus.GaugeValue, float64(stats.InFlight))
}
