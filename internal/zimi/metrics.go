package zimi

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides low-cardinality Prometheus metrics for zimi.
//
// Request metrics are labeled by route name (search, suggest, read, serve,
// manage, ...), never by full request path or archive id.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	archivesOpen  prometheus.Gauge
	titleIndexes  prometheus.Gauge
	indexBuilds   prometheus.Counter
	indexFailures prometheus.Counter

	searchCacheHits   prometheus.Counter
	searchCacheMisses prometheus.Counter
	suggestCacheHits  prometheus.Counter
	suggestCacheMiss  prometheus.Counter

	downloadsActive prometheus.Gauge
	downloadBytes   prometheus.Counter
	rateLimited     prometheus.Counter
}

// NewMetrics constructs and registers the service's metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zimi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by route.",
		}, []string{"route"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "zimi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		archivesOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zimi",
			Name:      "archives_open",
			Help:      "Number of archives currently held by the registry.",
		}),
		titleIndexes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zimi",
			Name:      "title_indexes_ready",
			Help:      "Number of archives with a ready title index.",
		}),
		indexBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimi",
			Name:      "title_index_builds_total",
			Help:      "Total number of completed title index builds.",
		}),
		indexFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimi",
			Name:      "title_index_failures_total",
			Help:      "Total number of failed title index builds.",
		}),

		searchCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimi",
			Name:      "search_cache_hits_total",
			Help:      "Total number of search result cache hits.",
		}),
		searchCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimi",
			Name:      "search_cache_misses_total",
			Help:      "Total number of search result cache misses.",
		}),
		suggestCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimi",
			Name:      "suggest_cache_hits_total",
			Help:      "Total number of suggestion cache hits.",
		}),
		suggestCacheMiss: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimi",
			Name:      "suggest_cache_misses_total",
			Help:      "Total number of suggestion cache misses.",
		}),

		downloadsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zimi",
			Name:      "downloads_active",
			Help:      "Number of download tasks currently running.",
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimi",
			Name:      "download_bytes_total",
			Help:      "Total bytes written by the download manager.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zimi",
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Total number of requests rejected by the rate limiter.",
		}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.archivesOpen,
		m.titleIndexes,
		m.indexBuilds,
		m.indexFailures,
		m.searchCacheHits,
		m.searchCacheMisses,
		m.suggestCacheHits,
		m.suggestCacheMiss,
		m.downloadsActive,
		m.downloadBytes,
		m.rateLimited,
	)

	return m
}

func (m *Metrics) ObserveRequest(route string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) SetArchivesOpen(n int) {
	if m == nil {
		return
	}
	m.archivesOpen.Set(float64(n))
}

func (m *Metrics) SetTitleIndexesReady(n int) {
	if m == nil {
		return
	}
	m.titleIndexes.Set(float64(n))
}

func (m *Metrics) IncIndexBuilds() {
	if m == nil {
		return
	}
	m.indexBuilds.Inc()
}

func (m *Metrics) IncIndexFailures() {
	if m == nil {
		return
	}
	m.indexFailures.Inc()
}

func (m *Metrics) IncSearchCacheHits() {
	if m == nil {
		return
	}
	m.searchCacheHits.Inc()
}

func (m *Metrics) IncSearchCacheMisses() {
	if m == nil {
		return
	}
	m.searchCacheMisses.Inc()
}

func (m *Metrics) IncSuggestCacheHits() {
	if m == nil {
		return
	}
	m.suggestCacheHits.Inc()
}

func (m *Metrics) IncSuggestCacheMisses() {
	if m == nil {
		return
	}
	m.suggestCacheMiss.Inc()
}

func (m *Metrics) SetDownloadsActive(n int) {
	if m == nil {
		return
	}
	m.downloadsActive.Set(float64(n))
}

func (m *Metrics) AddDownloadBytes(n int64) {
	if m == nil {
		return
	}
	m.downloadBytes.Add(float64(n))
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
