package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheHits counts requests served from the cache.
	cacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parrot_cache_hits_total",
			Help: "Total number of requests served from cache",
		},
	)

	// cacheMisses counts requests that went upstream.
	cacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parrot_cache_misses_total",
			Help: "Total number of cache misses",
		},
	)

	// upstreamRequests counts upstream calls by status class.
	upstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "parrot_upstream_requests_total",
			Help: "Total upstream requests by status class",
		},
		[]string{"status"}, // "2xx", "4xx", "5xx"
	)

	// upstreamErrors counts transport-level upstream failures.
	upstreamErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parrot_upstream_errors_total",
			Help: "Total upstream transport errors",
		},
	)

	// streamedRequests counts streaming requests that bypassed the cache.
	streamedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "parrot_streamed_requests_total",
			Help: "Total streaming requests relayed without caching",
		},
	)
)

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
