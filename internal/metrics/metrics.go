// Package metrics exposes the prometheus collectors shared by the producer
// and the proxy.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsPublished counts dispatched packets published to the broker,
	// by event type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_events_published_total",
		Help: "Dispatched gateway events published to the broker.",
	}, []string{"type"})

	// ShardStatus tracks each shard's connection state as an integer.
	ShardStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "conduit_shard_status",
		Help: "Current status of each shard.",
	}, []string{"shard"})

	// ProxyRequests counts requests through the REST proxy by how they
	// were resolved.
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conduit_proxy_requests_total",
		Help: "Requests handled by the REST proxy, by disposition.",
	}, []string{"disposition"})

	// ProxyWaits observes how long requests were held before dispatch.
	ProxyWaits = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "conduit_proxy_wait_seconds",
		Help:    "Time requests spent waiting for a ratelimit window.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)

// Handler serves the prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
