// Package metrics exposes Prometheus instrumentation for the capserve node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatches counts capability dispatches by capability name and outcome.
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capserve_dispatches_total",
		Help: "Capability dispatches by capability and status.",
	}, []string{"capability", "status"})

	// DispatchDuration observes end-to-end dispatch latency.
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capserve_dispatch_duration_seconds",
		Help:    "Dispatch latency from receipt to response.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"capability"})

	// Delegations counts forwarded requests by outcome.
	Delegations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capserve_delegations_total",
		Help: "Delegated dispatches by outcome (forwarded, refused, failed).",
	}, []string{"outcome"})

	// RegistryReplicas tracks the number of currently registered replicas.
	RegistryReplicas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capserve_registry_replicas",
		Help: "Replicas currently registered with this node.",
	})

	// TransportSends counts payload placements by tier (arena, pool, inline).
	TransportSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capserve_transport_sends_total",
		Help: "Payload sends by transport tier.",
	}, []string{"tier"})

	// ObjectBytes accumulates object store traffic by operation.
	ObjectBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capserve_object_bytes_total",
		Help: "Bytes moved through the object store by operation (put, get, fetch).",
	}, []string{"op"})

	// StreamChunks counts streamed response chunks by direction.
	StreamChunks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capserve_stream_chunks_total",
		Help: "Streamed chunks relayed by direction (in, out).",
	}, []string{"direction"})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve blocks serving /metrics on addr.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return http.ListenAndServe(addr, mux)
}
