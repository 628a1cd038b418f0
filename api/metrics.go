// Package api provides Prometheus metrics for the fabric router.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a router.
type Metrics struct {
	// Router counters, mirrored from the router's flush cycle
	RouterCounters *prometheus.CounterVec

	// Dispatch metrics
	DispatchLatency prometheus.Histogram
	MessageSize     prometheus.Histogram

	// State gauges
	PeerCacheSize  prometheus.Gauge
	RulesInstalled prometheus.Gauge
	SocketsOpen    prometheus.Gauge
}

// NewMetrics creates a Metrics instance under namespace, registered with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RouterCounters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "events_total",
			Help:      "Router counters by name, accumulated across flush intervals",
		}, []string{"counter"}),

		DispatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dispatch_latency_seconds",
			Help:      "Time spent dispatching one inbound message",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		}),
		MessageSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "message_bytes",
			Help:      "Size of inbound envelope plus payload in bytes",
			Buckets:   prometheus.ExponentialBuckets(128, 4, 8),
		}),

		PeerCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "peer_cache_size",
			Help:      "Number of agents with a learned reply path",
		}),
		RulesInstalled: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "rules_installed",
			Help:      "Number of routing rules across all source sockets",
		}),
		SocketsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "sockets_open",
			Help:      "Number of sockets registered with the router",
		}),
	}
}

// RecordCounter adds a flushed router counter value.
func (m *Metrics) RecordCounter(name string, value int64) {
	if value <= 0 {
		return
	}
	m.RouterCounters.WithLabelValues(name).Add(float64(value))
}

// RecordDispatch records one dispatched message.
func (m *Metrics) RecordDispatch(size int, duration time.Duration) {
	m.MessageSize.Observe(float64(size))
	m.DispatchLatency.Observe(duration.Seconds())
}

// UpdateState updates the router state gauges.
func (m *Metrics) UpdateState(peers, rules, sockets int) {
	m.PeerCacheSize.Set(float64(peers))
	m.RulesInstalled.Set(float64(rules))
	m.SocketsOpen.Set(float64(sockets))
}

// MetricsServer runs an HTTP server exposing /metrics endpoint.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a new metrics server on the given address serving
// metrics from gatherer. A nil gatherer serves the default registry.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *MetricsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server (blocking).
func (s *MetricsServer) Start() error {
	return s.server.ListenAndServe()
}

// StartAsync starts the metrics server in a goroutine. Errors other than a
// normal shutdown are passed to onErr when it is non-nil.
func (s *MetricsServer) StartAsync(onErr func(error)) {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed && onErr != nil {
			onErr(err)
		}
	}()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
