// Package metrics exposes Prometheus instrumentation for the session
// terminator on its own listener, separate from the API.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors recorded by the handshake and session paths.
type Metrics struct {
	HandshakesStarted   prometheus.Counter
	HandshakesCompleted prometheus.Counter
	HandshakesFailed    *prometheus.CounterVec
	PendingHandshakes   prometheus.GaugeFunc
	SessionsActive      prometheus.GaugeFunc
	KeyRotations        *prometheus.CounterVec
	StoreDegraded       prometheus.GaugeFunc
}

// MetricsServer serves the Prometheus scrape endpoint.
type MetricsServer struct {
	srv      *http.Server
	registry *prometheus.Registry
}

// New creates a metrics server listening on addr with the given namespace.
// pendingFn, activeFn, and degradedFn are sampled at scrape time.
func New(namespace, addr string, pendingFn, activeFn, degradedFn func() float64) (*MetricsServer, *Metrics, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	m := &Metrics{
		HandshakesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_started_total",
			Help:      "Handshakes opened by a ClientHello.",
		}),
		HandshakesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_completed_total",
			Help:      "Handshakes that produced a session.",
		}),
		HandshakesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_failed_total",
			Help:      "Handshakes aborted before completion, by cause.",
		}, []string{"cause"}),
		KeyRotations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_rotations_total",
			Help:      "Key rotations performed, by key kind.",
		}, []string{"kind"}),
	}

	if pendingFn != nil {
		m.PendingHandshakes = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handshakes_pending",
			Help:      "In-flight handshake states.",
		}, pendingFn)
	}
	if activeFn != nil {
		m.SessionsActive = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Active sessions in the store.",
		}, activeFn)
	}
	if degradedFn != nil {
		m.StoreDegraded = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_store_degraded",
			Help:      "1 while the session store runs on the local fallback.",
		}, degradedFn)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &MetricsServer{
		srv:      &http.Server{Addr: addr, Handler: mux},
		registry: registry,
	}, m, nil
}

// ListenAndServe blocks serving the scrape endpoint.
func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the scrape endpoint.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
