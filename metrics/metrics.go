// Package metrics exposes Prometheus metrics for the gateway on a dedicated
// listener, separate from the API server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts pipeline operations by name and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_operations_total",
		Help: "Pipeline operations by operation name and terminal outcome.",
	}, []string{"operation", "outcome"})

	// OperationDuration observes end-to-end pipeline latency per operation.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_operation_duration_seconds",
		Help:    "End-to-end pipeline duration per operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// BackendRequests counts KMS backend HTTP calls by endpoint and status class.
	BackendRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backend_requests_total",
		Help: "KMS backend HTTP requests by endpoint and status class.",
	}, []string{"endpoint", "status"})

	// RevocationLookups counts revocation oracle lookups by result.
	RevocationLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_revocation_lookups_total",
		Help: "Revocation oracle lookups by result (ok, revoked, error).",
	}, []string{"result"})
)

// MetricsServer serves the Prometheus registry over HTTP.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr. The service name is kept
// for parity with log tagging; the default registry is shared process-wide.
func New(service, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
