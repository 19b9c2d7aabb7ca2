// Package metrics exposes Prometheus metrics for the bridge on a
// dedicated listen address.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bridge-wide metrics. Registered on a private registry so tests can
// construct servers without collisions on the global one.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsAccepted prometheus.Counter
	ConnectionsClosed   prometheus.Counter
	FramesRelayed       prometheus.Counter
	ProtocolErrors      prometheus.Counter
	LogEventsWritten    prometheus.Counter
	LogEventsDropped    prometheus.Counter
	TokenRetries        prometheus.Counter
	AttestationRecords  prometheus.Counter
	TransfersTruncated  prometheus.Counter
	WorkloadRestarts    prometheus.Counter
	WorkloadState       prometheus.Gauge
}

// New creates the bridge metric set, namespaced by the service name.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(registry)
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help,
		})
	}

	return &Metrics{
		registry:            registry,
		ConnectionsAccepted: counter("connections_accepted_total", "Transport sessions accepted."),
		ConnectionsClosed:   counter("connections_closed_total", "Transport sessions closed."),
		FramesRelayed:       counter("frames_relayed_total", "Wire messages processed by the relay."),
		ProtocolErrors:      counter("protocol_errors_total", "Malformed or out-of-order wire messages."),
		LogEventsWritten:    counter("log_events_written_total", "Events accepted by the log sink."),
		LogEventsDropped:    counter("log_events_dropped_total", "Events dropped after the token retry."),
		TokenRetries:        counter("sequence_token_retries_total", "Stale sequence token retries."),
		AttestationRecords:  counter("attestation_records_total", "Completed attestation records."),
		TransfersTruncated:  counter("transfers_truncated_total", "Output transfers ended by the line cap."),
		WorkloadRestarts:    counter("workload_restarts_total", "Workload process restarts."),
		WorkloadState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workload_state",
			Help: "Current WorkloadState enum value.",
		}),
	}
}

// Server serves the metric set over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer builds the metrics HTTP server for the given address.
func NewServer(m *Metrics, addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) ListenAndServe() error { return s.srv.ListenAndServe() }

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }
