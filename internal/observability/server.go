// Package observability provides the HTTP server for health checks and
// Prometheus metrics endpoints.
//
// # Endpoints
//
//   - GET /healthz: Returns 200 while the process is running.
//   - GET /readyz: Returns 200 once the public HTTP listener is served and
//     every registered readiness check passes; 503 with the failing checks
//     otherwise.
//   - GET /metrics: Prometheus metrics in text exposition format.
//
// # Custom Metrics
//
//	┌──────────────────────────────────┬─────────┬──────────────────────────────────────┐
//	│ Metric Name                      │ Type    │ Description                          │
//	├──────────────────────────────────┼─────────┼──────────────────────────────────────┤
//	│ gork_publish_total               │ Counter │ Publish attempts by result           │
//	│ gork_publish_duration_seconds    │ Hist    │ Time from produce to broker ack      │
//	│ gork_poll_total                  │ Counter │ Bounded polls by exit outcome        │
//	│ gork_poll_records_total          │ Counter │ Records returned by bounded polls    │
//	│ gork_poll_duration_seconds       │ Hist    │ Wall time of a bounded poll          │
//	│ gork_client_open_total           │ Counter │ Kafka clients constructed, by role   │
//	│ gork_client_close_total          │ Counter │ Kafka clients closed, by role        │
//	│ gork_http_requests_total         │ Counter │ Public HTTP requests by route/status │
//	└──────────────────────────────────┴─────────┴──────────────────────────────────────┘
//
// # Usage
//
//	srv := observability.NewServer(":9090", logger)
//	srv.AddCheck("kafka_properties", func() error { ... })
//	go srv.Start(ctx)
//	srv.SetReady(true)
package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ----- Prometheus Metrics -----

// Metrics holds all Prometheus metrics used by gork.
// Using promauto for automatic registration with the default registry.
var Metrics = struct {
	// Publish metrics
	PublishTotal    *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec

	// Poll metrics
	PollTotal        *prometheus.CounterVec
	PollRecordsTotal *prometheus.CounterVec
	PollDuration     *prometheus.HistogramVec

	// Client lifecycle metrics
	ClientOpenTotal  *prometheus.CounterVec
	ClientCloseTotal *prometheus.CounterVec

	// Public HTTP metrics
	HTTPRequestsTotal *prometheus.CounterVec
}{
	PublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gork_publish_total",
		Help: "Total number of publish attempts by result.",
	}, []string{"topic", "result"}),

	PublishDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gork_publish_duration_seconds",
		Help:    "Time from produce to broker acknowledgement.",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"}),

	PollTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gork_poll_total",
		Help: "Total number of bounded polls by exit outcome.",
	}, []string{"policy", "outcome"}),

	PollRecordsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gork_poll_records_total",
		Help: "Total number of records returned by bounded polls.",
	}, []string{"policy"}),

	PollDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gork_poll_duration_seconds",
		Help:    "Wall time of a bounded poll, including client setup and teardown.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30, 60},
	}, []string{"policy"}),

	ClientOpenTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gork_client_open_total",
		Help: "Total number of Kafka clients constructed.",
	}, []string{"role"}),

	ClientCloseTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gork_client_close_total",
		Help: "Total number of Kafka clients closed.",
	}, []string{"role"}),

	HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gork_http_requests_total",
		Help: "Total number of public HTTP requests by route and status code.",
	}, []string{"route", "code"}),
}

// ----- Health/Readiness Server -----

// ReadinessCheck reports why gork cannot serve traffic, or nil when it can.
type ReadinessCheck func() error

// Server exposes /healthz, /readyz and /metrics. Readiness requires both the
// ready flag and every registered check to pass.
type Server struct {
	addr   string
	ready  atomic.Bool
	logger *slog.Logger
	srv    *http.Server

	mu     sync.RWMutex
	checks map[string]ReadinessCheck
}

type readyStatus struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewServer creates the observability HTTP server.
func NewServer(addr string, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		logger: logger.With("component", "observability"),
		checks: make(map[string]ReadinessCheck),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// AddCheck registers a named readiness check. A later check with the same
// name replaces the earlier one.
func (s *Server) AddCheck(name string, check ReadinessCheck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks[name] = check
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("observability server starting", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("observability server: %w", err)
	}
	return nil
}

// SetReady flips the ready flag. gork sets it once the web listener is being
// served and clears it when a run ends or reloads.
func (s *Server) SetReady(ready bool) {
	if s.ready.Swap(ready) != ready {
		s.logger.Info("readiness state changed", "ready", ready)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, readyStatus{Status: "healthy"})
}

// handleReady answers 200 when ready, otherwise 503 with the failing checks.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := readyStatus{Status: "ready"}

	s.mu.RLock()
	for name, check := range s.checks {
		if err := check(); err != nil {
			if status.Checks == nil {
				status.Checks = make(map[string]string)
			}
			status.Checks[name] = err.Error()
		}
	}
	s.mu.RUnlock()

	if !s.ready.Load() || status.Checks != nil {
		status.Status = "not_ready"
		writeStatus(w, http.StatusServiceUnavailable, status)
		return
	}
	writeStatus(w, http.StatusOK, status)
}

func writeStatus(w http.ResponseWriter, code int, status readyStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
