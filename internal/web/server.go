// Package web serves gork's public HTTP surface: an HTML form and pages for
// people, and a JSON API for programs.
//
// # Endpoints
//
//	┌────────────────────────┬────────────────────────────────────────────┐
//	│ Route                  │ Behaviour                                  │
//	├────────────────────────┼────────────────────────────────────────────┤
//	│ GET  /                 │ produce form                               │
//	│ POST /produce          │ form key/value → publish → HTML            │
//	│ GET  /consume          │ recent messages → HTML table               │
//	│ GET  /old-messages     │ old messages → HTML table                  │
//	│ POST /api/produce      │ JSON {key, value} → publish → JSON         │
//	│ GET  /api/consume      │ recent messages → JSON {messages}          │
//	│ GET  /api/old-messages │ old messages → JSON {messages}             │
//	└────────────────────────┴────────────────────────────────────────────┘
//
// Publish failures answer 502 (broker) or 500 (client configuration).
// Truncated reads still answer 200; the JSON payload carries "timed_out"
// and "error" fields when applicable.
package web

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/RaikaSurendra/gork/internal/bridge"
	"github.com/RaikaSurendra/gork/internal/kafka"
	"github.com/RaikaSurendra/gork/internal/observability"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Bridge is the set of operations the handlers call into.
type Bridge interface {
	Topic() string
	Produce(ctx context.Context, key, value string) (bridge.ProduceResult, error)
	ConsumeRecent(ctx context.Context) (bridge.ConsumeResult, error)
	ConsumeOld(ctx context.Context) (bridge.ConsumeResult, error)
}

var _ Bridge = (*bridge.Service)(nil)

// Server is the public HTTP server.
type Server struct {
	addr    string
	bridge  Bridge
	limiter *rate.Limiter
	logger  *slog.Logger
	srv     *http.Server
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithRateLimit admits at most rps requests per second (burst of at least
// one) and answers 429 beyond that. Zero disables limiting.
func WithRateLimit(rps float64) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), int(math.Max(1, rps)))
		}
	}
}

// WithWriteTimeout sets the response write timeout. Reads can block for the
// whole retrieval deadline, so this must exceed it; zero disables the timeout.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.srv.WriteTimeout = d
	}
}

// NewServer creates the public HTTP server.
func NewServer(addr string, b Bridge, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		addr:   addr,
		bridge: b,
		logger: logger.With("component", "web"),
	}

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	s.handle(mux, "GET /{$}", s.handleIndex)
	s.handle(mux, "POST /produce", s.handleProduceForm)
	s.handle(mux, "GET /consume", s.handleConsumePage(s.bridge.ConsumeRecent, "Recent messages"))
	s.handle(mux, "GET /old-messages", s.handleConsumePage(s.bridge.ConsumeOld, "Old messages"))
	s.handle(mux, "POST /api/produce", s.handleProduceAPI)
	s.handle(mux, "GET /api/consume", s.handleConsumeAPI(s.bridge.ConsumeRecent))
	s.handle(mux, "GET /api/old-messages", s.handleConsumeAPI(s.bridge.ConsumeOld))
	return mux
}

// handle registers h behind rate limiting, metrics and request logging.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()

		if s.limiter != nil && !s.limiter.Allow() {
			s.rejectRateLimited(rec, pattern)
		} else {
			h(rec, r)
		}

		observability.Metrics.HTTPRequestsTotal.WithLabelValues(pattern, strconv.Itoa(rec.code)).Inc()
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", time.Since(start),
		)
	})
}

// rejectRateLimited answers 429 in the format of the route: JSON for the API,
// the index page with an error for browser routes.
func (s *Server) rejectRateLimited(w http.ResponseWriter, pattern string) {
	const msg = "rate limit exceeded, try again shortly"
	if isAPIRoute(pattern) {
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: msg})
		return
	}
	s.render(w, http.StatusTooManyRequests, "index.html", indexPage{Topic: s.bridge.Topic(), Error: msg})
}

func isAPIRoute(pattern string) bool {
	_, path, _ := strings.Cut(pattern, " ")
	return strings.HasPrefix(path, "/api/")
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start begins listening for HTTP requests. Blocks until the context is
// cancelled, then gracefully shuts down the server.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("web server starting", "addr", s.addr)

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down web server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

// statusCode maps a bridge error to an HTTP status.
func statusCode(err error) int {
	if errors.Is(err, kafka.ErrConfig) {
		return http.StatusInternalServerError
	}
	var pubErr *kafka.PublishError
	if errors.As(err, &pubErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}
