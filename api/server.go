// Package api is the HTTP surface of the execution backbone: predictions
// (streamed over server-sent events or answered synchronously), aborts,
// checkpoint inspection and queue administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/flowexec/runtime/distributed"
	"github.com/PipeOpsHQ/flowexec/runtime/queue"
	"github.com/PipeOpsHQ/flowexec/state"
	"github.com/PipeOpsHQ/flowexec/stream"
)

const (
	defaultAddr        = ":8080"
	defaultWaitTimeout = 5 * time.Minute
	defaultListLimit   = 50
	maxListLimit       = 1000
	maxBodyBytes       = 1 << 20
)

// HTTPMetrics records one served request.
type HTTPMetrics interface {
	RecordHTTPRequest(method, route string, status int, duration time.Duration)
}

// FlowLister reports the flows this deployment can run.
type FlowLister interface {
	Flows() []string
}

type Config struct {
	Addr        string
	Coordinator distributed.Coordinator
	Saver       state.Saver
	Flows       FlowLister

	// Hub and Subscriber serve streaming predictions. Without them every
	// prediction is answered synchronously.
	Hub        *stream.Hub
	Subscriber stream.Subscriber

	Metrics HTTPMetrics
	// MetricsHandler is mounted at MetricsPath when set.
	MetricsHandler http.Handler
	MetricsPath    string

	CORSOrigins  []string
	WaitTimeout  time.Duration
	ShutdownWait time.Duration
	Logger       *zap.Logger
}

type Server struct {
	cfg     Config
	router  *mux.Router
	handler http.Handler
	http    *http.Server
	logger  *zap.Logger
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	if cfg.ShutdownWait <= 0 {
		cfg.ShutdownWait = 30 * time.Second
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		logger: logger.With(zap.String("component", "api")),
	}
	s.registerRoutes()

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	})
	s.handler = otelhttp.NewHandler(corsHandler.Handler(s.router), "flowexec.http",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + routeTemplate(r)
		}),
	)
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(s.instrument)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.MetricsHandler != nil {
		r.Handle(s.cfg.MetricsPath, s.cfg.MetricsHandler).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/flows", s.handleFlows).Methods(http.MethodGet)
	v1.HandleFunc("/prediction/{flowId}", s.handlePrediction).Methods(http.MethodPost)
	v1.HandleFunc("/abort/{flowId}/{chatId}", s.handleAbort).Methods(http.MethodPost)

	v1.HandleFunc("/checkpoints/{threadId}", s.handleCheckpoint).Methods(http.MethodGet)
	v1.HandleFunc("/checkpoints/{threadId}/history", s.handleCheckpointHistory).Methods(http.MethodGet)
	v1.HandleFunc("/checkpoints/{threadId}", s.handleCheckpointClear).Methods(http.MethodDelete)

	v1.HandleFunc("/queue/counts", s.handleQueueCounts).Methods(http.MethodGet)
	v1.HandleFunc("/queue/jobs", s.handleQueueJobs).Methods(http.MethodGet)
	v1.HandleFunc("/queue/failed", s.handleQueueFailed).Methods(http.MethodGet)
	v1.HandleFunc("/queue/events", s.handleQueueEvents).Methods(http.MethodGet)
	v1.HandleFunc("/queue", s.handleQueuePurge).Methods(http.MethodDelete)
}

// Handler returns the fully wrapped handler (tracing, CORS, routing).
func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}

// ListenAndServe serves until ctx is done, then drains in-flight requests
// for at most the configured shutdown wait.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	s.logger.Info("http server listening", zap.String("addr", s.cfg.Addr))

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, stopping http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownWait)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown error", zap.Error(err))
		}
		s.logger.Info("http server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleFlows(w http.ResponseWriter, _ *http.Request) {
	flows := []string{}
	if s.cfg.Flows != nil {
		flows = append(flows, s.cfg.Flows.Flows()...)
		slices.Sort(flows)
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": flows})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.cfg.Coordinator.Abort(r.Context(), vars["flowId"], vars["chatId"]); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "aborted", "flowId": vars["flowId"], "chatId": vars["chatId"]})
}

func (s *Server) handleQueueCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.cfg.Coordinator.Counts(r.Context())
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleQueueJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.cfg.Coordinator.ListJobs(r.Context(), listLimit(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": nonNil(jobs)})
}

func (s *Server) handleQueueFailed(w http.ResponseWriter, r *http.Request) {
	failed, err := s.cfg.Coordinator.ListFailed(r.Context(), listLimit(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"failed": nonNil(failed)})
}

func (s *Server) handleQueueEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.cfg.Coordinator.ListEvents(r.Context(), listLimit(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func (s *Server) handleQueuePurge(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Coordinator.Purge(r.Context()); err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": queue.StatusPurged})
}

// instrument records the request against its route template.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordHTTPRequest(r.Method, routeTemplate(r), rec.status, time.Since(start))
		}
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}

// writeFailure maps err onto a status code and a JSON error body.
func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrInvalidJob), errors.Is(err, state.ErrThreadMissing):
		return http.StatusBadRequest
	case errors.Is(err, state.ErrNotFound), errors.Is(err, queue.ErrJobNotFound), errors.Is(err, errUnknownFlow):
		return http.StatusNotFound
	case distributed.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func listLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultListLimit
	}
	return min(n, maxListLimit)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
