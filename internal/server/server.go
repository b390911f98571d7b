package server

import (
	"context"
	"encoding/json"
	"errors"
	"go-flow-proxy/internal/models"
	"go-flow-proxy/internal/proxy"
	"go-flow-proxy/internal/worker"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"
)

// Pinger reports whether the remote execution service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	runner   proxy.RunnerService
	pool     worker.WorkerPoolService
	pinger   Pinger
	inFlight *semaphore.Weighted
	gatherer prometheus.Gatherer
}

type Options struct {
	MaxInFlight int64
	// Gatherer backs /metrics; defaults to the global registry.
	Gatherer prometheus.Gatherer
}

func New(runner proxy.RunnerService, pool worker.WorkerPoolService, pinger Pinger, opts Options) *Server {
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 64
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		runner:   runner,
		pool:     pool,
		pinger:   pinger,
		inFlight: semaphore.NewWeighted(opts.MaxInFlight),
		gatherer: opts.Gatherer,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/windmill", func(r chi.Router) {
		r.Post("/run-flow", s.handleRun(models.KindFlow))
		r.Post("/run-script", s.handleRun(models.KindScript))
		r.Post("/run-batch", s.handleBatch)
	})
	return r
}

type errorBody struct {
	Error   string          `json:"error"`
	Details json.RawMessage `json:"details,omitempty"`
}

type runBody struct {
	Path string         `json:"path"`
	Args map[string]any `json:"args"`
}

func (s *Server) handleRun(kind models.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body runBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
			return
		}
		if body.Path == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "Flow path is required"})
			return
		}

		if err := s.inFlight.Acquire(r.Context(), 1); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "proxy busy"})
			return
		}
		defer s.inFlight.Release(1)

		out, err := s.runner.RunJob(r.Context(), models.JobRequest{Path: body.Path, Args: body.Args, Kind: kind})
		if err != nil {
			writeError(w, err)
			return
		}
		writeRaw(w, http.StatusOK, out)
	}
}

type batchBody struct {
	Jobs []models.JobRequest `json:"jobs"`
}

type batchResult struct {
	Path   string          `json:"path"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errorBody      `json:"error,omitempty"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var body batchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if len(body.Jobs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "at least one job is required"})
		return
	}

	if err := s.inFlight.Acquire(r.Context(), 1); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "proxy busy"})
		return
	}
	defer s.inFlight.Release(1)

	results := s.pool.Run(r.Context(), body.Jobs)
	out := make([]batchResult, len(results))
	for i, res := range results {
		out[i] = batchResult{Path: res.Request.Path, Status: http.StatusOK, Result: res.Output}
		if res.Err != nil {
			status, eb := toErrorBody(res.Err)
			out[i].Status = status
			out[i].Result = nil
			out[i].Error = &eb
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.pinger.Ping(ctx); err != nil {
		slog.Warn("Remote health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func toErrorBody(err error) (int, errorBody) {
	var perr *proxy.Error
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError, errorBody{Error: err.Error()}
	}
	return perr.HTTPStatus(), errorBody{Error: perr.Error(), Details: perr.Details}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := toErrorBody(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Proxy call failed", "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeRaw(w http.ResponseWriter, status int, raw json.RawMessage) {
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()),
		)
	})
}
