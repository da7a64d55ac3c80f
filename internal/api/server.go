package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/config"
	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/output/jsonl"
	"github.com/JakeFAU/sitecrawler/internal/report"
	"github.com/JakeFAU/sitecrawler/internal/session"
)

const (
	requestTimeout = 60 * time.Second
	readyTimeout   = 3 * time.Second
)

// Sessions is the registry the control surface drives.
type Sessions interface {
	Start(seedURL string, maxDepth int) (session.Status, error)
	Stop(id string) (bool, error)
	Status(id string) (session.Status, error)
	List() []session.Status
	Results(id string) ([]any, error)
}

// RecordFeed delivers records live as sessions emit them.
type RecordFeed interface {
	Subscribe(buffer int) (<-chan crawler.Record, func())
}

// RecordSource returns every record a session has emitted, in order.
type RecordSource interface {
	Records(sessionID string) []crawler.Record
}

// FileLocator maps a session to its downloadable record file.
type FileLocator interface {
	Path(sessionID string) (string, error)
}

// Deps are the collaborators behind the HTTP handlers. Everything except
// Sessions is optional.
type Deps struct {
	Sessions Sessions
	Feed     RecordFeed
	Records  RecordSource
	Files    FileLocator
	Metrics  http.Handler
	Ready    func(ctx context.Context) error
	// Instrument wraps every request, typically to record request metrics.
	Instrument func(http.Handler) http.Handler
}

// Server wires HTTP handlers to the session registry.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger

	streamCtx    context.Context
	cancelStream context.CancelFunc
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		deps:         deps,
		cfg:          cfg,
		logger:       logger,
		streamCtx:    streamCtx,
		cancelStream: cancel,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	if deps.Instrument != nil {
		r.Use(deps.Instrument)
	}
	r.Use(recoverMiddleware(logger))
	if len(cfg.CORS.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORS.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"X-Request-ID", "Content-Disposition"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", deps.Metrics)
	// Streams hijack the connection and must stay outside the timeout handler.
	r.Get("/logs", s.streamLogs)

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		r.Post("/start", s.startCrawl)
		r.Post("/stop", s.stopCrawl)
		r.Get("/status", s.status)
		r.Get("/sessions", s.listSessions)
		r.Get("/results", s.results)
		r.Get("/download", s.download)
		r.Get("/report", s.report)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close ends open log streams. http.Server.Shutdown does not track hijacked
// connections, so callers close the Server alongside it.
func (s *Server) Close() {
	s.cancelStream()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRequest struct {
	URL      string `json:"url"`
	MaxDepth *int   `json:"max_depth"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	maxDepth := s.cfg.Crawler.MaxDepth
	if req.MaxDepth != nil {
		maxDepth = *req.MaxDepth
	}
	if maxDepth < 0 {
		writeError(w, http.StatusBadRequest, "max_depth must be >= 0")
		return
	}
	st, err := s.deps.Sessions.Start(req.URL, maxDepth)
	switch {
	case errors.Is(err, session.ErrTooManySessions):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, crawler.ErrInvalidURL):
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) url")
		return
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("start crawl failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start crawl")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message":    "crawl started",
		"session_id": st.ID,
		"url":        st.SeedURL,
		"max_depth":  st.MaxDepth,
	})
}

func (s *Server) stopCrawl(w http.ResponseWriter, r *http.Request) {
	id := sessionParam(r)
	stopped, err := s.deps.Sessions.Stop(id)
	if errors.Is(err, session.ErrNotFound) && id != "" {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !stopped {
		writeJSON(w, http.StatusOK, map[string]string{"message": "no active crawl to stop"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "stop signal sent"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Sessions.Status(sessionParam(r))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.deps.Sessions.List()})
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Sessions.Results(sessionParam(r))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		writeError(w, http.StatusNotFound, "record file not found")
		return
	}
	st, err := s.deps.Sessions.Status(sessionParam(r))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	if st.ID == "" {
		writeError(w, http.StatusNotFound, "record file not found")
		return
	}
	path, err := s.deps.Files.Path(st.ID)
	if err != nil {
		if !errors.Is(err, jsonl.ErrNoFile) {
			s.logger.Error("locate record file failed", zap.String("session_id", st.ID), zap.Error(err))
		}
		writeError(w, http.StatusNotFound, "record file not found")
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "crawl-"+filepath.Base(path)))
	http.ServeFile(w, r, path)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "reports unavailable")
		return
	}
	format, err := report.ParseFormat(strings.TrimSpace(r.URL.Query().Get("format")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.deps.Sessions.Status(sessionParam(r))
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	if st.ID == "" {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var buf bytes.Buffer
	summary := report.Summarize(st.Snapshot, s.deps.Records.Records(st.ID))
	if err := report.Write(&buf, format, summary); err != nil {
		s.logger.Error("render report failed", zap.String("session_id", st.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "render report failed")
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	if format == report.FormatXLSX {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "crawl-"+st.ID+"."+format.Extension()))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.logger.Error("session lookup failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "session lookup failed")
}

func sessionParam(r *http.Request) string {
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", requestID(r.Context())),
						zap.Any("error", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		rw.status = http.StatusSwitchingProtocols
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
