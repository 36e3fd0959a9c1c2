// Package server implements the HTTP server that exposes the knowledge-base
// retrieval engine via a REST API: query, KB lifecycle, engine state, query
// history, health, and Prometheus metrics.
// The server is started by the `ragkb serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/ragkb-go/internal/engine"
	"github.com/54b3r/ragkb-go/internal/logging"
	"github.com/54b3r/ragkb-go/internal/rag"
	"github.com/54b3r/ragkb-go/internal/store"
)

// historyLimit is the number of records returned by GET /api/history.
const historyLimit = 50

// New constructs a Server from the provided engine and config.
func New(eng *engine.Engine, cfg *Config) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("server: engine must not be nil")
	}
	return newServer(eng, cfg)
}

// newServer is the injectable constructor used by New and by tests.
func newServer(ret retriever, cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}

	s := &Server{
		retriever: ret,
		cfg:       cfg,
		log:       cfg.Logger,
		pingers:   cfg.Pingers,
		metrics:   newServerMetrics(cfg.MetricsRegistry),
		history:   cfg.History,
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, cfg.Logger)
	s.stopRL = stopRL

	if cfg.APIKey == "" {
		s.log.Warn("server: RAGKB_API_KEY not set — API authentication is disabled")
	}

	protected := http.NewServeMux()
	protected.Handle("POST /api/query", s.instrument("query", rl.middleware(http.HandlerFunc(s.handleQuery))))
	protected.Handle("GET /api/kbs", s.instrument("kb_list", http.HandlerFunc(s.handleListKBs)))
	protected.Handle("POST /api/kbs", s.instrument("kb_add", rl.middleware(http.HandlerFunc(s.handleAddKB))))
	protected.Handle("DELETE /api/kbs/{name}", s.instrument("kb_remove", http.HandlerFunc(s.handleRemoveKB)))
	protected.Handle("POST /api/kbs/{name}/activate", s.instrument("kb_activate", http.HandlerFunc(s.handleActivateKB)))
	protected.Handle("GET /api/status", s.instrument("status", http.HandlerFunc(s.handleStatus)))
	protected.Handle("PUT /api/mode", s.instrument("mode", http.HandlerFunc(s.handleSetMode)))
	protected.Handle("PUT /api/enabled", s.instrument("enabled", http.HandlerFunc(s.handleSetEnabled)))
	protected.Handle("GET /api/history", s.instrument("history", http.HandlerFunc(s.handleHistory)))

	mux := http.NewServeMux()
	mux.Handle("/api/", authMiddleware(cfg.APIKey, protected))
	mux.Handle("GET /api/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", s.instrument("ready", http.HandlerFunc(s.handleReady)))
	if cfg.MetricsGatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(cfg.Logger, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleQuery handles POST /api/query. Successful queries are also appended
// to the history store, best-effort.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}

	start := time.Now()
	res, err := s.retriever.Query(r.Context(), req.Query, engine.QueryOptions{Mode: req.Mode})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	s.recordHistory(r.Context(), req, res, time.Since(start))
	writeJSON(w, http.StatusOK, res)
}

// handleListKBs handles GET /api/kbs.
func (s *Server) handleListKBs(w http.ResponseWriter, r *http.Request) {
	infos := s.retriever.ListKBs()
	writeJSON(w, http.StatusOK, kbListResponse{KBs: infos})
}

// handleAddKB handles POST /api/kbs.
func (s *Server) handleAddKB(w http.ResponseWriter, r *http.Request) {
	var req kbAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required", "")
		return
	}

	name, chunks, err := s.retriever.AddKB(r.Context(), req.Path)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, kbAddResponse{Name: name, ChunkCount: chunks})
}

// handleRemoveKB handles DELETE /api/kbs/{name}.
func (s *Server) handleRemoveKB(w http.ResponseWriter, r *http.Request) {
	if err := s.retriever.RemoveKB(r.PathValue("name")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleActivateKB handles POST /api/kbs/{name}/activate.
func (s *Server) handleActivateKB(w http.ResponseWriter, r *http.Request) {
	if err := s.retriever.SwitchKB(r.PathValue("name")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.retriever.Status())
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.retriever.Status())
}

// handleSetMode handles PUT /api/mode.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if err := s.retriever.SetMode(r.Context(), req.Mode); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.retriever.Status())
}

// handleSetEnabled handles PUT /api/enabled.
func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "")
		return
	}
	if err := s.retriever.SetEnabled(r.Context(), req.Enabled); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.retriever.Status())
}

// handleHistory handles GET /api/history.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "query history is disabled", "")
		return
	}
	recs, err := s.history.Recent(r.Context(), historyLimit)
	if err != nil {
		logging.FromContext(r.Context()).Error("server: history read failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "history unavailable", "")
		return
	}

	resp := historyResponse{Queries: make([]historyRecord, 0, len(recs))}
	for _, rec := range recs {
		resp.Queries = append(resp.Queries, historyRecord{
			Query:      rec.Query,
			Mode:       rec.Mode,
			KBNames:    rec.KBNames,
			MatchCount: rec.MatchCount,
			TopScore:   rec.TopScore,
			DurationMS: rec.Duration.Milliseconds(),
			CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recordHistory appends a completed query to the history store. Failures are
// logged and never affect the response.
func (s *Server) recordHistory(ctx context.Context, req queryRequest, res *rag.QueryResult, took time.Duration) {
	if s.history == nil {
		return
	}

	kbNames := res.Metadata.KBMulti
	if res.Metadata.KBSingle != "" {
		kbNames = []string{res.Metadata.KBSingle}
	}
	var topScore float64
	if len(res.Documents) > 0 {
		topScore = res.Documents[0].Score
	}

	rec := store.Record{
		Query:      req.Query,
		Mode:       historyMode(req.Mode, res),
		KBNames:    kbNames,
		MatchCount: res.Metadata.MatchCount,
		TopScore:   topScore,
		Duration:   took,
	}
	if err := s.history.Append(ctx, rec); err != nil {
		s.log.Warn("server: history append failed", slog.Any("error", err))
	}
}

// historyMode resolves the mode recorded in history: the explicit override
// when present, otherwise the mode inferred from the result metadata.
func historyMode(override string, res *rag.QueryResult) string {
	if override != "" {
		return override
	}
	if res.Metadata.KBSingle != "" {
		return "single"
	}
	return "multi"
}

// writeEngineError maps an engine error to an HTTP status and writes the
// JSON error body.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := engine.KindOf(err)
	status := httpStatusFor(kind)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("server: request failed",
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
	}

	var engErr *engine.Error
	msg := err.Error()
	if errors.As(err, &engErr) {
		msg = engErr.Msg
	}
	writeError(w, status, msg, string(kind))
}

// httpStatusFor maps the engine error taxonomy to HTTP status codes.
func httpStatusFor(kind engine.Kind) int {
	switch kind {
	case engine.KindInvalidArgument:
		return http.StatusBadRequest
	case engine.KindNotFound, engine.KindNoRelevantContent:
		return http.StatusNotFound
	case engine.KindAlreadyExists:
		return http.StatusConflict
	case engine.KindDisabled, engine.KindNoActiveKB, engine.KindNoKBLoaded:
		return http.StatusConflict
	case engine.KindCancelled:
		return http.StatusRequestTimeout
	case engine.KindDimensionMismatch, engine.KindEmbeddingFailed:
		return http.StatusBadGateway
	case engine.KindIO:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard JSON error body.
func writeError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}
