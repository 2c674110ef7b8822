// Package api implements the operational HTTP surface: health,
// run status, recent history, and Prometheus metrics. It is read-only;
// run control happens over MQTT or by signaling the process.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gambitbot/gambit/internal/buildinfo"
	"github.com/gambitbot/gambit/internal/checkpoint"
	"github.com/gambitbot/gambit/internal/ledger"
	"github.com/gambitbot/gambit/internal/loop"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// StatsSource provides the loop statistics served by /api/status.
type StatsSource interface {
	Stats() loop.Stats
}

// Server is the operational HTTP server.
type Server struct {
	address string
	port    int
	stats   StatsSource
	ledger  *ledger.Store
	cpstore *checkpoint.Store
	metrics http.Handler
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates an API server. metrics may be nil, in which case
// /metrics returns 404.
func NewServer(address string, port int, stats StatsSource, ldg *ledger.Store, cps *checkpoint.Store, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		stats:   stats,
		ledger:  ldg,
		cpstore: cps,
		metrics: metrics,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the routed handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/turns", s.handleTurns)
	mux.HandleFunc("GET /api/checkpoints", s.handleCheckpoints)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests and blocks until the listener
// fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Gambit",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.stats.Stats()
	turns, err := s.ledger.Count(stats.RunID)
	if err != nil {
		s.logger.Error("count turns", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"run_id":         stats.RunID,
		"seq":            stats.Seq,
		"phase":          stats.Phase,
		"game_state":     stats.ConfirmedTag,
		"invalid_streak": stats.InvalidStreak,
		"model_retries":  stats.ModelRetries,
		"faults":         stats.Faults,
		"ledger_turns":   turns,
		"uptime":         buildinfo.Uptime().String(),
		"version":        buildinfo.Version,
	}, s.logger)
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runID := r.URL.Query().Get("run")
	if runID == "" {
		runID = s.stats.Stats().RunID
	}

	turns, err := s.ledger.Recent(runID, limit)
	if err != nil {
		s.logger.Error("recent turns", "run_id", runID, "error", err)
		http.Error(w, "ledger query failed", http.StatusInternalServerError)
		return
	}

	type turnView struct {
		Seq        int64     `json:"seq"`
		Tag        string    `json:"tag"`
		Decision   string    `json:"decision"`
		Validation string    `json:"validation"`
		Execution  string    `json:"execution"`
		Critique   bool      `json:"critique,omitempty"`
		Timestamp  time.Time `json:"ts"`
	}
	views := make([]turnView, len(turns))
	for i, t := range turns {
		views[i] = turnView{
			Seq:        t.Seq,
			Tag:        t.Tag,
			Decision:   t.Decision,
			Validation: t.Validation,
			Execution:  t.Execution,
			Critique:   t.Critique,
			Timestamp:  t.Timestamp,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"run_id": runID, "turns": views}, s.logger)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := s.cpstore.List(50)
	if err != nil {
		s.logger.Error("list checkpoints", "error", err)
		http.Error(w, "checkpoint query failed", http.StatusInternalServerError)
		return
	}

	type cpView struct {
		ID        string    `json:"id"`
		RunID     string    `json:"run_id"`
		Seq       int64     `json:"seq"`
		Trigger   string    `json:"trigger"`
		ByteSize  int64     `json:"byte_size"`
		CreatedAt time.Time `json:"created_at"`
	}
	views := make([]cpView, len(cps))
	for i, cp := range cps {
		views[i] = cpView{
			ID:        cp.ID,
			RunID:     cp.RunID,
			Seq:       cp.State.Seq,
			Trigger:   string(cp.Trigger),
			ByteSize:  cp.ByteSize,
			CreatedAt: cp.CreatedAt,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"checkpoints": views}, s.logger)
}
