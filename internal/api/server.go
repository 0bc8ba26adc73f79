package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"bitfinex-margin-balancer/internal/database"
)

const defaultQueryLimit = 100

// Server exposes the audit trail and service status over HTTP.
type Server struct {
	server    *http.Server
	store     *database.Store
	logger    *zap.Logger
	startTime time.Time
}

// NewServer creates a report server listening on the given port.
func NewServer(port int, store *database.Store, logger *zap.Logger) *Server {
	s := &Server{
		store:     store,
		logger:    logger.Named("api-server"),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/status", s.statusHandler)
	mux.HandleFunc("/adjustments", s.adjustmentsHandler)
	mux.HandleFunc("/liquidations", s.liquidationsHandler)
	mux.HandleFunc("/snapshots", s.snapshotsHandler)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	return s
}

// Start runs the HTTP server in a new goroutine.
func (s *Server) Start() {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			s.logger.Error("API server failed", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		StartTime string `json:"start_time"`
		Uptime    string `json:"uptime"`
	}{
		StartTime: s.startTime.Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).String(),
	}
	s.writeJSON(w, status)
}

func queryLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 {
			return limit
		}
	}
	return defaultQueryLimit
}

// adjustmentsHandler returns recent margin adjustments, optionally filtered
// by the "symbol" query parameter.
func (s *Server) adjustmentsHandler(w http.ResponseWriter, r *http.Request) {
	adjustments, err := s.store.GetMarginAdjustments(queryLimit(r), r.URL.Query().Get("symbol"))
	if err != nil {
		s.logger.Error("Failed to query adjustments", zap.Error(err))
		http.Error(w, "Failed to query adjustments", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, adjustments)
}

func (s *Server) liquidationsHandler(w http.ResponseWriter, r *http.Request) {
	liquidations, err := s.store.GetLiquidations(queryLimit(r))
	if err != nil {
		s.logger.Error("Failed to query liquidations", zap.Error(err))
		http.Error(w, "Failed to query liquidations", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, liquidations)
}

// snapshotsHandler returns account snapshots taken within the last N hours
// (default 24), controlled by the "hours" query parameter.
func (s *Server) snapshotsHandler(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if h, err := strconv.Atoi(raw); err == nil && h > 0 {
			hours = h
		}
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	snapshots, err := s.store.GetAccountSnapshots(since, queryLimit(r))
	if err != nil {
		s.logger.Error("Failed to query snapshots", zap.Error(err))
		http.Error(w, "Failed to query snapshots", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, snapshots)
}
