// Package server exposes the engine over HTTP: synchronous command
// intake, a live progress WebSocket, and the user-memory endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/engine"
	"github.com/xkilldash9x/webpilot/internal/memory"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server is the HTTP surface over a task manager and memory store.
type Server struct {
	cfg      config.ServerConfig
	manager  *engine.Manager
	memory   *memory.SQLiteStore
	logger   *zap.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

func New(cfg config.ServerConfig, manager *engine.Manager, store *memory.SQLiteStore, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		manager: manager,
		memory:  store,
		logger:  logger.Named("server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Single-operator local tool; origin checks add nothing here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the handler mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleHealth)
	mux.HandleFunc("POST /api/execute", s.handleExecute)
	mux.HandleFunc("GET /ws/live", s.handleLive)
	mux.HandleFunc("GET /api/memory/{user_id}", s.handleGetMemory)
	mux.HandleFunc("POST /api/memory/{user_id}", s.handleSaveMemory)
	mux.HandleFunc("GET /api/history/{user_id}", s.handleHistory)
	return mux
}

// ListenAndServe runs until ctx is canceled, then drains gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.cfg.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.manager.Wait()
	return <-errCh
}

// -- handlers --

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "webpilot"})
}

// executeRequest is the command-intake payload.
type executeRequest struct {
	Command string `json:"command"`
	Mode    string `json:"mode"`
	UserID  string `json:"user_id"`
}

func (r executeRequest) goal() schemas.Goal {
	mode := schemas.Mode(r.Mode)
	if mode != schemas.ModeAutonomous {
		mode = schemas.ModeGuided
	}
	return schemas.Goal{Objective: r.Command, Mode: mode, UserID: r.UserID}
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	report, err := s.manager.Run(r.Context(), req.goal())
	if err != nil {
		s.logger.Warn("Execute request failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// handleLive upgrades to WebSocket, reads one command frame, and streams
// the task's progress events until the terminal frame.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var req executeRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(schemas.Event{Type: schemas.EventError, Message: "invalid command frame"})
		return
	}
	if req.Command == "" {
		_ = conn.WriteJSON(schemas.Event{Type: schemas.EventError, Message: "command is required"})
		return
	}

	taskID, stream, err := s.manager.Start(r.Context(), req.goal())
	if err != nil {
		_ = conn.WriteJSON(schemas.Event{Type: schemas.EventError, Message: err.Error()})
		return
	}
	s.logger.Info("Live task started", zap.String("task_id", taskID))

	for ev := range stream.Events() {
		if err := conn.WriteJSON(ev); err != nil {
			s.logger.Debug("Live client went away", zap.String("task_id", taskID), zap.Error(err))
			// Drain so the task is not blocked on a dead consumer.
			for range stream.Events() {
			}
			return
		}
	}
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.writeError(w, http.StatusNotImplemented, "memory store not configured")
		return
	}
	prefs, err := s.memory.GetUserContext(r.Context(), r.PathValue("user_id"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

type savePreferenceRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleSaveMemory(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.writeError(w, http.StatusNotImplemented, "memory store not configured")
		return
	}
	var req savePreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		s.writeError(w, http.StatusBadRequest, "key and value are required")
		return
	}
	if err := s.memory.SavePreference(r.Context(), r.PathValue("user_id"), req.Key, req.Value); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		s.writeError(w, http.StatusNotImplemented, "memory store not configured")
		return
	}
	entries, err := s.memory.GetHistory(r.Context(), r.PathValue("user_id"), 20)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []memory.HistoryEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// -- helpers --

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Response encoding failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
