// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package api provides the HTTP surface over the dispatcher: run
// submission, inspection, cancellation, DLQ operations, capability
// introspection, metrics, and health.
package api

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/dispatch/internal/dispatcher"
	"github.com/tombee/dispatch/internal/dlq"
	"github.com/tombee/dispatch/internal/ledger"
	"github.com/tombee/dispatch/internal/log"
	"github.com/tombee/dispatch/pkg/errors"
	"github.com/tombee/dispatch/pkg/work"
)

// ServerConfig holds metadata reported by the capabilities endpoint.
type ServerConfig struct {
	Version       string
	LedgerBackend string
}

// Server wires the HTTP routes.
type Server struct {
	mux        *http.ServeMux
	dispatcher *dispatcher.Dispatcher
	dlq        *dlq.Manager
	cfg        ServerConfig
	logger     *slog.Logger
}

// NewServer creates the API server. The DLQ manager may be nil when the DLQ
// is disabled; its routes then return 404.
func NewServer(d *dispatcher.Dispatcher, dlqManager *dlq.Manager, metricsHandler http.Handler, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:        http.NewServeMux(),
		dispatcher: d,
		dlq:        dlqManager,
		cfg:        cfg,
		logger:     log.WithComponent(logger, "api"),
	}

	s.mux.HandleFunc("POST /v1/runs", s.handleSubmit)
	s.mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /v1/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /v1/runs/{id}/events", s.handleGetEvents)
	s.mux.HandleFunc("POST /v1/runs/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	if dlqManager != nil {
		s.mux.HandleFunc("GET /v1/dlq", s.handleListDLQ)
		s.mux.HandleFunc("GET /v1/dlq/{id}", s.handleGetDLQ)
		s.mux.HandleFunc("POST /v1/dlq/{id}/reprocess", s.handleReprocessDLQ)
	}
	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var spec work.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, errors.NewValidation("body", "invalid JSON: "+err.Error()))
		return
	}
	if spec.TriggerSource == "" {
		spec.TriggerSource = work.TriggerAPI
	}

	runID, err := s.dispatcher.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	rec, err := s.dispatcher.GetRun(r.Context(), runID)
	status := ""
	if err == nil {
		status = string(rec.Status)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": runID,
		"status": status,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.dispatcher.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := &ledger.Filter{
		Name:          q.Get("name"),
		Lane:          q.Get("lane"),
		ParentRunID:   q.Get("parent_run_id"),
		CorrelationID: q.Get("correlation_id"),
		Limit:         intQuery(q.Get("limit"), 100),
		Offset:        intQuery(q.Get("offset"), 0),
	}
	if kind := q.Get("kind"); kind != "" {
		f.Kind = work.Kind(kind)
	}
	if status := q.Get("status"); status != "" {
		f.Status = []work.Status{work.Status(status)}
	}

	runs, err := s.dispatcher.ListRuns(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.dispatcher.GetRun(r.Context(), runID); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	events, err := s.dispatcher.GetEvents(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.dispatcher.Cancel(r.Context(), runID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	rec, err := s.dispatcher.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"status": rec.Status,
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	reg := s.dispatcher.Registry()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        s.cfg.Version,
		"ledger_backend": s.cfg.LedgerBackend,
		"task_handlers":  reg.List(work.KindTask),
		"pipelines":      reg.List(work.KindPipeline),
		"dlq_enabled":    s.dlq != nil,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reports := s.dispatcher.Health(r.Context())
	healthy := true
	for _, report := range reports {
		if !report.Healthy {
			healthy = false
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":   healthy,
		"executors": reports,
		"time":      time.Now().UTC(),
	})
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.dlq.List(r.Context(), &ledger.DLQFilter{
		Reason:   q.Get("reason"),
		SpecName: q.Get("name"),
		Limit:    intQuery(q.Get("limit"), 100),
		Offset:   intQuery(q.Get("offset"), 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleGetDLQ(w http.ResponseWriter, r *http.Request) {
	entry, err := s.dlq.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleReprocessDLQ(w http.ResponseWriter, r *http.Request) {
	runID, err := s.dlq.Reprocess(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID})
}

// statusFor maps error categories to HTTP status codes.
func statusFor(err error) int {
	switch errors.CategoryOf(err) {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryHandlerNotFound:
		return http.StatusNotFound
	case errors.CategoryHandlerConflict, errors.CategoryConcurrencyConflict:
		return http.StatusConflict
	case errors.CategoryRateLimited, errors.CategoryCircuitOpen:
		return http.StatusTooManyRequests
	case errors.CategoryExecutorUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders the structured error body {error: {code, message}}.
func writeError(w http.ResponseWriter, status int, err error) {
	code := string(errors.CategoryInternal)
	message := err.Error()
	var classified *errors.Error
	if stderrors.As(err, &classified) {
		code = string(classified.Category)
		message = classified.Message
	}

	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func intQuery(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
