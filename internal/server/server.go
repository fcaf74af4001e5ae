/*
 * Sandbox VM Manager - HTTP Server
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quartzcloud/sandboxd/internal/config"
	svcerrors "github.com/quartzcloud/sandboxd/internal/errors"
	"github.com/quartzcloud/sandboxd/internal/lifecycle"
	"github.com/quartzcloud/sandboxd/internal/logger"
	"github.com/quartzcloud/sandboxd/internal/middleware"
	"github.com/quartzcloud/sandboxd/internal/models"
	"github.com/quartzcloud/sandboxd/internal/monitoring"
)

// Server represents the HTTP server
type Server struct {
	config     *config.Config
	logger     *logger.Logger
	ctrl       *lifecycle.Controller
	monitoring *monitoring.Proxy
	server     *http.Server
	startedAt  time.Time
}

// New creates a new server instance. The monitoring proxy may be nil when no
// Prometheus backend is configured.
func New(cfg *config.Config, log *logger.Logger, ctrl *lifecycle.Controller, mon *monitoring.Proxy) *Server {
	return &Server{
		config:     cfg,
		logger:     log,
		ctrl:       ctrl,
		monitoring: mon,
		startedAt:  time.Now(),
	}
}

// Router builds the route table. Split out from Start so tests can drive the
// handlers through httptest.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.RecoveryMiddleware())
	r.Use(middleware.LoggingMiddleware())
	r.Use(middleware.CORSMiddleware())

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/vms", s.handleCreateVM).Methods("POST")
	api.HandleFunc("/vms", s.handleListVMs).Methods("GET")
	api.HandleFunc("/vms/suspended", s.handleListSuspended).Methods("GET")
	api.HandleFunc("/vms/{id}", middleware.ValidateVMIDMiddleware(s.handleGetVM)).Methods("GET")
	api.HandleFunc("/vms/{id}", middleware.ValidateVMIDMiddleware(s.handleDeleteVM)).Methods("DELETE")
	api.HandleFunc("/vms/{id}/actions/{action}", middleware.ValidateVMIDMiddleware(s.handleAction)).Methods("POST")
	api.HandleFunc("/vms/{id}/activity", middleware.ValidateVMIDMiddleware(s.handleActivity)).Methods("POST")
	api.HandleFunc("/vms/{id}/events", middleware.ValidateVMIDMiddleware(s.handleEvents)).Methods("GET")
	api.HandleFunc("/vms/{id}/connection", middleware.ValidateVMIDMiddleware(s.handleConnection)).Methods("GET")
	api.HandleFunc("/vms/{id}/metrics/{kind}", middleware.ValidateVMIDMiddleware(s.handleVMMetrics)).Methods("GET")

	r.HandleFunc("/health", s.handleHealthCheck).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.config.Host + ":" + s.config.Port,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.WithFields(logger.Fields{
		"host": s.config.Host,
		"port": s.config.Port,
	}).Info("Starting sandboxd server")

	return s.server.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping server")
	return s.server.Shutdown(ctx)
}

// Handler functions

func (s *Server) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req models.CreateVMRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendErrorResponse(w, "Invalid request body", string(svcerrors.ErrTypeValidation), http.StatusBadRequest)
		return
	}

	rec, err := s.ctrl.Create(r.Context(), req.ProjectID, req.ToDescriptor())
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	s.logger.WithVM(rec.ID).WithField("project_id", rec.ProjectID).Info("VM created")
	s.sendSuccessResponse(w, rec, http.StatusCreated)
}

func (s *Server) handleListVMs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.ctrl.List(r.Context())
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendSuccessResponse(w, recs, http.StatusOK)
}

func (s *Server) handleListSuspended(w http.ResponseWriter, r *http.Request) {
	recs, err := s.ctrl.ListSuspended(r.Context())
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendSuccessResponse(w, recs, http.StatusOK)
}

func (s *Server) handleGetVM(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.ctrl.Get(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendSuccessResponse(w, rec, http.StatusOK)
}

func (s *Server) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.ctrl.Transition(r.Context(), id, models.ActionDelete, models.ActorUser)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendSuccessResponse(w, rec, http.StatusOK)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	action, ok := models.ParseAction(vars["action"])
	if !ok {
		s.sendErrorResponse(w, "Unknown lifecycle action", string(svcerrors.ErrTypeValidation), http.StatusBadRequest)
		return
	}

	rec, err := s.ctrl.Transition(r.Context(), id, action, models.ActorUser)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendSuccessResponse(w, rec, http.StatusAccepted)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ctrl.RecordActivity(r.Context(), id); err != nil {
		s.sendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := s.ctrl.Events(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendSuccessResponse(w, events, http.StatusOK)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := s.ctrl.Connection(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendSuccessResponse(w, conn, http.StatusOK)
}

func (s *Server) handleVMMetrics(w http.ResponseWriter, r *http.Request) {
	if s.monitoring == nil {
		s.sendErrorResponse(w, "No monitoring backend configured", string(svcerrors.ErrTypeNotFound), http.StatusNotFound)
		return
	}

	vars := mux.Vars(r)
	rec, err := s.ctrl.Get(r.Context(), vars["id"])
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	if rec.State == models.StateDeleted {
		s.sendErrorResponse(w, "VM is deleted", string(svcerrors.ErrTypeInvalidState), http.StatusConflict)
		return
	}

	end := time.Now()
	start := end.Add(-time.Hour)
	if raw := r.URL.Query().Get("hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			s.sendErrorResponse(w, "hours must be a positive integer", string(svcerrors.ErrTypeValidation), http.StatusBadRequest)
			return
		}
		start = end.Add(-time.Duration(hours) * time.Hour)
	}

	value, err := s.monitoring.QueryRange(r.Context(), rec.InstanceID, vars["kind"], start, end)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendSuccessResponse(w, value, http.StatusOK)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	recs, err := s.ctrl.List(r.Context())
	if err != nil {
		s.sendServiceError(w, err)
		return
	}

	active, suspended := 0, 0
	for _, rec := range recs {
		switch rec.State {
		case models.StateActive:
			active++
		case models.StateShelved:
			suspended++
		}
	}

	health := models.HealthCheckResponse{
		Status:       "healthy",
		TotalVMs:     len(recs),
		ActiveVMs:    active,
		SuspendedVMs: suspended,
		Uptime:       time.Since(s.startedAt).Round(time.Second).String(),
	}
	s.sendSuccessResponse(w, health, http.StatusOK)
}

// Response helper functions

// sendServiceError maps the error taxonomy onto HTTP status codes.
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	errType := svcerrors.GetType(err)

	status := http.StatusInternalServerError
	switch errType {
	case svcerrors.ErrTypeValidation:
		status = http.StatusBadRequest
	case svcerrors.ErrTypeConflict, svcerrors.ErrTypeInvalidState:
		status = http.StatusConflict
	case svcerrors.ErrTypeNotFound:
		status = http.StatusNotFound
	case svcerrors.ErrTypeProvider:
		status = http.StatusBadGateway
	case svcerrors.ErrTypeProviderUnavailable:
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithFields(logger.Fields{"error": err}).Error("Request failed")
	}
	s.sendErrorResponse(w, err.Error(), string(errType), status)
}

func (s *Server) sendSuccessResponse(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(models.NewSuccessResponse(data))
}

func (s *Server) sendErrorResponse(w http.ResponseWriter, message, code string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(models.NewErrorResponse(message, code))
}
