// Copyright (c) Vireo Systems
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vireo/claimd/coord"
)

// Coordinator is the subset of the manager the health server reports on.
type Coordinator interface {
	Started() bool
	Status() []coord.SlotStatus
}

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config     Config
	instanceID string
	manager    Coordinator
	logger     *slog.Logger
	server     *http.Server
	listener   net.Listener
}

// New creates a new health check server.
func New(cfg Config, instanceID string, mgr Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:     cfg,
		instanceID: instanceID,
		manager:    mgr,
		logger:     logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/coordinator/status", s.handleCoordinatorStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns empty string if server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server and blocks until ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("Starting health check server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("Health check server shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}

		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{
		Status: "healthy",
	})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK once the coordinator has started its claim loops.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if s.manager == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:  "not_ready",
			Details: "coordinator not initialized",
		})
		return
	}

	if !s.manager.Started() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:  "not_ready",
			Details: "coordinator not started",
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: "ready",
	})
}

// RunnerStatusResponse describes one consumer runner on an owned slot.
type RunnerStatusResponse struct {
	Topic   string `json:"topic"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// SlotStatusResponse describes one owned node slot.
type SlotStatusResponse struct {
	Key     string                 `json:"key"`
	Runners []RunnerStatusResponse `json:"runners"`
}

// CoordinatorStatusResponse reports slot ownership for this instance.
type CoordinatorStatusResponse struct {
	InstanceID string               `json:"instance_id"`
	SlotCount  int                  `json:"slot_count"`
	Slots      []SlotStatusResponse `json:"slots"`
}

// handleCoordinatorStatus returns owned slots and runner health.
func (s *Server) handleCoordinatorStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	response := CoordinatorStatusResponse{
		InstanceID: s.instanceID,
		Slots:      []SlotStatusResponse{},
	}

	if s.manager != nil {
		for _, slot := range s.manager.Status() {
			out := SlotStatusResponse{Key: slot.Key, Runners: []RunnerStatusResponse{}}
			for _, runner := range slot.Runners {
				out.Runners = append(out.Runners, RunnerStatusResponse{
					Topic:   runner.Topic,
					Healthy: runner.Healthy,
					Error:   runner.Error,
				})
			}
			response.Slots = append(response.Slots, out)
		}
		response.SlotCount = len(response.Slots)
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
