// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/agentbus/broker"
	"github.com/absmach/agentbus/migration"
	"github.com/absmach/agentbus/registry"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config    Config
	broker    *broker.Broker
	registry  *registry.Registry
	migration *migration.Manager
	logger    *slog.Logger
	server    *http.Server
	listener  net.Listener
}

// New creates a new health check server. The migration manager may be nil
// when the migration subsystem is not running.
func New(cfg Config, b *broker.Broker, reg *registry.Registry, mig *migration.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    cfg,
		broker:    b,
		registry:  reg,
		migration: mig,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns empty if server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
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
// Returns 200 OK if the bus is ready to accept traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if s.broker == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:  "not_ready",
			Details: "broker not initialized",
		})
		return
	}

	if s.registry == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(ReadyResponse{
			Status:  "not_ready",
			Details: "registry not initialized",
		})
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: "ready",
	})
}

// StatusResponse represents bus-wide counters and migration state.
type StatusResponse struct {
	UptimeSeconds  float64 `json:"uptime_seconds"`
	Published      uint64  `json:"published"`
	Delivered      uint64  `json:"delivered"`
	Acknowledged   uint64  `json:"acknowledged"`
	Failed         uint64  `json:"failed"`
	Retried        uint64  `json:"retried"`
	Expired        uint64  `json:"expired"`
	Subscriptions  uint64  `json:"subscriptions"`
	Agents         int     `json:"agents"`
	MigrationPhase string  `json:"migration_phase,omitempty"`
}

// handleStatus returns bus counters, registered agent count and the active
// migration phase.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	stats := s.broker.Stats()
	response := StatusResponse{
		UptimeSeconds: stats.GetUptime().Seconds(),
		Published:     stats.GetPublished(),
		Delivered:     stats.GetDelivered(),
		Acknowledged:  stats.GetAcknowledged(),
		Failed:        stats.GetFailed(),
		Retried:       stats.GetRetried(),
		Expired:       stats.GetExpired(),
		Subscriptions: stats.GetSubscriptions(),
	}

	if agents, err := s.registry.List(r.Context()); err == nil {
		response.Agents = len(agents)
	}
	if s.migration != nil {
		response.MigrationPhase = string(s.migration.Phase())
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}
