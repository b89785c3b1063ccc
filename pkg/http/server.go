package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"callsignal-server/pkg/amd"
	"callsignal-server/pkg/events"
	"callsignal-server/pkg/metrics"
)

// Config holds the HTTP server settings.
type Config struct {
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	EnableMetrics bool
}

// DefaultConfig returns the server defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:          8080,
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  30 * time.Second,
		EnableMetrics: true,
	}
}

// Server exposes the operational surface: health probes, runtime stats,
// Prometheus metrics, and the WebSocket event stream.
type Server struct {
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	detector   *amd.Detector
	dispatcher *events.Dispatcher
	hub        *EventHub
	startTime  time.Time
}

// NewServer creates the HTTP server and registers the standard endpoints.
func NewServer(logger *logrus.Logger, config *Config, detector *amd.Detector, dispatcher *events.Dispatcher, hub *EventHub) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	server := &Server{
		config:     config,
		logger:     logger,
		detector:   detector,
		dispatcher: dispatcher,
		hub:        hub,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	server.mux = mux

	mux.HandleFunc("/health", server.HealthHandler)
	mux.HandleFunc("/health/live", server.LivenessHandler)
	mux.HandleFunc("/health/ready", server.ReadinessHandler)
	mux.HandleFunc("/stats", server.StatsHandler)

	if config.EnableMetrics {
		metrics.RegisterHandler(mux)
		logger.Info("Prometheus metrics endpoint enabled at /metrics")
	}

	if hub != nil {
		mux.HandleFunc("/ws/events", hub.ServeWs)
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.logger.WithField("port", s.config.Port).Info("Starting HTTP server")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

// HealthHandler reports overall service health.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":     "healthy",
		"uptime":     time.Since(s.startTime).String(),
		"started_at": s.startTime.Format(time.RFC3339),
	}

	if s.detector != nil {
		health["active_calls"] = s.detector.SystemStats().ActiveCalls
	}
	if s.hub != nil {
		health["websocket_clients"] = s.hub.ClientCount()
	}

	writeJSON(w, http.StatusOK, health)
}

// LivenessHandler is the liveness probe.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// ReadinessHandler is the readiness probe. The service is ready once the
// dispatcher is running.
func (s *Server) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil || !s.dispatcher.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// StatsHandler exposes detection and dispatch counters as JSON.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime": time.Since(s.startTime).String(),
	}

	if s.detector != nil {
		stats["detection"] = s.detector.SystemStats()
	}
	if s.dispatcher != nil {
		stats["dispatch"] = s.dispatcher.Stats()
	}
	if s.hub != nil {
		stats["websocket_clients"] = s.hub.ClientCount()
	}

	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
