// Package metrics exposes the Prometheus scrape endpoint and the health
// probe on one listener.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rebalancer/internal/core"
)

// Server serves /metrics and /healthz.
type Server struct {
	port   int
	health core.IHealthMonitor
	logger core.ILogger
	srv    *http.Server
}

func NewServer(port int, health core.IHealthMonitor, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		health: health,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start begins serving in the background.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("starting metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	if s.health != nil && !s.health.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	body := map[string]interface{}{"status": http.StatusText(code)}
	if s.health != nil {
		body["components"] = s.health.GetStatus()
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("health response encode failed", "error", err)
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping metrics server")
	return s.srv.Shutdown(ctx)
}
