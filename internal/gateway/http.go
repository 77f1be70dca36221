package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthProbeTimeout = 5 * time.Second

// startHTTP brings up the operator surface: health, Prometheus metrics and
// the audit dashboard. It binds gateway.health_host:health_port, which
// defaults to loopback; this listener carries no agent auth and must not
// be exposed like the agent endpoint.
func (s *Server) startHTTP() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.HealthHost, s.cfg.Gateway.HealthPort)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	s.dash.register(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = server
	s.httpListener = listener

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("health and dashboard listening", "url", fmt.Sprintf("http://%s", listener.Addr()))
	return nil
}

func (s *Server) stopHTTP(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	if err := s.httpServer.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.logger.Warn("http server shutdown", "error", err)
	}
}

type healthChecks struct {
	Database  bool            `json:"database"`
	Messenger bool            `json:"messenger"`
	Services  map[string]bool `json:"services"`
}

type healthReport struct {
	Status string       `json:"status"`
	Checks healthChecks `json:"checks"`
}

// handleHealthz reports component health. The database and the messenger
// gate the overall status. Backend services are reported per service, but a
// dead backend alone does not mark the gateway unhealthy; requests for its
// tools fail individually instead.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	report := healthReport{
		Checks: healthChecks{
			Database:  s.store.HealthCheck(ctx),
			Messenger: s.adapter.HealthCheck(ctx),
			Services:  s.dispatcher.HealthAll(ctx),
		},
	}

	code := http.StatusOK
	report.Status = "healthy"
	if !report.Checks.Database || !report.Checks.Messenger {
		report.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, report, s.logger)
}
