package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/health"
	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
)

// Server provides HTTP endpoints for metrics and health checks. When both
// use the same address they share one listener.
type Server struct {
	servers []*http.Server
	logger  *logging.Logger
}

// Config holds server configuration
type Config struct {
	MetricsAddress  string
	MetricsPath     string
	HealthAddress   string
	LivenessPath    string
	ReadinessPath   string
	MetricsRegistry prometheus.Gatherer
	HealthChecker   *health.Checker
	Logger          *logging.Logger

	// Pprof mounts the runtime profiling handlers under /debug/pprof/ on
	// the health address
	Pprof bool
}

// New creates a new server
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{logger: logger.WithComponent("server")}

	muxes := make(map[string]*http.ServeMux)
	var order []string
	mux := func(addr string) *http.ServeMux {
		if m, ok := muxes[addr]; ok {
			return m
		}
		m := http.NewServeMux()
		muxes[addr] = m
		order = append(order, addr)
		return m
	}

	if cfg.MetricsAddress != "" && cfg.MetricsRegistry != nil {
		metricsPath := cfg.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}

		mux(cfg.MetricsAddress).Handle(metricsPath, promhttp.HandlerFor(
			cfg.MetricsRegistry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		))
	}

	if cfg.HealthAddress != "" && cfg.HealthChecker != nil {
		livenessPath := cfg.LivenessPath
		if livenessPath == "" {
			livenessPath = "/health/live"
		}

		readinessPath := cfg.ReadinessPath
		if readinessPath == "" {
			readinessPath = "/health/ready"
		}

		m := mux(cfg.HealthAddress)
		m.HandleFunc(livenessPath, cfg.HealthChecker.LivenessHandler())
		m.HandleFunc(readinessPath, cfg.HealthChecker.ReadinessHandler())
		m.HandleFunc("/health", cfg.HealthChecker.HTTPHandler())

		if cfg.Pprof {
			m.HandleFunc("/debug/pprof/", pprof.Index)
			m.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			m.HandleFunc("/debug/pprof/profile", pprof.Profile)
			m.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			m.HandleFunc("/debug/pprof/trace", pprof.Trace)
		}
	}

	for _, addr := range order {
		s.servers = append(s.servers, &http.Server{
			Addr:         addr,
			Handler:      muxes[addr],
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		})
	}

	return s
}

// Start binds every listener and serves in the background. A bind failure
// is returned immediately.
func (s *Server) Start() error {
	for i, srv := range s.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			for _, started := range s.servers[:i] {
				started.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
		}
		srv.Addr = ln.Addr().String()

		s.logger.Info().Str("address", srv.Addr).Msg("Starting HTTP server")
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Str("address", srv.Addr).Msg("HTTP server error")
			}
		}(srv, ln)
	}
	return nil
}

// Addrs returns the listening addresses, resolved after Start
func (s *Server) Addrs() []string {
	addrs := make([]string, len(s.servers))
	for i, srv := range s.servers {
		addrs[i] = srv.Addr
	}
	return addrs
}

// Stop gracefully shuts down the servers
func (s *Server) Stop(ctx context.Context) error {
	var err error
	for _, srv := range s.servers {
		s.logger.Info().Str("address", srv.Addr).Msg("Shutting down HTTP server")
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("Error shutting down HTTP server")
			if err == nil {
				err = shutdownErr
			}
		}
	}
	return err
}
