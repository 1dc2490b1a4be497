package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/migadu/bender/logger"
	"github.com/migadu/bender/pkg/metrics"
	"github.com/migadu/bender/server"
)

// ProxyServer is the view of a running proxy server the admin API reports
// on.
type ProxyServer interface {
	Name() string
	Stats() metrics.ServerStats
	LimiterStats() *server.ConnectionStats
}

// Server represents the admin HTTP server: Prometheus metrics, health and
// per-server connection statistics.
type Server struct {
	addr         string
	metricsPath  string
	apiKey       string
	allowedHosts []*net.IPNet
	servers      []ProxyServer
	server       *http.Server
	started      time.Time
}

// ServerOptions holds configuration options for the admin HTTP server
type ServerOptions struct {
	Addr         string
	MetricsPath  string
	APIKey       string
	AllowedHosts []string
}

// New creates a new admin HTTP server
func New(servers []ProxyServer, options ServerOptions) (*Server, error) {
	if options.Addr == "" {
		return nil, fmt.Errorf("address is required for admin HTTP server")
	}
	if options.MetricsPath == "" {
		options.MetricsPath = "/metrics"
	}

	allowed, err := server.ParseTrustedNetworks(options.AllowedHosts)
	if err != nil {
		return nil, fmt.Errorf("invalid allowed_hosts: %w", err)
	}

	return &Server{
		addr:         options.Addr,
		metricsPath:  options.MetricsPath,
		apiKey:       options.APIKey,
		allowedHosts: allowed,
		servers:      servers,
		started:      time.Now(),
	}, nil
}

// Start runs the admin server until ctx is cancelled. Listener failures are
// sent on errChan.
func Start(ctx context.Context, servers []ProxyServer, options ServerOptions, errChan chan<- error) {
	s, err := New(servers, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin HTTP server: %w", err)
		return
	}

	logger.Info("Starting admin HTTP server", "addr", options.Addr, "metrics_path", s.metricsPath)
	if err := s.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin HTTP server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down admin HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down admin HTTP server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the router with all routes and middleware attached.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.Handle(s.metricsPath, promhttp.Handler()).Methods("GET")
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/servers", s.handleListServers).Methods("GET")
	v1.HandleFunc("/servers/{name}", s.handleGetServer).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("Admin HTTP request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		if !s.hostAllowed(clientIP(r)) {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) hostAllowed(client string) bool {
	ip := net.ParseIP(client)
	if ip == nil {
		return false
	}
	for _, n := range s.allowedHosts {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP uses the socket peer address. Forwarding headers are not
// trusted: this endpoint sits next to a proxy that forwards them verbatim.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Handlers

// ServerStatus is the JSON view of one proxy server.
type ServerStatus struct {
	Name            string                  `json:"name"`
	OpenConnections int                     `json:"open_connections"`
	IdleUpstreams   int                     `json:"idle_upstreams"`
	Limiter         *server.ConnectionStats `json:"limiter,omitempty"`
}

func statusOf(p ProxyServer) ServerStatus {
	stats := p.Stats()
	return ServerStatus{
		Name:            stats.Name,
		OpenConnections: stats.OpenConnections,
		IdleUpstreams:   stats.IdleUpstreams,
		Limiter:         p.LimiterStats(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"servers": len(s.servers),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	statuses := make([]ServerStatus, 0, len(s.servers))
	for _, p := range s.servers {
		statuses = append(statuses, statusOf(p))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"servers": statuses})
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	for _, p := range s.servers {
		if p.Name() == name {
			s.writeJSON(w, http.StatusOK, statusOf(p))
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "Server not found")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("Admin HTTP: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
