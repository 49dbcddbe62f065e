// Package health provides the HTTP status endpoints for a relay node.
package health

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1143910315/RainWorldConnect/internal/logging"
	"github.com/1143910315/RainWorldConnect/internal/relay"
)

// maxRemarkBody bounds the request body of a remark update.
const maxRemarkBody = 4 << 10

// RelayProvider is the part of the relay coordinator the server exposes.
type RelayProvider interface {
	// IsRunning returns true if a role is started.
	IsRunning() bool

	// Role returns the running or configured role.
	Role() relay.Role

	// Roster returns a snapshot of every session.
	Roster() relay.Roster

	// Kick closes the connection of a peer.
	Kick(deviceID string) error

	// SetRemark stores a remark for a device id.
	SetRemark(deviceID, remark string) error
}

// ServerConfig contains status server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:8721")
	Address string

	// Token guards the kick and remark endpoints. Empty leaves them open.
	Token string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:8721",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for status endpoints.
type Server struct {
	cfg      ServerConfig
	provider RelayProvider
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new status server.
func NewServer(cfg ServerConfig, provider RelayProvider) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      cfg,
		provider: provider,
		logger:   logging.Component(logger, "status"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/roster", s.handleRoster)

	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /peers/{id}/kick", s.requireToken(s.handleKick))
	mux.HandleFunc("PUT /peers/{id}/remark", s.requireToken(s.handleRemark))

	// pprof debug endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the status server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server stopped", logging.KeyError, err)
		}
	}()

	s.logger.Info("status server listening", logging.KeyAddress, ln.Addr().String())
	return nil
}

// Stop stops the status server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleHealth returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz returns 200 with relay state if running, 503 if not.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.provider == nil || !s.provider.IsRunning() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	roster := s.provider.Roster()
	response := map[string]interface{}{
		"status":        "healthy",
		"running":       true,
		"role":          string(s.provider.Role()),
		"session_count": len(roster.Entries),
	}
	if self, ok := roster.Self(); ok {
		response["device_id"] = self.DeviceID
	}

	writeJSON(w, http.StatusOK, response)
}

// handleReady returns 200 once the relay is running.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if s.provider == nil || !s.provider.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

// handleRoster returns the roster snapshot as JSON.
func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.provider == nil {
		http.Error(w, "relay not configured", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, s.provider.Roster())
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.provider.Kick(id); err != nil {
		writeRelayError(w, err)
		return
	}

	s.logger.Info("peer kicked", logging.KeyDeviceID, id, logging.KeyRemoteAddr, r.RemoteAddr)
	w.WriteHeader(http.StatusNoContent)
}

type remarkRequest struct {
	Remark string `json:"remark"`
}

func (s *Server) handleRemark(w http.ResponseWriter, r *http.Request) {
	var req remarkRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRemarkBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	if err := s.provider.SetRemark(id, req.Remark); err != nil {
		writeRelayError(w, err)
		return
	}

	s.logger.Info("remark updated", logging.KeyDeviceID, id)
	w.WriteHeader(http.StatusNoContent)
}

// requireToken rejects requests without the configured bearer token.
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.provider == nil {
			http.Error(w, "relay not configured", http.StatusServiceUnavailable)
			return
		}
		if s.cfg.Token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="rwconnect"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func writeRelayError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, relay.ErrPeerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, relay.ErrInvalidDeviceID), errors.Is(err, relay.ErrSelfSession):
		status = http.StatusBadRequest
	case errors.Is(err, relay.ErrNotHost):
		status = http.StatusConflict
	case errors.Is(err, relay.ErrNotRunning):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
