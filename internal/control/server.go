// Package control provides a Unix socket control interface for the tcp-forward relay.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/tcp-forward/internal/relay"
	"github.com/postalsys/tcp-forward/internal/sysinfo"
)

// RelayInfo provides relay information for the control interface.
type RelayInfo interface {
	// Address returns the primary control listener address, empty when unbound.
	Address() string

	// IsRunning returns true if the relay is serving.
	IsRunning() bool

	// Stats returns a snapshot of relay activity.
	Stats() relay.Stats

	// Clients returns every registered client state.
	Clients() []relay.ClientInfo

	// Routes returns the topic routes known to the CONNECT router.
	Routes() []RouteInfo
}

// RouteInfo contains route information for display. Topics are shortened.
type RouteInfo struct {
	Topic    string `json:"topic"`
	ClientID string `json:"client_id"`
	Port     uint16 `json:"port"`
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Address string       `json:"address"`
	Running bool         `json:"running"`
	Uptime  string       `json:"uptime"`
	System  sysinfo.Info `json:"system"`
	relay.Stats
}

// ClientsResponse is the response for the clients endpoint.
type ClientsResponse struct {
	Clients []relay.ClientInfo `json:"clients"`
}

// RoutesResponse is the response for the routes endpoint.
type RoutesResponse struct {
	Routes []RouteInfo `json:"routes"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./tcp-forward.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	relay    RelayInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, info RelayInfo) *Server {
	s := &Server{
		cfg:   cfg,
		relay: info,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/clients", s.handleClients)
	mux.HandleFunc("/routes", s.handleRoutes)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket left by an earlier run
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		Address: s.relay.Address(),
		Running: s.relay.IsRunning(),
		Uptime:  sysinfo.Uptime().Truncate(time.Second).String(),
		System:  sysinfo.Collect(),
		Stats:   s.relay.Stats(),
	}

	writeJSON(w, response)
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clients := s.relay.Clients()
	if clients == nil {
		clients = []relay.ClientInfo{}
	}
	writeJSON(w, ClientsResponse{Clients: clients})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	routes := s.relay.Routes()
	if routes == nil {
		routes = []RouteInfo{}
	}
	writeJSON(w, RoutesResponse{Routes: routes})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
