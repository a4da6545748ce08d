// Package status serves the local health and status endpoints.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Stats supplies the live numbers the status endpoint reports.
type Stats struct {
	Personalities       func() int
	ActiveConversations func() int
	InFlightRequests    func() int
}

// Server is the status HTTP listener.
type Server struct {
	addr    string
	version string
	stats   Stats
	started time.Time
	log     *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New builds a server bound to host:port.
func New(host string, port int, version string, stats Stats, log *slog.Logger) *Server {
	return &Server{
		addr:    fmt.Sprintf("%s:%d", host, port),
		version: version,
		stats:   stats,
		log:     log.With(slog.String("component", "status")),
	}
}

// Addr returns the bound address, available after Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind status listener: %w", err)
	}
	s.listener = listener
	s.started = time.Now()
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server failed", "error", err)
		}
	}()
	s.log.Info("status server listening", "addr", s.Addr())
	return nil
}

// Shutdown drains the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "version": s.version})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if s.stats.Personalities != nil {
		resp["personalities"] = s.stats.Personalities()
	}
	if s.stats.ActiveConversations != nil {
		resp["active_conversations"] = s.stats.ActiveConversations()
	}
	if s.stats.InFlightRequests != nil {
		resp["in_flight_requests"] = s.stats.InFlightRequests()
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// StartTestServer binds an ephemeral localhost port, for tests.
func StartTestServer(version string, stats Stats, log *slog.Logger) (*Server, error) {
	s := New("127.0.0.1", 0, version, stats, log)
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}
