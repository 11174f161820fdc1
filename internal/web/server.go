// Package web serves the dashboard to browsers: the page itself, a JSON
// API for snapshots and connection control, a websocket that pushes every
// update, and the health endpoints.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/care/signaldash/internal/config"
	"github.com/care/signaldash/internal/core"
	"github.com/care/signaldash/internal/framebus"
)

//go:embed static
var staticFiles embed.FS

// Dashboard is the view model served by the web server
type Dashboard interface {
	Snapshot() core.Snapshot
	Connect(ctx context.Context, host string, port int) error
	Disconnect()
	Bus() *framebus.Bus[core.Update]

	LivenessHandler(w http.ResponseWriter, r *http.Request)
	ReadinessHandler(w http.ResponseWriter, r *http.Request)
	MetricsHandler(w http.ResponseWriter, r *http.Request)
}

// ConnectRequest is the body of POST /api/connect. Empty fields fall back
// to the configured broker.
type ConnectRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the HTTP front end of the dashboard
type Server struct {
	cfg  config.HTTPConfig
	dash Dashboard
	hub  *wsHub
	mux  *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	baseCtx  context.Context
	cancel   context.CancelFunc
	hubDone  chan struct{}
}

// NewServer creates a server for dash
func NewServer(cfg config.HTTPConfig, dash Dashboard) *Server {
	s := &Server{
		cfg:  cfg,
		dash: dash,
		hub:  newHub(dash, cfg.ClientBuffer, cfg.WriteTimeout()),
		mux:  http.NewServeMux(),
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.hubDone = make(chan struct{})
	go func() {
		defer close(s.hubDone)
		s.hub.run(s.baseCtx)
	}()

	static, _ := fs.Sub(staticFiles, "static")
	s.mux.Handle("GET /{$}", http.FileServer(http.FS(static)))
	s.mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("POST /api/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/disconnect", s.handleDisconnect)
	s.mux.HandleFunc("GET /ws", s.handleWebsocket)
	s.mux.HandleFunc("GET /health", dash.LivenessHandler)
	s.mux.HandleFunc("GET /readiness", dash.ReadinessHandler)
	s.mux.HandleFunc("GET /metrics", dash.MetricsHandler)

	return s
}

// Handler returns the request router
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start binds the listen address and serves in a goroutine
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}

	srv := &http.Server{
		Handler:     s.mux,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = ln
	s.mu.Unlock()

	slog.Info("starting web server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/", "/ws", "/api/snapshot", "/api/connect", "/api/disconnect", "/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("web server failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Listen
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests, closes every websocket and waits for
// the client goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	s.cancel()
	<-s.hubDone
	s.hub.wg.Wait()

	slog.Info("web server stopped")
	return err
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dash.Snapshot())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if req.Port < 0 || req.Port > 65535 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "port out of range"})
		return
	}

	if err := s.dash.Connect(r.Context(), req.Host, req.Port); err != nil {
		slog.Warn("connect request failed", "host", req.Host, "port", req.Port, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, s.dash.Snapshot().Connection)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.dash.Disconnect()
	writeJSON(w, http.StatusOK, s.dash.Snapshot().Connection)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	s.hub.handle(s.baseCtx, w, r)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}
