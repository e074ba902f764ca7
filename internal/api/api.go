// Package api provides the HTTP surface of the automation pipeline.
//
// It exposes endpoints for running campaigns, dispatching and controlling
// jobs, creating direct tasks, querying live presence, and the websocket
// upgrade devices connect through.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/trihai306/agentphone/internal/assigner"
	"github.com/trihai306/agentphone/internal/dispatch"
	"github.com/trihai306/agentphone/internal/presence"
	"github.com/trihai306/agentphone/internal/store"
	"github.com/trihai306/agentphone/internal/transport"
)

// DefaultAddr is the default API listen address.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the pipeline components behind HTTP handlers.
type Server struct {
	store      store.Store
	assigner   *assigner.Assigner
	dispatcher *dispatch.Dispatcher
	tracker    *presence.Tracker
	gateway    *transport.Gateway
	addr       string
	httpServer *http.Server
}

// NewServer creates a Server. All components are injected explicitly; none
// resolve from a global default.
func NewServer(st store.Store, asn *assigner.Assigner, d *dispatch.Dispatcher, tracker *presence.Tracker, gw *transport.Gateway, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		store:      st,
		assigner:   asn,
		dispatcher: d,
		tracker:    tracker,
		gateway:    gw,
		addr:       cfg.Addr,
	}
}

// Handler builds the route mux. Exposed separately so tests can drive the
// handlers without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/campaigns/run", s.runCampaignHandler)
	mux.HandleFunc("/jobs/dispatch", s.dispatchJobHandler)
	mux.HandleFunc("/jobs/cancel", s.cancelJobHandler)
	mux.HandleFunc("/jobs/pause", s.pauseJobHandler)
	mux.HandleFunc("/jobs/resume", s.resumeJobHandler)
	mux.HandleFunc("/tasks", s.createTaskHandler)
	mux.HandleFunc("/devices/online", s.onlineDevicesHandler)
	if s.gateway != nil {
		mux.HandleFunc("/ws", s.gateway.HandleWS)
	}
	return mux
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Server.Run: API listening", "addr", s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
