// Package server exposes the relay over HTTP: the WebSocket media endpoint,
// the room management REST surface, health, and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sonobridge/sonobridge/internal/config"
	"github.com/sonobridge/sonobridge/internal/history"
	"github.com/sonobridge/sonobridge/internal/observe"
	"github.com/sonobridge/sonobridge/internal/pipeline"
	"github.com/sonobridge/sonobridge/internal/room"
	"github.com/sonobridge/sonobridge/internal/session"
	"github.com/sonobridge/sonobridge/pkg/audio/playback"
)

const shutdownTimeout = 10 * time.Second

// Server wires accepted connections into sessions and serves the REST
// surface around them.
type Server struct {
	cfg      config.Config
	registry *session.Registry
	rooms    room.Store
	hist     history.Store
	proc     *pipeline.Processor
	device   playback.Device
	metrics  *observe.Metrics
	version  string
}

// Option is a functional option for Server.
type Option func(*Server)

// WithProcessor enables AI processing for accepted sessions.
func WithProcessor(p *pipeline.Processor) Option {
	return func(s *Server) { s.proc = p }
}

// WithHistory sets the conversation history store.
func WithHistory(h history.Store) Option {
	return func(s *Server) { s.hist = h }
}

// WithRoomStore replaces the default in-memory room store.
func WithRoomStore(store room.Store) Option {
	return func(s *Server) { s.rooms = store }
}

// WithPlaybackDevice enables local playback for accepted sessions.
func WithPlaybackDevice(d playback.Device) Option {
	return func(s *Server) { s.device = d }
}

// WithVersion sets the version reported to peers and on /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithMetrics replaces the default metrics instance, for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a Server for the given configuration.
func New(cfg config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		registry: session.NewRegistry(),
		rooms:    room.NewMemoryStore(),
		metrics:  observe.DefaultMetrics(),
		version:  "dev",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Registry exposes the session registry, for tests and diagnostics.
func (s *Server) Registry() *session.Registry {
	return s.registry
}

// Handler returns the full HTTP surface:
//
//	GET    <ws_path>             — WebSocket media endpoint
//	POST   /rooms                — create a room
//	GET    /rooms                — list rooms
//	GET    /rooms/{roomID}       — fetch one room
//	DELETE /rooms/{roomID}       — delete a room
//	POST   /rooms/{roomID}/prompt — update a room's system prompt
//	GET    /health               — liveness and session count
//	GET    /metrics              — Prometheus exposition
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+s.cfg.Server.WSPath, s.handleWS)
	mux.HandleFunc("POST /rooms", s.handleCreateRoom)
	mux.HandleFunc("GET /rooms", s.handleListRooms)
	mux.HandleFunc("GET /rooms/{roomID}", s.handleGetRoom)
	mux.HandleFunc("DELETE /rooms/{roomID}", s.handleDeleteRoom)
	mux.HandleFunc("POST /rooms/{roomID}/prompt", s.handleSetPrompt)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleUnknownPath)
	return observe.Middleware(s.metrics)(mux)
}

// Run serves HTTP until ctx is cancelled, then drains all sessions and shuts
// the listener down.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening",
			"addr", s.cfg.Server.ListenAddr,
			"ws_path", s.cfg.Server.WSPath,
		)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down", "active_sessions", s.registry.Len())
		s.registry.CloseAll("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handleWS upgrades the connection and runs a session for its lifetime.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Telephony peers are not browsers; origin checks do not apply.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sess := session.New(conn, s.sessionOptions()...)
	s.registry.Add(sess)
	s.metrics.ActiveSessions.Add(r.Context(), 1)
	slog.Info("session accepted",
		"session_id", sess.ID,
		"remote", r.RemoteAddr,
		"active", s.registry.Len(),
	)

	sess.Run(r.Context())
}

func (s *Server) sessionOptions() []session.Option {
	opts := []session.Option{
		session.WithConfig(session.Config{
			SampleRate: s.cfg.Audio.SampleRate,
			Channels:   s.cfg.Audio.Channels,
		}),
		session.WithVersion(s.version),
		session.WithMetrics(s.metrics),
		session.WithRoomLookup(s.roomPrompt),
		session.WithOnClose(func(sess *session.Session) {
			s.registry.Remove(sess.ID)
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}),
	}
	if s.proc != nil {
		opts = append(opts, session.WithProcessor(s.proc))
	}
	if s.hist != nil {
		opts = append(opts, session.WithHistory(s.hist))
	}
	if s.device != nil {
		opts = append(opts, session.WithPlayback(s.device,
			playback.WithCapacity(s.cfg.Audio.Playback.Capacity),
			playback.WithWaitTimeout(s.cfg.Audio.Playback.WaitTimeout.Std()),
		))
	}
	return opts
}

// roomPrompt resolves a room's stored system prompt for the configure
// command.
func (s *Server) roomPrompt(ctx context.Context, roomID string) (string, bool) {
	r, err := s.rooms.Get(ctx, roomID)
	if err != nil {
		slog.Warn("room lookup failed", "room_id", roomID, "err", err)
		return "", false
	}
	if r == nil || r.SystemPrompt == "" {
		return "", false
	}
	return r.SystemPrompt, true
}

// handleUnknownPath rejects stray WebSocket upgrades with a policy
// violation close and everything else with 404. Peers dialing the wrong
// path get a proper close frame instead of a silent HTTP error.
func (s *Server) handleUnknownPath(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") != "websocket" {
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	slog.Warn("rejecting websocket on unknown path", "path", r.URL.Path, "remote", r.RemoteAddr)
	conn.Close(websocket.StatusPolicyViolation, "unknown path")
}
