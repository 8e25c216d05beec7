// Package statusapi serves the client's mirrored state to local renderers:
// JSON snapshots, the two user commands, a websocket change feed and
// Prometheus metrics.
package statusapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mycelian/dreamwatch/client"
	"github.com/mycelian/dreamwatch/internal/recovery"
	"github.com/mycelian/dreamwatch/internal/state"
)

// Controller is the part of *client.Client the server drives.
type Controller interface {
	Store() *state.Store
	Loops() []client.LoopInfo
	TriggerDream(ctx context.Context) (*client.EnqueueAck, error)
	ResetSystem(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version reported by /api/health.
func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

// WithLogger sets the server logger.
func WithLogger(l zerolog.Logger) Option { return func(s *Server) { s.log = l } }

// WithPingInterval sets how often idle feed connections are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// Server is the local status HTTP API.
type Server struct {
	ctl          Controller
	router       chi.Router
	version      string
	started      time.Time
	log          zerolog.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// New creates a Server for ctl.
func New(ctl Controller, opts ...Option) *Server {
	s := &Server{
		ctl:          ctl,
		version:      "dev",
		started:      time.Now(),
		log:          log.Logger,
		pingInterval: 30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Local tool: renderers may be served from any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "statusapi").Logger()
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(recovery.New("status-api", s.log))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/snapshot", s.handleSnapshot)
		r.Get("/feed", s.handleFeed)

		r.Post("/dreams/trigger", s.handleTrigger)
		r.Post("/system/reset", s.handleReset)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router = r
}
