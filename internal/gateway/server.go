package gateway

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adred-codev/listwave/internal/config"
	"github.com/adred-codev/listwave/internal/event"
	"github.com/adred-codev/listwave/internal/limits"
)

// EventPublisher is the durable-stage publisher the gateway hands
// mutation events to. Implemented by queue.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, roomID int64, ev event.Event) error
	Connected() bool
}

// Server is the gateway's HTTP surface: the websocket endpoint, the
// internal publish endpoint for mutation handlers, health, and metrics.
type Server struct {
	cfg     *config.Gateway
	logger  zerolog.Logger
	manager *Manager

	publisher   EventPublisher
	auth        Authenticator
	rateLimiter *limits.ConnectionRateLimiter
	guard       *limits.ResourceGuard
	pubsubPing  func(ctx context.Context) error

	httpServer   *http.Server
	shuttingDown atomic.Bool
}

// ServerOptions bundles the server's collaborators.
type ServerOptions struct {
	Manager     *Manager
	Publisher   EventPublisher
	Auth        Authenticator
	RateLimiter *limits.ConnectionRateLimiter
	Guard       *limits.ResourceGuard

	// PubSubPing checks the pub/sub transport for /healthz. Optional.
	PubSubPing func(ctx context.Context) error
}

// NewServer wires the gateway's routes.
func NewServer(cfg *config.Gateway, opts ServerOptions, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		logger:      logger.With().Str("component", "server").Logger(),
		manager:     opts.Manager,
		publisher:   opts.Publisher,
		auth:        opts.Auth,
		rateLimiter: opts.RateLimiter,
		guard:       opts.Guard,
		pubsubPing:  opts.PubSubPing,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{roomID}", s.handleWebSocket)
	mux.HandleFunc("POST /internal/events/{roomID}", s.handlePublish)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. Blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Gateway listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting upgrades, drains the HTTP listener, and
// disconnects every live client with a going-away frame.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	err := s.httpServer.Shutdown(ctx)
	s.manager.CloseAll("server shutting down")
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.logger.Info().Msg("Gateway stopped")
	return err
}
