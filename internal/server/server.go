// Package server exposes the market lifecycle over HTTP and streams events
// over a websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/server/handler"
	"github.com/alanyoungcy/binaryoptions/internal/server/middleware"
	"github.com/alanyoungcy/binaryoptions/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string

	// MaxSkew bounds X-Timestamp drift on signed commands.
	MaxSkew time.Duration

	// RateLimit requests per RateWindow per client IP; 0 disables.
	RateLimit  int
	RateWindow time.Duration
}

// Deps are the collaborators wired into the routes. Replay, Limiter and Hub
// are optional.
type Deps struct {
	Markets handler.MarketService
	Health  map[string]handler.Pinger
	Replay  domain.LockManager
	Limiter domain.RateLimiter
	Hub     *ws.Hub
}

// Server is the HTTP + websocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, deps, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// NewHandler returns the routed, middleware-wrapped handler. Commands are
// wrapped individually in signature verification; reads are public.
func NewHandler(cfg Config, deps Deps, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	markets := handler.NewMarketHandler(deps.Markets, logger)
	health := handler.NewHealthHandler(deps.Health, logger)

	signed := middleware.Signed(middleware.SignatureConfig{MaxSkew: cfg.MaxSkew, Replay: deps.Replay})
	command := func(h http.HandlerFunc) http.Handler { return signed(h) }

	mux.HandleFunc("GET /api/health", health.HealthCheck)

	mux.Handle("POST /api/treasury/initialize", command(markets.InitializeTreasury))
	mux.Handle("POST /api/collateral/credit", command(markets.CreditCollateral))
	mux.Handle("POST /api/markets", command(markets.CreateMarket))
	mux.Handle("POST /api/markets/{id}/lock", command(markets.LockCollateral))
	mux.Handle("POST /api/markets/{id}/resolve", command(markets.ResolveMarket))
	mux.Handle("POST /api/markets/{id}/redeem", command(markets.RedeemClaims))

	mux.HandleFunc("GET /api/markets", markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/record", markets.GetRecord)
	mux.HandleFunc("GET /api/accounts/{identity}", markets.GetAccount)

	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	var h http.Handler = mux
	if deps.Limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(deps.Limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
