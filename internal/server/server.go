package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cairnfi/termledger/internal/domain"
	"github.com/cairnfi/termledger/internal/server/handler"
	"github.com/cairnfi/termledger/internal/server/middleware"
	"github.com/cairnfi/termledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// Per-client rate limiting. Applied only when RateLimiter is non-nil.
	RateLimiter     domain.RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Vaults     *handler.VaultHandler
	Auctions   *handler.AuctionHandler
	Settlement *handler.SettlementHandler
	Series     *handler.SeriesHandler
}

// Server is the headless HTTP + WebSocket API server for the term ledger.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth) and attaches the WebSocket hub.
// Handler fields left nil are skipped, so feed-only deployments expose just
// health, status, and the WebSocket endpoint.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Backend status.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Vault endpoints.
	if handlers.Vaults != nil {
		mux.HandleFunc("GET /api/vaults", handlers.Vaults.ListVaults)
		mux.HandleFunc("GET /api/vaults/{collateral}/{user}", handlers.Vaults.GetVault)
		mux.HandleFunc("POST /api/vaults/post", handlers.Vaults.PostCollateral)
		mux.HandleFunc("POST /api/vaults/withdraw", handlers.Vaults.WithdrawCollateral)
		mux.HandleFunc("POST /api/vaults/borrow", handlers.Vaults.Borrow)
		mux.HandleFunc("POST /api/vaults/repay", handlers.Vaults.Repay)
	}

	// Auction endpoints.
	if handlers.Auctions != nil {
		mux.HandleFunc("GET /api/auctions", handlers.Auctions.ListAuctions)
		mux.HandleFunc("GET /api/auctions/claims/{holder}", handlers.Auctions.GetClaim)
		mux.HandleFunc("GET /api/auctions/{user}", handlers.Auctions.GetAuction)
		mux.HandleFunc("POST /api/auctions/trigger", handlers.Auctions.Trigger)
		mux.HandleFunc("POST /api/auctions/buy", handlers.Auctions.Buy)
		mux.HandleFunc("POST /api/auctions/withdraw", handlers.Auctions.WithdrawRemainder)
		mux.HandleFunc("POST /api/auctions/claim", handlers.Auctions.Claim)
	}

	// Settlement endpoints.
	if handlers.Settlement != nil {
		mux.HandleFunc("GET /api/settlement", handlers.Settlement.GetStatus)
		mux.HandleFunc("POST /api/settlement/shutdown", handlers.Settlement.Shutdown)
		mux.HandleFunc("POST /api/settlement/treasury", handlers.Settlement.SettleTreasury)
		mux.HandleFunc("POST /api/settlement/savings", handlers.Settlement.CashSavings)
		mux.HandleFunc("POST /api/settlement/redeem", handlers.Settlement.Redeem)
		mux.HandleFunc("POST /api/settlement/settle", handlers.Settlement.SettleUser)
		mux.HandleFunc("POST /api/settlement/profit", handlers.Settlement.SweepProfit)
	}

	// Series endpoints.
	if handlers.Series != nil {
		mux.HandleFunc("GET /api/series", handlers.Series.ListSeries)
		mux.HandleFunc("GET /api/series/{id}", handlers.Series.GetSeries)
		mux.HandleFunc("POST /api/series/{id}/mature", handlers.Series.MatureSeries)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply rate limiting when a limiter has been configured.
	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateLimitWindow)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
