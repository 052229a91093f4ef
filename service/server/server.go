package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/presale/service/config"
	"github.com/brojonat/presale/service/db"
	"github.com/brojonat/presale/service/metrics"
	"github.com/brojonat/presale/service/presale"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Purchaser executes token purchases.
type Purchaser interface {
	SubmitPurchase(ctx context.Context, req presale.PurchaseRequest) (solanago.Signature, error)
}

// UserRegistry is the wallet registry used by the user routes.
type UserRegistry interface {
	RegisterWallet(ctx context.Context, address string) (*db.User, error)
	GetUser(ctx context.Context, address string) (*db.User, error)
	ListUsers(ctx context.Context, limit, offset int) ([]*db.User, error)
	CountUsers(ctx context.Context) (int64, error)
}

// QuoteSource serves the native coin price.
type QuoteSource interface {
	// Quote returns the cached value.
	Quote() decimal.Decimal
	// GetQuote fetches a fresh value, falling back to the cached one.
	GetQuote(ctx context.Context) decimal.Decimal
	// QuoteUpdatedAt reports when the cached value was last refreshed, or
	// false if it is still the default.
	QuoteUpdatedAt() (time.Time, bool)
}

// SupplySource serves the treasury's remaining token balance.
type SupplySource interface {
	RemainingSupply() int64
}

// Deps are the components the routes call into. Redis is optional; when nil,
// Idempotency-Key headers are ignored. Feed is optional; when nil, the
// purchase stream routes are not registered.
type Deps struct {
	Purchaser Purchaser
	Registry  UserRegistry
	Quotes    QuoteSource
	Supply    SupplySource
	Redis     *redis.Client
	Feed      PurchaseFeed
}

// transferWriteTimeout bounds a single purchase response. A purchase can spend
// several minutes in submission backoff and confirmation retries.
const transferWriteTimeout = 15 * time.Minute

// Server represents the HTTP server for the presale service.
type Server struct {
	cfg      *config.Config
	deps     Deps
	redactor *redactor
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
	now      func() time.Time
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(cfg *config.Config, deps Deps, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		deps:     deps,
		redactor: newRedactor(cfg.OperatorKey),
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Purchase routes. Both paths share one limiter so the alias is not a bypass.
	transfer := handleTransfer(s.deps.Purchaser, s.redactor, s.logger)
	if s.deps.Redis != nil {
		transfer = idempotencyMiddleware(s.deps.Redis, 24*time.Hour, s.metrics, s.logger)(transfer)
	}
	transfer = rateLimitMiddleware(newIPRateLimiter(s.cfg.TransferRatePerMinute), s.metrics, s.logger)(transfer)
	mux.Handle("POST /transfer", s.instrument("/transfer", transfer))
	mux.Handle("POST /api/transfer", s.instrument("/transfer", transfer))

	// Registry routes
	register := handleRegisterUser(s.deps.Registry, s.logger)
	mux.Handle("POST /user", s.instrument("/user", register))
	mux.Handle("POST /api/user", s.instrument("/user", register))
	mux.Handle("GET /api/v1/users/{address}", s.instrument("/api/v1/users/{address}", handleGetUser(s.deps.Registry, s.logger)))
	mux.Handle("GET /api/v1/users", s.instrument("/api/v1/users", handleListUsers(s.deps.Registry, s.logger)))

	// Sale data for the front end
	mux.Handle("GET /api/v1/sale", s.instrument("/api/v1/sale", handleSale(s.cfg, s.deps.Quotes, s.deps.Supply, s.now)))
	mux.Handle("GET /api/v1/quote", s.instrument("/api/v1/quote", handleQuote(s.deps.Quotes)))
	mux.Handle("GET /api/v1/estimate", s.instrument("/api/v1/estimate", handleEstimate(s.deps.Quotes, s.logger)))

	// Live purchase feed
	if s.deps.Feed != nil {
		stream := handleStreamPurchases(s.deps.Feed, s.logger)
		mux.Handle("GET /api/v1/stream/purchases", stream)
		mux.Handle("GET /api/v1/stream/purchases/{address}", stream)
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(requestIDMiddleware(mux))
}

func (s *Server) instrument(name string, h http.Handler) http.Handler {
	return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ServerAddr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server",
		"addr", s.cfg.ServerAddr,
		"idempotency", s.deps.Redis != nil,
		"purchase_stream", s.deps.Feed != nil,
		"metrics", s.metrics != nil,
	)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server. In-flight purchases are
// allowed to finish until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key, X-Request-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
