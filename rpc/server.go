package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"nftmarket/gateway/middleware"
	"nftmarket/native/market"
	"nftmarket/storage/eventlog"
)

const (
	defaultBacklogLimit = 512
	shutdownGrace       = 5 * time.Second
)

type requestIDKey struct{}

// Ledger is the listing ledger surface exposed over JSON-RPC.
type Ledger interface {
	ListingFee() *big.Int
	SetListingFee(caller [20]byte, amount *big.Int) error
	CreateListing(ctx context.Context, caller, assetContract [20]byte, assetID *uint256.Int, price, feePaid *big.Int) (*market.Listing, error)
	Purchase(ctx context.Context, caller [20]byte, listingID uint64, payment *big.Int) (*market.Listing, error)
	Listing(id uint64) (*market.Listing, error)
	AvailableListings() []*market.Listing
	ListingsCreatedBy(account [20]byte) []*market.Listing
	ListingsPurchasedBy(account [20]byte) []*market.Listing
	Stats() market.Stats
}

// BalanceReader reports payment balances.
type BalanceReader interface {
	Balance(addr [20]byte) (*big.Int, error)
}

// EventSource is the journal the websocket stream replays and follows.
type EventSource interface {
	Since(after uint64, limit int) ([]eventlog.Entry, error)
	Subscribe(buffer int) (<-chan eventlog.Entry, func())
}

type ServerConfig struct {
	ServiceName    string
	Auth           middleware.AuthConfig
	RateLimit      middleware.RateLimit
	StreamLimit    middleware.RateLimit
	CORS           middleware.CORSConfig
	// TrustedProxies are the peers allowed to name the client through
	// forwarding headers.
	TrustedProxies []string
	BacklogLimit   int
	LogRequests    bool
}

type Server struct {
	cfg      ServerConfig
	ledger   Ledger
	balances BalanceReader
	events   EventSource
	logger   *slog.Logger

	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	calls   metric.Int64Counter

	wsOrigins []string

	// mu serializes mutating requests before they reach the ledger.
	mu sync.Mutex
}

func NewServer(cfg ServerConfig, ledger Ledger, balances BalanceReader, events EventSource, logger *slog.Logger) (*Server, error) {
	if ledger == nil {
		return nil, errors.New("rpc: ledger required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "marketd"
	}
	if cfg.BacklogLimit <= 0 {
		cfg.BacklogLimit = defaultBacklogLimit
	}
	logger = logger.With(slog.String("component", "rpc"))
	limiter := middleware.NewRateLimiter(map[string]middleware.RateLimit{
		"rpc": cfg.RateLimit,
		"ws":  cfg.StreamLimit,
	}, logger)
	if err := limiter.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("rpc: %w", err)
	}
	limiter.SetRejectHandler(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
	})
	calls, err := otel.Meter("nftmarket/rpc").Int64Counter("market.rpc.calls",
		metric.WithDescription("JSON-RPC calls by method and result code"))
	if err != nil {
		return nil, fmt.Errorf("rpc: register meter: %w", err)
	}
	return &Server{
		cfg:      cfg,
		ledger:   ledger,
		balances: balances,
		events:   events,
		logger:   logger,
		auth:     middleware.NewAuthenticator(cfg.Auth, logger),
		limiter:  limiter,
		calls:    calls,

		wsOrigins: originPatterns(cfg.CORS.AllowedOrigins),
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: cfg.ServiceName,
			LogRequests: cfg.LogRequests,
		}, logger),
	}, nil
}

// Handler assembles the HTTP surface: JSON-RPC, health, metrics and the
// event stream.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.CORS(s.cfg.CORS))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.obs.MetricsHandler())

	r.Group(func(rr chi.Router) {
		rr.Use(s.obs.Middleware("rpc"))
		rr.Use(s.limiter.Middleware("rpc"))
		rr.Use(s.auth.Middleware())
		rr.Post("/rpc", s.handle)
	})
	r.Group(func(rr chi.Router) {
		rr.Use(s.obs.Middleware("ws"))
		rr.Use(s.limiter.Middleware("ws"))
		rr.Get("/ws/events", s.handleEventsWS)
	})
	return otelhttp.NewHandler(r, s.cfg.ServiceName)
}

// Serve listens on addr until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc: listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, listener)
}

func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("json-rpc server listening", slog.String("addr", listener.Addr().String()))
		errCh <- srv.Serve(listener)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("rpc: shutdown: %w", err)
		}
		<-errCh
		return nil
	}
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
