// Package api exposes the venue over HTTP: order lifecycle, market data,
// trades, account summaries, the WebSocket session endpoint, health and
// Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/openalpha/commodex/matching"
	"github.com/openalpha/commodex/metrics"
	"github.com/openalpha/commodex/orderbook"
	"github.com/openalpha/commodex/sessions"
	"github.com/openalpha/commodex/store"
)

// Config contains server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Server is the venue's HTTP front end.
type Server struct {
	httpServer *http.Server
	cfg        Config
	log        *zap.Logger
	stats      *metrics.Collector

	store  *store.Store
	books  *orderbook.Service
	engine *matching.Engine
	hub    *sessions.Hub
}

// NewServer wires the HTTP server.
func NewServer(cfg Config, st *store.Store, books *orderbook.Service, engine *matching.Engine, hub *sessions.Hub, log *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	return &Server{
		cfg:    cfg,
		log:    log,
		stats:  metrics.GetCollector(),
		store:  st,
		books:  books,
		engine: engine,
		hub:    hub,
	}
}

// Handler builds the route table with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/v1/orders", s.handleOrders)
	mux.HandleFunc("/v1/orders/", s.handleOrder)

	mux.HandleFunc("/v1/market", s.handleMarket)
	mux.HandleFunc("/v1/market/", s.handleContractBook)

	mux.HandleFunc("/v1/trades", s.handleTrades)
	mux.HandleFunc("/v1/account", s.handleAccount)

	mux.HandleFunc("/ws", s.handleWS)

	return corsMiddleware(s.metricsMiddleware(mux))
}

// Start begins serving and blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.log.Info("api server listening", zap.String("addr", s.cfg.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports liveness of the store and the matching loop.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK

	if err := s.store.Ping(); err != nil {
		status = "store_unavailable"
		code = http.StatusServiceUnavailable
	}

	lastRun, ran := s.engine.Health()
	resp := map[string]interface{}{
		"status":   status,
		"sessions": s.hub.ClientCount(),
	}
	if ran {
		resp["matching_last_run"] = lastRun
	}
	writeJSON(w, code, resp)
}

// handleWS authenticates the participant and hands the connection to the hub.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "unknown user")
		return
	}
	s.hub.ServeWS(w, r, user)
}

// authenticate resolves the calling participant. Identity comes from the
// X-User-ID header (or user_id query for WebSocket clients); session token
// verification belongs to the gateway in front of the venue.
func (s *Server) authenticate(r *http.Request) (*store.User, error) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		id = r.URL.Query().Get("user_id")
	}
	return s.store.GetUser(r.Context(), id)
}
