// Package api exposes the exchange engine over HTTP and streams its audit
// log over WebSocket.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/KekcoinBlockchain/eth-dex/pkg/app/core/events"
	"github.com/KekcoinBlockchain/eth-dex/pkg/app/exchange"
	"github.com/KekcoinBlockchain/eth-dex/pkg/crypto"
	"github.com/KekcoinBlockchain/eth-dex/pkg/util"
)

const maxBodyBytes = 1 << 20

type Config struct {
	CORSOrigins []string
	// RequireSignatures makes every mutating request prove it comes from
	// the X-Account key; otherwise X-Account is trusted as given.
	RequireSignatures bool
	MaxClockSkew      time.Duration
	// Gatherer backs /metrics; nil means prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Clock    util.Clock
	// History serves GET /events from durable storage; nil means the
	// engine's in-memory log.
	History func(since uint64, limit int) ([]events.Event, error)
}

// Server handles REST API and WebSocket connections
type Server struct {
	engine *exchange.Engine
	router *mux.Router
	hub    *Hub
	seen   *replayGuard
	cfg    Config
	logger *zap.Logger

	httpServer *http.Server
}

// NewServer builds the router and registers the WebSocket hub as a sink
// of engine.
func NewServer(engine *exchange.Engine, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.MaxClockSkew == 0 {
		cfg.MaxClockSkew = 5 * time.Minute
	}

	s := &Server{
		engine: engine,
		router: mux.NewRouter(),
		hub:    NewHub(engine.Events, logger),
		seen:   newReplayGuard(cfg.MaxClockSkew),
		cfg:    cfg,
		logger: logger,
	}
	engine.AddSink(s.hub)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestLogger)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Balance operations
	api.Handle("/deposits/native", s.authenticated(s.handleDepositNative)).Methods("POST")
	api.Handle("/deposits/token", s.authenticated(s.handleDepositToken)).Methods("POST")
	api.Handle("/withdrawals", s.authenticated(s.handleWithdraw)).Methods("POST")

	// Order operations
	api.Handle("/orders", s.authenticated(s.handleMakeOrder)).Methods("POST")
	api.Handle("/orders/{id:[0-9]+}/cancel", s.authenticated(s.handleCancelOrder)).Methods("POST")
	api.Handle("/orders/{id:[0-9]+}/fill", s.authenticated(s.handleFillOrder)).Methods("POST")

	// Queries
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}/quote", s.handleQuote).Methods("GET")
	api.HandleFunc("/nonce", s.handleNonce).Methods("GET")
	api.HandleFunc("/balances/{asset}/{account}", s.handleBalance).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/fees", s.handleFees).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Account", "X-Signature", "X-Timestamp"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api_server_starting", zap.String("addr", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ==============================
// Middleware
// ==============================

type callerKey struct{}

func callerFrom(r *http.Request) common.Address {
	addr, _ := r.Context().Value(callerKey{}).(common.Address)
	return addr
}

// authenticated resolves the caller from X-Account and, when signatures
// are required, checks X-Signature over the request and X-Timestamp and
// accepts each signed request only once.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := r.Header.Get("X-Account")
		if !common.IsHexAddress(account) {
			respondError(w, http.StatusUnauthorized, "missing_account", "X-Account header must be an address")
			return
		}
		caller := common.HexToAddress(account)

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if s.cfg.RequireSignatures {
			ts := r.Header.Get("X-Timestamp")
			if err := s.checkTimestamp(ts); err != nil {
				respondError(w, http.StatusUnauthorized, "stale_request", err.Error())
				return
			}
			err := crypto.VerifyRequest(caller, r.Method, r.URL.Path, body, ts, r.Header.Get("X-Signature"))
			if err != nil {
				respondError(w, http.StatusUnauthorized, "bad_signature", err.Error())
				return
			}
			if !s.seen.firstUse(caller, r.Method, r.URL.Path, body, ts) {
				respondError(w, http.StatusUnauthorized, "replayed_request", "request was already accepted")
				return
			}
		}

		next(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func (s *Server) checkTimestamp(ts string) error {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("X-Timestamp must be unix seconds")
	}
	skew := s.cfg.Clock.Now().Sub(time.Unix(sec, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.MaxClockSkew {
		return fmt.Errorf("timestamp off by %s", skew.Round(time.Second))
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http_request",
			zap.String("id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
	})
}

// respondEngineError maps an engine error to its HTTP status.
func respondEngineError(w http.ResponseWriter, err error) {
	code := exchange.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case "order_not_found":
		status = http.StatusNotFound
	case "unauthorized":
		status = http.StatusForbidden
	case "zero_amount", "same_asset", "amount_overflow", "wrong_asset_path":
		status = http.StatusBadRequest
	case "insufficient_balance", "insufficient_maker_balance", "insufficient_taker_balance",
		"already_filled", "already_cancelled", "transfer_not_authorized":
		status = http.StatusConflict
	case "reentrant_call", "halted":
		status = http.StatusServiceUnavailable
	}
	respondError(w, status, code, err.Error())
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func orderID(r *http.Request) (uint64, error) {
	return strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
}
