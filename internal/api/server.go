// Package api serves the governor's query surface: the current decision and
// cycle, per-user risk state and settlements, order submission, metrics and
// the audit stream.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/chidi150c/governor/internal/capacity"
	"github.com/chidi150c/governor/internal/compliance"
	"github.com/chidi150c/governor/internal/cycle"
	"github.com/chidi150c/governor/internal/risk"
	"github.com/chidi150c/governor/internal/settlement"
)

// Backend is what the handlers need from the governor.
type Backend interface {
	Submit(ctx context.Context, o compliance.OrderRequest) (compliance.FillReport, error)
	MarkPnL(ctx context.Context, userID string, realizedDelta, unrealized float64) error
	Decision() *capacity.Decision
	Cycle() (cycle.Position, *cycle.TradingCycle)
	UserState(userID string) (risk.UserState, bool)
	Settlement(ctx context.Context, userID, date string) (settlement.Record, error)
}

type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8080",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

type Server struct {
	router  *mux.Router
	srv     *http.Server
	backend Backend
	stream  http.Handler
	health  func() map[string]any
	cfg     Config
	log     zerolog.Logger
}

// NewServer builds the router. stream serves the audit websocket and may be
// nil; health adds fields to /healthz and may be nil.
func NewServer(cfg Config, backend Backend, stream http.Handler, health func() map[string]any, log zerolog.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		backend: backend,
		stream:  stream,
		health:  health,
		cfg:     cfg,
		log:     log,
	}
	s.routes()
	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestID, s.logRequests)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.stream != nil {
		s.router.Handle("/v1/audit/stream", s.stream).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.timeout, jsonContent)
	v1.HandleFunc("/capacity", s.handleCapacity).Methods(http.MethodGet)
	v1.HandleFunc("/cycle", s.handleCycle).Methods(http.MethodGet)
	v1.HandleFunc("/users/{user}/risk", s.handleRisk).Methods(http.MethodGet)
	v1.HandleFunc("/users/{user}/settlements/{date}", s.handleSettlement).Methods(http.MethodGet)
	v1.HandleFunc("/users/{user}/orders", s.handleSubmit).Methods(http.MethodPost)
	v1.HandleFunc("/users/{user}/pnl", s.handlePnL).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
	})
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.srv.Shutdown(ctx)
}

type ctxKey string

const requestIDKey ctxKey = "request_id"

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()[:8]
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/audit/stream" {
			// hijacked connections cannot be wrapped
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		s.log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) timeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RequestTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
