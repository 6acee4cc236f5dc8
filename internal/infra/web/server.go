// File: internal/infra/web/server.go
package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ai-chat-sync/internal/config"
	"ai-chat-sync/internal/domain/ports/adapter"
	"ai-chat-sync/internal/domain/ports/repository"
	"ai-chat-sync/internal/infra/metrics"
	red "ai-chat-sync/internal/infra/redis"
	"ai-chat-sync/internal/usecase"
)

// SessionRuntime bundles the per-user pieces: one controller, one
// reconciler subscription, one event fan-out.
type SessionRuntime struct {
	Ctrl   *usecase.StreamingSessionController
	Recon  *usecase.SyncReconciler
	Events *usecase.Emitter
}

// RuntimeFactory builds (and starts) a SessionRuntime for a user.
type RuntimeFactory func(ctx context.Context, userID string) (*SessionRuntime, error)

type Server struct {
	cfg      config.WebConfig
	dev      bool
	auth     *AuthManager
	client   adapter.CompletionClient
	store    repository.SessionStore
	limiter  *red.RateLimiter
	factory  RuntimeFactory
	log      *zerolog.Logger
	baseCtx  context.Context
	mu       sync.Mutex
	runtimes map[string]*SessionRuntime
}

func NewServer(
	ctx context.Context,
	cfg config.WebConfig,
	dev bool,
	client adapter.CompletionClient,
	store repository.SessionStore,
	limiter *red.RateLimiter,
	factory RuntimeFactory,
	logger *zerolog.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		dev:      dev,
		auth:     NewAuthManager(cfg.JWTSecret, cfg.TokenTTL),
		client:   client,
		store:    store,
		limiter:  limiter,
		factory:  factory,
		log:      logger,
		baseCtx:  ctx,
		runtimes: make(map[string]*SessionRuntime),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if s.dev {
		r.Post("/api/auth/dev-token", s.handleDevToken)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.auth.RequireUser)

		r.With(s.rateLimit("chat")).Post("/api/chat", s.handleChatProxy)

		r.Route("/api/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Get("/watch", s.handleWatch)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.handleGetSession)
				r.Delete("/", s.handleDeleteSession)
				r.Put("/title", s.handleRenameSession)
				r.With(s.rateLimit("send")).Post("/messages", s.handleSendMessage)
				r.Post("/cancel", s.handleCancelStream)
				r.Post("/files", s.handleAttachFile)
				r.Delete("/files/{fileID}", s.handleDetachFile)
			})
		})
		r.With(s.rateLimit("send")).Post("/api/messages", s.handleSendFirstMessage)
	})
	return r
}

// runtime returns the user's SessionRuntime, creating it on first use.
func (s *Server) runtime(userID string) (*SessionRuntime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runtimes[userID]; ok {
		return rt, nil
	}
	rt, err := s.factory(s.baseCtx, userID)
	if err != nil {
		return nil, err
	}
	s.runtimes[userID] = rt
	return rt, nil
}

// Shutdown tears down all live subscriptions.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rt := range s.runtimes {
		rt.Recon.Stop()
		delete(s.runtimes, id)
	}
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		metrics.ObserveHTTP(route, ww.Status(), time.Since(start).Milliseconds())
		s.log.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

// rateLimit applies the fixed-window limiter per user and route. The
// limiter is skipped entirely when Redis is not wired (dev runs).
func (s *Server) rateLimit(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			userID := UserID(r.Context())
			ok, err := s.limiter.Allow(r.Context(), red.UserRouteKey(userID, route), s.cfg.RateLimit, s.cfg.RateWindow)
			if err != nil {
				s.log.Warn().Err(err).Msg("rate limiter unavailable; allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				metrics.IncRateLimited()
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
