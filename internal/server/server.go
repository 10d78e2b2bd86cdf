// Package server wires the Insforge components onto one chi router and owns
// the HTTP server lifecycle.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/insforge/insforge/internal/auth"
	"github.com/insforge/insforge/internal/config"
	"github.com/insforge/insforge/internal/httputil"
	"github.com/insforge/insforge/internal/oauth"
	"github.com/insforge/insforge/internal/proxy"
	"github.com/insforge/insforge/internal/realtime"
	"github.com/insforge/insforge/internal/webhooks"
)

// Server is the Insforge HTTP server.
type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	pool       *pgxpool.Pool
	authSvc    *auth.Service
	authRL     *auth.RateLimiter
	hub        *realtime.Hub
	dispatcher *realtime.Dispatcher // nil when pool is nil
}

// New builds the server with all routes configured. pool may be nil in
// degraded setups; database-backed routes are skipped then.
func New(cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, authSvc *auth.Service, providers *oauth.Manager) (*Server, error) {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.Server.CORSAllowedOrigins))

	hub := realtime.NewHub(logger)

	s := &Server{
		cfg:     cfg,
		router:  r,
		logger:  logger,
		pool:    pool,
		authSvc: authSvc,
		hub:     hub,
	}

	rl := cfg.Auth.RateLimit
	if rl <= 0 {
		rl = 10
	}
	s.authRL = auth.NewRateLimiter(rl, time.Minute)

	postgrest, err := proxy.New(cfg.PostgREST.BaseURL, cfg.Auth.APIKey, authSvc.Tokens(), logger)
	if err != nil {
		return nil, fmt.Errorf("configuring postgrest proxy: %w", err)
	}

	var rtStore *realtime.Store
	if pool != nil {
		rtStore = realtime.NewStore(pool)
		sender := webhooks.NewSender(logger)
		s.dispatcher = realtime.NewDispatcher(pool, rtStore, hub, sender, logger)
	}
	rtHandler := realtime.NewHandler(hub, rtStore, authSvc.Tokens(), logger)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		authHandler := auth.NewHandler(authSvc, providers, s.authRL, logger)
		r.Mount("/auth", authHandler.Routes())

		// The WebSocket handshake and channel admin live outside the JSON
		// content-type gate; upgrades carry no body.
		r.Mount("/realtime", rtHandler.Routes(authSvc.RequireAdmin))

		r.Group(func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))

			// Table CRUD rides through to PostgREST under the caller's JWT.
			records := http.StripPrefix("/api/database/records", postgrest)
			r.Handle("/database/records", records)
			r.Handle("/database/records/*", records)

			if pool != nil {
				r.Route("/database/query", func(r chi.Router) {
					r.Use(authSvc.RequireAdmin)
					r.Post("/", handleAdminSQL(pool))
				})
			} else {
				logger.Warn("pool is nil, skipping admin SQL route")
			}
		})
	})

	return s, nil
}

// Router returns the chi router for registering additional routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins listening for HTTP requests and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	if s.dispatcher != nil {
		s.dispatcher.Start(ctx)
	}
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// StartWithReady begins listening. It closes the ready channel once the
// listener is bound, then blocks serving requests.
func (s *Server) StartWithReady(ctx context.Context, ready chan<- struct{}) error {
	if s.dispatcher != nil {
		s.dispatcher.Start(ctx)
	}
	s.http = &http.Server{
		Addr:    s.cfg.Address(),
		Handler: s.router,
	}

	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.logger.Info("server starting", "address", s.cfg.Address())
	close(ready)

	if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server and its background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeout) * time.Second
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("shutting down server", "timeout", timeout)
	if s.dispatcher != nil {
		s.dispatcher.Stop()
	}
	s.authRL.Stop()
	s.authSvc.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
