// Package server wires the application together and runs the HTTP server.
//
// This package is the "composition root": every dependency is constructed
// here, in order, and handed to the layer that needs it:
//
//	config → store → vault / signers → WakaTime client → services
//	       → sync runner → scheduler → handlers → router
//
// Nothing below this package reads configuration or builds its own
// dependencies, which keeps every layer testable with fakes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/akumotech/student-tracker/internal/auth"
	"github.com/akumotech/student-tracker/internal/config"
	"github.com/akumotech/student-tracker/internal/handler"
	"github.com/akumotech/student-tracker/internal/middleware"
	"github.com/akumotech/student-tracker/internal/model"
	"github.com/akumotech/student-tracker/internal/repository/sqlstore"
	"github.com/akumotech/student-tracker/internal/service"
	"github.com/akumotech/student-tracker/internal/syncer"
	"github.com/akumotech/student-tracker/internal/vault"
	"github.com/akumotech/student-tracker/internal/wakatime"
)

// Server owns the database connection, the sync scheduler and the router.
//
// RESOURCE MANAGEMENT:
// Close releases everything New acquired. Start calls it on shutdown;
// callers that never Start (the sync and migrate commands) call it directly.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *sqlstore.Store
	runner    *syncer.Runner
	scheduler *syncer.Scheduler // nil when sync.enabled is false
	router    *chi.Mux

	// cancel stops background goroutines started by New (rate limiter sweep).
	cancel context.CancelFunc
}

// New opens the database, applies pending migrations and builds the full
// dependency graph. cfg must already be validated.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	// === DATABASE ===
	store, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("server: opening database: %w", err)
	}
	applied, err := store.Migrate(ctx)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("server: migrating database: %w", err)
	}
	if applied > 0 {
		logger.Info("database migrated", slog.Int("applied", applied))
	}

	s, err := build(cfg, logger, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return s, nil
}

func build(cfg *config.Config, logger *slog.Logger, store *sqlstore.Store) (*Server, error) {
	// === SECRETS ===
	v, err := vault.New(cfg.Vault.Key)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	// Session and state tokens share the secret; issuer and audience keep
	// one from being accepted as the other.
	states, err := auth.NewStateSigner(cfg.Auth.JWTSecret, cfg.Auth.StateTTL)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	passwords := auth.NewPasswordService(cfg.Auth.BcryptCost)

	// === WAKATIME CLIENT ===
	wc := cfg.WakaTime
	httpClient := wakatime.NewHTTPClient(wc.HTTPTimeout)
	provider := wakatime.NewProvider(wakatime.OAuthConfig{
		ClientID:     wc.ClientID,
		ClientSecret: wc.ClientSecret,
		RedirectURL:  wc.RedirectURL,
		Scopes:       wc.Scopes,
		AuthURL:      wc.AuthURL,
		TokenURL:     wc.TokenURL,
	}, httpClient)
	fetcher := wakatime.NewFetcher(wakatime.FetcherConfig{
		BaseURL:           wc.APIBaseURL,
		RetryDelay:        wc.RetryDelay,
		RequestsPerSecond: wc.RequestsPerSecond,
	}, httpClient, logger.With(slog.String("component", "wakatime")))

	// === SERVICES ===
	accounts := service.NewAuthService(store, tokens, passwords, logger.With(slog.String("component", "auth")))
	connections := service.NewTokenManager(store, v, states, provider, logger.With(slog.String("component", "connect")))

	// === SYNC ===
	runner := syncer.NewRunner(store, store, connections, fetcher, syncer.Config{
		LookbackDays: cfg.Sync.LookbackDays,
		Concurrency:  cfg.Sync.Concurrency,
		PassTimeout:  cfg.Sync.PassTimeout,
		UserTimeout:  cfg.Sync.UserTimeout,
	}, logger.With(slog.String("component", "syncer")))

	var scheduler *syncer.Scheduler
	if cfg.Sync.Enabled {
		scheduler, err = syncer.NewScheduler(runner, cfg.Sync.Schedule, logger.With(slog.String("component", "scheduler")))
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
	}

	bg, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		runner:    runner,
		scheduler: scheduler,
		router:    chi.NewRouter(),
		cancel:    cancel,
	}

	s.setupRoutes(bg, routeDeps{
		tokens:      tokens,
		accounts:    accounts,
		connections: connections,
	})
	return s, nil
}

type routeDeps struct {
	tokens      *auth.TokenService
	accounts    *service.AuthService
	connections *service.TokenManager
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
//
//	GET    /healthz                       → DB ping
//	POST   /api/auth/signup|login|logout  → accounts (rate limited per IP)
//	GET    /api/me                        → current user          [auth]
//	GET    /api/wakatime/authorize        → consent redirect      [auth]
//	GET    /api/wakatime/callback         → OAuth callback (state identifies the user)
//	POST   /api/wakatime/sync             → sync caller now       [auth]
//	GET    /api/wakatime/summaries        → stored daily rows     [auth]
//	DELETE /api/wakatime/connection       → disconnect            [auth]
//	POST   /api/admin/sync                → full pass             [admin]
//	PUT    /api/admin/users/{id}/role     → change role           [admin]
//
// MIDDLEWARE ORDER MATTERS:
// RequestID before Logger so every log line carries the ID; RealIP before
// the rate limiter so it keys on the client, not the proxy.
func (s *Server) setupRoutes(bg context.Context, d routeDeps) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	secureCookies := strings.HasPrefix(s.cfg.Server.FrontendURL, "https://")
	authHandler := handler.NewAuthHandler(d.accounts, s.cfg.Auth.SessionTTL, secureCookies, s.logger)
	wakaHandler := handler.NewWakaTimeHandler(d.connections, s.runner, s.store, s.cfg.Server.FrontendURL, s.logger)
	adminHandler := handler.NewAdminHandler(s.runner, d.accounts, s.logger)

	s.router.Get("/healthz", handler.HandleHealth(s.store, s.logger))

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			if n := s.cfg.Server.AuthRequestsPerMinute; n > 0 {
				r.Use(middleware.NewRateLimiter(bg, n).Middleware)
			}
			r.Post("/signup", authHandler.HandleSignup)
			r.Post("/login", authHandler.HandleLogin)
			r.Post("/logout", authHandler.HandleLogout)
		})

		r.Get("/wakatime/callback", wakaHandler.HandleCallback)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(d.tokens))

			r.Get("/me", authHandler.HandleMe)

			r.Route("/wakatime", func(r chi.Router) {
				r.Get("/authorize", wakaHandler.HandleAuthorize)
				r.Post("/sync", wakaHandler.HandleSync)
				r.Get("/summaries", wakaHandler.HandleSummaries)
				r.Delete("/connection", wakaHandler.HandleDisconnect)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(auth.RequireRole(d.accounts, model.RoleAdmin))
				r.Post("/sync", adminHandler.HandleSyncPass)
				r.Put("/users/{id}/role", adminHandler.HandleUpdateRole)
			})
		})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Runner is used by the one-shot sync command.
func (s *Server) Runner() *syncer.Runner {
	return s.runner
}

// Start runs the scheduler and the HTTP server until ctx is cancelled, then
// shuts both down and closes the database.
//
// GRACEFUL SHUTDOWN:
//  1. Stop accepting new HTTP connections, wait for in-flight requests (30s)
//  2. Stop the scheduler, cancelling a running pass
//  3. Close the database connection
func (s *Server) Start(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// POST /api/admin/sync answers only when the pass is over.
		WriteTimeout: s.cfg.Sync.PassTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	if s.scheduler != nil {
		s.scheduler.Start()
	} else {
		s.logger.Info("scheduled sync disabled")
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.cfg.Server.Port),
			slog.String("database", s.cfg.Database.Driver),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		serveErr = errors.Join(serveErr, fmt.Errorf("server: graceful shutdown failed: %w", err))
	}
	if s.scheduler != nil {
		if err := s.scheduler.Stop(shutdownCtx); err != nil {
			serveErr = errors.Join(serveErr, err)
		}
	}

	if serveErr == nil {
		s.logger.Info("server stopped gracefully")
	}
	return serveErr
}

// Close stops background goroutines and closes the database.
func (s *Server) Close() error {
	s.cancel()
	return s.store.Close()
}
