// Package server sets up the HTTP server, router, and all route definitions.
//
// SERVER ARCHITECTURE:
// This package is the "wiring" layer. It connects handlers, middleware, and
// routes, and decides:
// - Which URL patterns map to which handler functions
// - Which routes need a session, and what an anonymous caller gets back
// - How the server starts and stops gracefully
//
// DEPENDENCY INJECTION FLOW:
// main.go loads config.Config and builds the logger, then:
//
//	server.New creates: sqlite.DB → AuthService / TaskService → handlers
//
// This is the "composition root" pattern: all dependencies are wired in one
// place (New/setupRoutes). The store is opened exactly once here and handed
// down; nothing below opens its own connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sakif/tasklist/internal/auth"
	"github.com/sakif/tasklist/internal/config"
	"github.com/sakif/tasklist/internal/handler"
	"github.com/sakif/tasklist/internal/metrics"
	"github.com/sakif/tasklist/internal/middleware"
	sqliteRepo "github.com/sakif/tasklist/internal/repository/sqlite"
	"github.com/sakif/tasklist/internal/service"
)

// signInPath is where RequirePage sends anonymous browsers.
const signInPath = "/login"

// Server represents the HTTP server and all its dependencies.
//
// RESOURCE MANAGEMENT:
// The Server owns the database connection. Start closes it during graceful
// shutdown; callers that never call Start (tests) call Close.
type Server struct {
	router *chi.Mux
	config *config.Config
	logger *slog.Logger
	db     *sqliteRepo.DB

	tokens   *auth.TokenService
	registry *prometheus.Registry
}

// New creates a Server from a validated configuration.
//
// WIRING ORDER:
//  1. Open the database (migrations run inside sqlite.New)
//  2. Build the auth utilities: TokenService, PasswordService, GoogleProvider
//  3. Build the metrics registry, or a no-op recorder when disabled
//  4. Build the services on top of the repository interfaces
//  5. Build the handlers on top of the services and register routes
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token service: %w", err)
	}

	// === CREATE DATABASE ===
	db, err := sqliteRepo.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
		tokens: tokens,
	}

	if err := s.setupRoutes(); err != nil {
		db.Close() // Clean up DB if route setup fails
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// setupRoutes configures all middleware and route handlers.
//
// ROUTE STRUCTURE:
// GET    /                          → redirect to /tasks
// GET    /login, /signup            → HTML forms
// GET    /tasks                     → task list page        [page session]
// POST   /register                  → create account (JSON)
// POST   /auth/callback/credentials → email + password sign-in
// GET    /auth/signin/google        → start Google sign-in
// GET    /auth/callback/google      → finish Google sign-in
// POST   /auth/signout              → clear session cookie
// GET    /auth/session              → current user or {}
// GET    /todos                     → list tasks            [session, 401 []]
// POST   /todos                     → create task           [session, 401 {}]
// PUT    /todos                     → update task           [session]
// DELETE /todos                     → delete task           [session]
// GET    /dashboard                 → counts + list         [session]
// GET    /health                    → store probe
// GET    /metrics                   → Prometheus exposition (when enabled)
//
// MIDDLEWARE ORDER MATTERS:
// 1. RequestID: assigns a unique ID to each request (for tracing)
// 2. RealIP: extracts the real client IP from proxy headers
// 3. Logger: logs each request with timing info
// 4. Metrics: counts requests by chi route pattern
// 5. Recoverer: turns a panic into a 500 that Logger and Metrics still see
func (s *Server) setupRoutes() error {
	// === Metrics ===
	var recorder metrics.Recorder = metrics.Nop{}
	if s.config.Metrics.Enabled {
		s.registry = metrics.NewRegistry()
		recorder = metrics.NewCollector(s.registry)
	}

	// === Global Middleware ===
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(recorder))
	s.router.Use(chimiddleware.Recoverer)

	// === Services ===
	// s.db implements both repository.UserRepository and
	// repository.TaskRepository; the services only see the interfaces.
	passwords := auth.NewPasswordService(s.config.Auth.BcryptCost)
	authService := service.NewAuthService(s.db, s.tokens, passwords, recorder, s.logger)
	taskService := service.NewTaskService(s.db, recorder, s.logger)

	// A nil interface, not a nil *GoogleProvider, switches the flow off.
	var google handler.OAuthProvider
	if s.config.Google.Enabled() {
		google = auth.NewGoogleProvider(auth.GoogleConfig{
			ClientID:     s.config.Google.ClientID,
			ClientSecret: s.config.Google.ClientSecret,
			RedirectURL:  s.config.Google.RedirectURL,
		})
	}

	// === Handlers ===
	authHandler := handler.NewAuthHandler(authService, google, s.config.Auth.CookieSecure, s.logger)
	todoHandler := handler.NewTodoHandler(taskService, s.logger)
	healthHandler := handler.NewHealthHandler(s.db, s.logger)
	pageHandler, err := handler.NewPageHandler(taskService, google != nil, s.logger)
	if err != nil {
		return fmt.Errorf("creating page handler: %w", err)
	}

	optional := auth.OptionalAuth(s.tokens)
	requirePage := auth.RequirePage(s.tokens, signInPath)

	// === Operational ===
	s.router.Get("/health", healthHandler.HandleHealth)
	if s.registry != nil {
		s.router.Method(http.MethodGet, "/metrics", metrics.Handler(s.registry))
	}

	// === Pages ===
	s.router.Get("/", pageHandler.HandleRoot)
	s.router.With(optional).Get("/login", pageHandler.HandleLogin)
	s.router.With(optional).Get("/signup", pageHandler.HandleSignup)
	s.router.With(requirePage).Get("/tasks", pageHandler.HandleTasks)

	// === Authentication ===
	s.router.Post("/register", authHandler.HandleRegister)
	s.router.Route("/auth", func(r chi.Router) {
		r.Post("/callback/credentials", authHandler.HandleCredentialsSignIn)
		r.Get("/signin/google", authHandler.HandleGoogleSignIn)
		r.Get("/callback/google", authHandler.HandleGoogleCallback)
		r.Post("/signout", authHandler.HandleSignOut)
		r.With(optional).Get("/session", authHandler.HandleSession)
	})

	// === Task API ===
	// Each route carries its own 401 payload; the handler never runs for an
	// anonymous caller.
	s.router.With(auth.RequireAuth(s.tokens, handler.DenyList)).Get("/todos", todoHandler.HandleList)
	s.router.With(auth.RequireAuth(s.tokens, handler.DenyObject)).Post("/todos", todoHandler.HandleCreate)
	s.router.With(auth.RequireAuth(s.tokens, handler.DenyError)).Put("/todos", todoHandler.HandleUpdate)
	s.router.With(auth.RequireAuth(s.tokens, handler.DenyError)).Delete("/todos", todoHandler.HandleDelete)
	s.router.With(auth.RequireAuth(s.tokens, handler.DenyError)).Get("/dashboard", todoHandler.HandleDashboard)

	return nil
}

// Handler exposes the router, e.g. for httptest.NewServer.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close releases the database. Start does this itself on shutdown.
func (s *Server) Close() error {
	return s.db.Close()
}

// Start starts the HTTP server and blocks until SIGINT/SIGTERM or a fatal
// server error.
//
// GRACEFUL SHUTDOWN:
// 1. Stop accepting new HTTP connections
// 2. Wait up to http.shutdownTimeout for in-flight requests to finish
// 3. Close the database connection (flushes WAL, releases file lock)
//
// The `defer s.db.Close()` ensures step 3 happens on every return path.
func (s *Server) Start() error {
	defer s.db.Close()

	httpCfg := s.config.HTTP
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", httpCfg.Port),
		Handler:      s.router,
		ReadTimeout:  httpCfg.ReadTimeout,
		WriteTimeout: httpCfg.WriteTimeout,
		IdleTimeout:  httpCfg.IdleTimeout,
	}

	// Channel to receive OS signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	// Channel to receive server errors
	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", httpCfg.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", httpCfg.Port)),
			slog.String("database", s.config.Database.Path),
			slog.Bool("googleSignIn", s.config.Google.Enabled()),
			slog.Bool("metrics", s.config.Metrics.Enabled),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), httpCfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
