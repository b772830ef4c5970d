// Package server wires the HTTP facade: it opens the database, builds the
// services and handlers on top of the channel controller, and serves them
// with graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/code-runner/internal/auth"
	"github.com/sakif/code-runner/internal/channel"
	"github.com/sakif/code-runner/internal/config"
	"github.com/sakif/code-runner/internal/handler"
	"github.com/sakif/code-runner/internal/middleware"
	sqliteRepo "github.com/sakif/code-runner/internal/repository/sqlite"
	"github.com/sakif/code-runner/internal/service"
)

// Server owns the router, the database and the controller. Start closes all
// of them on the way out.
type Server struct {
	router *chi.Mux
	config *config.Config
	logger *slog.Logger
	db     *sqliteRepo.DB
	ctrl   *channel.Controller
}

func New(cfg *config.Config, ctrl *channel.Controller, logger *slog.Logger) (*Server, error) {
	db, err := sqliteRepo.New(cfg.Server.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
		db:     db,
		ctrl:   ctrl,
	}

	if err := s.setupRoutes(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() error {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(middleware.Logger(s.logger))

	snippetService := service.NewSnippetService(s.db, s.logger)
	executionService := service.NewExecutionService(s.ctrl, s.db.Executions(), s.db, s.logger)

	executeHandler := handler.NewExecuteHandler(executionService, s.logger)
	snippetHandler := handler.NewSnippetHandler(snippetService, executionService, s.logger)
	executionHandler := handler.NewExecutionHandler(executionService, s.logger)
	healthHandler := handler.NewHealthHandler(s.ctrl, s.config.Executor.Languages())

	s.router.Get("/healthz", healthHandler.HandleHealth)

	var requireAuth func(http.Handler) http.Handler
	if s.config.Auth.Enabled() {
		tokens, err := auth.NewTokenService(s.config.Auth.JWTSecret, s.config.Auth.TokenTTL)
		if err != nil {
			return err
		}

		clients := make([]service.Client, len(s.config.Auth.Clients))
		for i, c := range s.config.Auth.Clients {
			clients[i] = service.Client{ID: c.ID, KeyHash: c.KeyHash}
		}
		authService := service.NewAuthService(clients, auth.NewKeyHasher(), tokens, s.logger)
		authHandler := handler.NewAuthHandler(authService, s.logger)

		s.router.Post("/auth/token", authHandler.HandleToken)
		requireAuth = auth.RequireAuth(tokens)
	} else {
		s.logger.Warn("authentication disabled: /api is open to anyone who can reach this port")
	}

	s.router.Route("/api", func(r chi.Router) {
		if requireAuth != nil {
			r.Use(requireAuth)
		}

		r.Get("/languages", healthHandler.HandleLanguages)
		r.Post("/execute", executeHandler.HandleExecute)

		r.Get("/snippets", snippetHandler.HandleList)
		r.Post("/snippets", snippetHandler.HandleCreate)
		r.Get("/snippets/{id}", snippetHandler.HandleGetByID)
		r.Put("/snippets/{id}", snippetHandler.HandleUpdate)
		r.Delete("/snippets/{id}", snippetHandler.HandleDelete)
		r.Post("/snippets/{id}/run", snippetHandler.HandleRun)

		r.Get("/executions", executionHandler.HandleList)
		r.Get("/executions/{id}", executionHandler.HandleGetByID)
	})

	return nil
}

// writeTimeout leaves room for the longest run the controller allows, plus
// its outer margin, before the connection is cut. Without a max timeout there
// is no such bound, so the write deadline is disabled.
func (s *Server) writeTimeout() time.Duration {
	ch := s.config.Channel
	if ch.MaxTimeout <= 0 {
		return 0
	}
	return ch.MaxTimeout + ch.TimeoutMargin + 15*time.Second
}

func (s *Server) terminateChannel() {
	if err := s.ctrl.Terminate(); err != nil {
		s.logger.Error("failed to terminate channel", slog.String("error", err.Error()))
	}
}

// Start serves until SIGINT or SIGTERM, then shuts down in order: stop
// accepting requests and drain in-flight ones, terminate the channel (failing
// anything still pending), close the database.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

// Run is Start with the lifetime given by ctx instead of signals.
func (s *Server) Run(ctx context.Context) error {
	defer s.db.Close()
	defer s.terminateChannel()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.writeTimeout(),
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Server.Port)),
			slog.String("database", s.config.Server.DBPath),
			slog.String("transport", s.config.Channel.Transport),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
