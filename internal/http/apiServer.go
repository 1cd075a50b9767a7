package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"kolokol/internal/api"
	"kolokol/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type APIServer struct {
	server *http.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, addr string, logger *slog.Logger) *APIServer {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", apiHandlers.HealthHandler)

	// WebSocket endpoint, authenticates on its own before the upgrade.
	r.Get("/api/chat", wsServer.HandleConnections)

	r.Group(func(r chi.Router) {
		r.Use(apiHandlers.RequireAuth)
		r.Get("/api/me", apiHandlers.MeHandler)
		r.Post("/api/logoff", apiHandlers.LogoffHandler)
		r.Patch("/api/calls/{callID}", apiHandlers.UpdateCallHandler)
		r.Post("/api/push/subscriptions", apiHandlers.PushSubscribeHandler)
	})

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: r,
		},
		logger: logger,
	}
}

func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *APIServer) Start() error {
	s.logger.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
