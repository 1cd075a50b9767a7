package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"kolokol/internal/api"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AdminServer exposes provisioning endpoints. It has no authentication and
// must only listen on a trusted interface.
type AdminServer struct {
	server *http.Server
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAdminServer(adminHandler *api.AdminHandler, addr string, logger *slog.Logger) *AdminServer {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/admin/users", adminHandler.AddUserHandler)
	r.Route("/admin/chats", func(r chi.Router) {
		r.Post("/", adminHandler.CreateChatHandler)
		r.Post("/{chatID}/members", adminHandler.AddMemberHandler)
		r.Delete("/{chatID}/members/{userID}", adminHandler.RemoveMemberHandler)
	})

	if addr == "" {
		addr = "localhost:8081"
	}

	return &AdminServer{
		server: &http.Server{
			Addr:    addr,
			Handler: r,
		},
		logger: logger,
	}
}

func (s *AdminServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *AdminServer) Start() error {
	s.logger.Info("admin API started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *AdminServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
