package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"kolokol/internal/auth"
	"kolokol/internal/models"

	"github.com/gorilla/websocket"
)

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (models.Identity, error)
}

type Server struct {
	ctx      context.Context
	auth     Authenticator
	hub      *Hub
	upgrader *websocket.Upgrader
	logger   *slog.Logger
	conns    sync.WaitGroup
}

// NewServer creates the WebSocket endpoint. Connections live until ctx is
// done, independently of the HTTP request that upgraded them.
func NewServer(ctx context.Context, auth Authenticator, hub *Hub, logger *slog.Logger) *Server {
	return &Server{
		ctx:    ctx,
		auth:   auth,
		hub:    hub,
		logger: logger,
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	identity, err := s.auth.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		if errors.Is(err, models.ErrAuthentication) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		s.logger.Error("failed to authenticate connection", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("error upgrading to websocket", "user_id", identity.UserID, "error", err)
		return
	}

	s.conns.Add(1)
	defer s.conns.Done()

	if err := NewConnection(s.hub, conn, identity, s.logger).Handle(s.ctx); err != nil {
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			s.logger.Debug("connection closed", "user_id", identity.UserID, "code", closeErr.Code)
			return
		}
		s.logger.Warn("connection error", "user_id", identity.UserID, "error", err)
	}
}

// Wait blocks until every upgraded connection has finished its disconnect
// cleanup. http.Server.Shutdown does not track hijacked connections.
func (s *Server) Wait() {
	s.conns.Wait()
}
