// Package presence announces user status changes to every live connection and
// mirrors them to storage.
package presence

import (
	"context"
	"log/slog"
	"time"

	"kolokol/internal/models"
	"kolokol/internal/registry"
)

type Store interface {
	UpdatePresence(ctx context.Context, userID string, presence models.Presence) error
}

type Broadcaster interface {
	Endpoints() []registry.Endpoint
}

type Publisher struct {
	store  Store
	peers  Broadcaster
	logger *slog.Logger
	now    func() time.Time
}

func NewPublisher(store Store, peers Broadcaster, logger *slog.Logger) *Publisher {
	return &Publisher{
		store:  store,
		peers:  peers,
		logger: logger,
		now:    time.Now,
	}
}

func (p *Publisher) OnConnect(ctx context.Context, userID string) {
	p.publish(ctx, userID, models.PresenceOnline)
}

func (p *Publisher) OnDisconnect(ctx context.Context, userID string) {
	p.publish(ctx, userID, models.PresenceOffline)
}

// Update applies a client-driven status. Offline is reserved for disconnects.
func (p *Publisher) Update(ctx context.Context, userID string, status models.PresenceStatus) error {
	switch status {
	case models.PresenceOnline, models.PresenceAway, models.PresenceBusy, models.PresenceInvisible:
	default:
		return models.ErrInvalidPayload
	}
	p.publish(ctx, userID, status)
	return nil
}

// publish broadcasts first and persists afterwards; a storage failure is only
// logged and never suppresses the broadcast.
func (p *Publisher) publish(ctx context.Context, userID string, status models.PresenceStatus) {
	presence := models.Presence{
		Status:   status,
		LastSeen: p.now().Unix(),
	}

	apparent := status
	if apparent == models.PresenceInvisible {
		apparent = models.PresenceOffline
	}
	msg := models.ServerMessage{
		Type: models.ServerPresenceChanged,
		Payload: models.PresenceChangedPayload{
			UserID:   userID,
			Status:   apparent,
			LastSeen: presence.LastSeen,
		},
	}
	for _, ep := range p.peers.Endpoints() {
		if !ep.Send(msg) {
			p.logger.Warn("dropped presence event", "user_id", ep.UserID(), "subject", userID)
		}
	}

	if err := p.store.UpdatePresence(ctx, userID, presence); err != nil {
		p.logger.Error("failed to persist presence", "user_id", userID, "status", status, "error", err)
	}
}
