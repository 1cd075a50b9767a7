package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"kolokol/internal/models"
	"kolokol/internal/registry"
)

// Room is the broadcast channel of one chat. It holds the live endpoints
// subscribed to the chat, keyed by connection ID.
type Room struct {
	ID          string
	subscribers map[string]registry.Endpoint

	mux sync.RWMutex
}

func newRoom(id string) *Room {
	return &Room{
		ID:          id,
		subscribers: make(map[string]registry.Endpoint),
	}
}

func (r *Room) subscribe(ep registry.Endpoint) {
	r.mux.Lock()
	defer r.mux.Unlock()
	r.subscribers[ep.ID()] = ep
}

// unsubscribe reports whether the room has no subscribers left.
func (r *Room) unsubscribe(ep registry.Endpoint) bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	delete(r.subscribers, ep.ID())
	return len(r.subscribers) == 0
}

// Subscribers returns a snapshot of the subscribed endpoints.
func (r *Room) Subscribers() []registry.Endpoint {
	r.mux.RLock()
	defer r.mux.RUnlock()
	eps := make([]registry.Endpoint, 0, len(r.subscribers))
	for _, ep := range r.subscribers {
		eps = append(eps, ep)
	}
	return eps
}

func (r *Room) hasUser(userID string) bool {
	r.mux.RLock()
	defer r.mux.RUnlock()
	for _, ep := range r.subscribers {
		if ep.UserID() == userID {
			return true
		}
	}
	return false
}

// MembershipStore is the part of the persistence collaborator used to find
// the chats of a connecting user.
type MembershipStore interface {
	FindChatMembership(ctx context.Context, userID string) ([]string, error)
}

// Manager subscribes live endpoints to the rooms of their chats.
type Manager struct {
	store  MembershipStore
	logger *slog.Logger

	// Map of chatID -> Room
	rooms map[string]*Room
	// Map of endpointID -> set of chatIDs, used to leave every room on disconnect
	joined map[string]map[string]struct{}

	mu sync.RWMutex
}

func NewManager(store MembershipStore, logger *slog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger,
		rooms:  make(map[string]*Room),
		joined: make(map[string]map[string]struct{}),
	}
}

// OnConnect subscribes the endpoint to every chat the user belongs to. This is
// a snapshot: chats created later need an explicit Join.
func (m *Manager) OnConnect(ctx context.Context, userID string, ep registry.Endpoint) error {
	chatIDs, err := m.store.FindChatMembership(ctx, userID)
	if err != nil {
		return models.WrapStorage(fmt.Sprintf("find chats of %s", userID), err)
	}
	for _, chatID := range chatIDs {
		m.Join(chatID, ep)
	}
	m.logger.Debug("subscribed to chats", "user_id", userID, "chats", len(chatIDs))
	return nil
}

// Join subscribes the endpoint to a chat room, creating the room on demand.
func (m *Manager) Join(chatID string, ep registry.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[chatID]
	if !ok {
		room = newRoom(chatID)
		m.rooms[chatID] = room
	}
	set, ok := m.joined[ep.ID()]
	if !ok {
		set = make(map[string]struct{})
		m.joined[ep.ID()] = set
	}
	set[chatID] = struct{}{}
	room.subscribe(ep)
}

// Leave unsubscribes the endpoint from a chat room. Empty rooms are dropped.
func (m *Manager) Leave(chatID string, ep registry.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.joined[ep.ID()]; ok {
		delete(set, chatID)
		if len(set) == 0 {
			delete(m.joined, ep.ID())
		}
	}
	room, ok := m.rooms[chatID]
	if !ok {
		return
	}
	if room.unsubscribe(ep) {
		delete(m.rooms, chatID)
	}
}

// LeaveAll unsubscribes the endpoint from every room it joined.
func (m *Manager) LeaveAll(ep registry.Endpoint) {
	m.mu.RLock()
	chatIDs := make([]string, 0, len(m.joined[ep.ID()]))
	for chatID := range m.joined[ep.ID()] {
		chatIDs = append(chatIDs, chatID)
	}
	m.mu.RUnlock()

	for _, chatID := range chatIDs {
		m.Leave(chatID, ep)
	}
}

// Rooms returns the chat IDs the endpoint is subscribed to.
func (m *Manager) Rooms(ep registry.Endpoint) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chatIDs := make([]string, 0, len(m.joined[ep.ID()]))
	for chatID := range m.joined[ep.ID()] {
		chatIDs = append(chatIDs, chatID)
	}
	return chatIDs
}

// IsSubscribed reports whether any live endpoint of the user is in the room.
func (m *Manager) IsSubscribed(chatID, userID string) bool {
	m.mu.RLock()
	room, ok := m.rooms[chatID]
	m.mu.RUnlock()
	return ok && room.hasUser(userID)
}

// Broadcast sends msg to every endpoint in the chat room, skipping endpoints of
// exceptUserID when it is not empty. It returns the number of endpoints that
// accepted the message.
func (m *Manager) Broadcast(chatID string, msg models.ServerMessage, exceptUserID string) int {
	m.mu.RLock()
	room, ok := m.rooms[chatID]
	m.mu.RUnlock()
	if !ok {
		return 0
	}

	sent := 0
	for _, ep := range room.Subscribers() {
		if exceptUserID != "" && ep.UserID() == exceptUserID {
			continue
		}
		if ep.Send(msg) {
			sent++
		} else {
			m.logger.Warn("dropped room event", "chat_id", chatID, "user_id", ep.UserID(), "type", msg.Type)
		}
	}
	return sent
}
