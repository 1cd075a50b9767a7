// Package registry tracks the single live transport endpoint of every
// connected user.
package registry

import (
	"time"

	"kolokol/internal/models"

	"github.com/c-pro/geche"
)

// Endpoint is a live transport endpoint of one connection.
type Endpoint interface {
	// ID uniquely identifies the connection, not the user.
	ID() string
	UserID() string
	// Send queues a message for delivery. It never blocks and reports
	// whether the message was accepted.
	Send(msg models.ServerMessage) bool
}

// Connection is a registered endpoint.
type Connection struct {
	UserID      string
	Endpoint    Endpoint
	ConnectedAt time.Time
}

// Registry maps a user to their single live endpoint. The last registration
// wins; the displaced endpoint is returned to the caller and not notified.
type Registry struct {
	conns *geche.Locker[string, Connection]
	now   func() time.Time
}

func New() *Registry {
	return &Registry{
		conns: geche.NewLocker[string, Connection](geche.NewMapCache[string, Connection]()),
		now:   time.Now,
	}
}

// Register maps userID to endpoint and returns the endpoint it replaced, if any.
func (r *Registry) Register(userID string, endpoint Endpoint) (Endpoint, bool) {
	tx := r.conns.Lock()
	defer tx.Unlock()

	prev, err := tx.Get(userID)
	tx.Set(userID, Connection{
		UserID:      userID,
		Endpoint:    endpoint,
		ConnectedAt: r.now(),
	})
	if err != nil || prev.Endpoint.ID() == endpoint.ID() {
		return nil, false
	}
	return prev.Endpoint, true
}

func (r *Registry) Lookup(userID string) (Endpoint, bool) {
	tx := r.conns.RLock()
	defer tx.Unlock()

	conn, err := tx.Get(userID)
	if err != nil {
		return nil, false
	}
	return conn.Endpoint, true
}

// IsLive reports whether the user currently has a registered endpoint.
func (r *Registry) IsLive(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

// Unregister removes the mapping only when it still points at endpoint, so a
// late disconnect of a replaced connection cannot evict its successor.
func (r *Registry) Unregister(userID string, endpoint Endpoint) bool {
	tx := r.conns.Lock()
	defer tx.Unlock()

	conn, err := tx.Get(userID)
	if err != nil || conn.Endpoint.ID() != endpoint.ID() {
		return false
	}
	_ = tx.Del(userID)
	return true
}

// Endpoints returns a snapshot of all live endpoints.
func (r *Registry) Endpoints() []Endpoint {
	tx := r.conns.RLock()
	defer tx.Unlock()

	snapshot := tx.Snapshot()
	endpoints := make([]Endpoint, 0, len(snapshot))
	for _, conn := range snapshot {
		endpoints = append(endpoints, conn.Endpoint)
	}
	return endpoints
}

// SendTo delivers msg to the user's live endpoint. It reports false when the
// user has no endpoint or its queue is full.
func (r *Registry) SendTo(userID string, msg models.ServerMessage) bool {
	ep, ok := r.Lookup(userID)
	if !ok {
		return false
	}
	return ep.Send(msg)
}
