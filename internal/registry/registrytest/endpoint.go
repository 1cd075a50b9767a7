// Package registrytest provides an in-memory endpoint for tests.
package registrytest

import (
	"sync"
	"testing"
	"time"

	"kolokol/internal/models"
)

// Endpoint records every message sent to it.
type Endpoint struct {
	id     string
	userID string
	ch     chan models.ServerMessage

	mu     sync.Mutex
	closed bool
}

func NewEndpoint(id, userID string) *Endpoint {
	return &Endpoint{
		id:     id,
		userID: userID,
		ch:     make(chan models.ServerMessage, 100),
	}
}

func (e *Endpoint) ID() string     { return e.id }
func (e *Endpoint) UserID() string { return e.userID }

func (e *Endpoint) Send(msg models.ServerMessage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.ch <- msg:
		return true
	default:
		return false
	}
}

// Close makes further sends fail.
func (e *Endpoint) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Next waits for the next message.
func (e *Endpoint) Next(t *testing.T, timeout time.Duration) models.ServerMessage {
	t.Helper()
	select {
	case msg := <-e.ch:
		return msg
	case <-time.After(timeout):
		t.Fatalf("endpoint %s: no message within %s", e.id, timeout)
	}
	return models.ServerMessage{}
}

// Expect waits for the next message and checks its type.
func (e *Endpoint) Expect(t *testing.T, typ models.ServerMessageType) models.ServerMessage {
	t.Helper()
	msg := e.Next(t, time.Second)
	if msg.Type != typ {
		t.Fatalf("endpoint %s: expected %s, got %s (%+v)", e.id, typ, msg.Type, msg.Payload)
	}
	return msg
}

// ExpectNone fails if a message arrives within wait.
func (e *Endpoint) ExpectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-e.ch:
		t.Fatalf("endpoint %s: unexpected %s (%+v)", e.id, msg.Type, msg.Payload)
	case <-time.After(wait):
	}
}

// Drain returns all queued messages without waiting.
func (e *Endpoint) Drain() []models.ServerMessage {
	var msgs []models.ServerMessage
	for {
		select {
		case msg := <-e.ch:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}
