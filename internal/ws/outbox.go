package ws

import (
	"sync"

	"kolokol/internal/models"

	"github.com/google/uuid"
)

// Outbox is the registry endpoint of one WebSocket connection: a bounded queue
// drained by the connection's main loop.
type Outbox struct {
	id     string
	userID string
	ch     chan models.ServerMessage

	mu     sync.RWMutex
	closed bool
}

func NewOutbox(userID string, size int) *Outbox {
	return &Outbox{
		id:     uuid.NewString(),
		userID: userID,
		ch:     make(chan models.ServerMessage, size),
	}
}

func (o *Outbox) ID() string     { return o.id }
func (o *Outbox) UserID() string { return o.userID }

// Send never blocks; when the queue is full or closed the message is dropped.
func (o *Outbox) Send(msg models.ServerMessage) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	select {
	case o.ch <- msg:
		return true
	default:
		return false
	}
}

func (o *Outbox) Messages() <-chan models.ServerMessage {
	return o.ch
}

func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.ch)
}
