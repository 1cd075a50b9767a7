// Package typing keeps the ephemeral "user is typing" state of every chat.
//
// A (chat, user) pair is either idle or typing. Start moves it to typing and
// arms a fixed TTL timer; a repeated Start while typing is a no-op and does not
// refresh the timer. Stop, TTL expiry and Clear move it back to idle. Every
// transition is broadcast to the chat room except the originating user.
package typing

import (
	"log/slog"
	"sync"
	"time"

	"kolokol/internal/models"
)

const DefaultTTL = 3 * time.Second

type Rooms interface {
	Broadcast(chatID string, msg models.ServerMessage, exceptUserID string) int
	IsSubscribed(chatID, userID string) bool
}

type key struct {
	chatID string
	userID string
}

type entry struct {
	timer     *time.Timer
	gen       uint64
	expiresAt time.Time
}

type Tracker struct {
	rooms  Rooms
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	entries map[key]*entry
	gen     uint64
}

func NewTracker(rooms Rooms, ttl time.Duration, logger *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker{
		rooms:   rooms,
		ttl:     ttl,
		logger:  logger,
		entries: make(map[key]*entry),
	}
}

// Start marks the user as typing in the chat.
func (t *Tracker) Start(chatID, userID string) error {
	if !t.rooms.IsSubscribed(chatID, userID) {
		return models.ErrAuthorization
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{chatID: chatID, userID: userID}
	if _, ok := t.entries[k]; ok {
		return nil
	}

	t.gen++
	gen := t.gen
	e := &entry{gen: gen, expiresAt: time.Now().Add(t.ttl)}
	e.timer = time.AfterFunc(t.ttl, func() { t.expire(k, gen) })
	t.entries[k] = e

	t.broadcast(k, models.TypingStarted)
	return nil
}

// Stop moves the user back to idle. It is a no-op when the user is not typing.
func (t *Tracker) Stop(chatID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{chatID: chatID, userID: userID}
	if t.cancel(k) {
		t.broadcast(k, models.TypingStopped)
	}
}

// Clear cancels any typing state of the user in the chat and always announces
// exactly one stop. Used after the user sends a message.
func (t *Tracker) Clear(chatID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{chatID: chatID, userID: userID}
	t.cancel(k)
	t.broadcast(k, models.TypingStopped)
}

// ClearUser stops every typing state owned by the user, one broadcast each.
func (t *Tracker) ClearUser(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cleared := 0
	for k := range t.entries {
		if k.userID != userID {
			continue
		}
		t.cancel(k)
		t.broadcast(k, models.TypingStopped)
		cleared++
	}
	return cleared
}

func (t *Tracker) IsTyping(chatID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key{chatID: chatID, userID: userID}]
	return ok
}

// Close cancels all pending timers without broadcasting.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
}

func (t *Tracker) expire(k key, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// A timer that lost the race with Stop or a newer Start must not fire.
	e, ok := t.entries[k]
	if !ok || e.gen != gen {
		return
	}
	delete(t.entries, k)
	t.logger.Debug("typing expired", "chat_id", k.chatID, "user_id", k.userID)
	t.broadcast(k, models.TypingStopped)
}

// cancel must be called with mu held.
func (t *Tracker) cancel(k key) bool {
	e, ok := t.entries[k]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, k)
	return true
}

// broadcast must be called with mu held so that transitions of one pair are
// observed in order.
func (t *Tracker) broadcast(k key, state models.TypingState) {
	t.rooms.Broadcast(k.chatID, models.ServerMessage{
		Type: models.ServerTypingChanged,
		Payload: models.TypingChangedPayload{
			ChatID: k.chatID,
			UserID: k.userID,
			State:  state,
		},
	}, k.userID)
}
