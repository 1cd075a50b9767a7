// Package call coordinates the lifecycle of audio and video calls and relays
// media negotiation between call participants.
//
// A call is created pending by its initiator, rings once the invite is sent,
// becomes ongoing when answered and ends in one of the terminal states ended
// or missed. Missed is only ever set by the owning client through
// UpdateStatus; nothing here times a call out.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"kolokol/internal/models"
)

type Store interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	ChatMembers(ctx context.Context, chatID string) ([]string, error)
	CreateCallSession(ctx context.Context, call models.CallSession) (models.CallSession, error)
	UpdateCallSession(ctx context.Context, callID string, patch models.CallPatch) (models.CallSession, error)
	GetCallSession(ctx context.Context, callID string) (models.CallSession, error)
}

type Registry interface {
	SendTo(userID string, msg models.ServerMessage) bool
}

type Coordinator struct {
	store    Store
	registry Registry
	logger   *slog.Logger
	now      func() time.Time

	// locks serializes load-check-update of each call's status.
	locks *keyedMutex

	mu       sync.Mutex
	relays   map[relayKey]*RelayContext
	declined map[string]map[string]struct{} // callID -> set of userIDs
}

func NewCoordinator(store Store, registry Registry, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		registry: registry,
		logger:   logger,
		now:      time.Now,
		locks:    newKeyedMutex(),
		relays:   make(map[relayKey]*RelayContext),
		declined: make(map[string]map[string]struct{}),
	}
}

// Initiate creates a pending call in the chat with the current members as
// participants.
func (c *Coordinator) Initiate(ctx context.Context, chatID, initiatorID string, callType models.CallType) (models.CallSession, error) {
	ok, err := c.store.IsMember(ctx, chatID, initiatorID)
	if err != nil {
		return models.CallSession{}, models.WrapStorage("check membership", err)
	}
	if !ok {
		return models.CallSession{}, fmt.Errorf("chat %s: %w", chatID, models.ErrAuthorization)
	}

	members, err := c.store.ChatMembers(ctx, chatID)
	if err != nil {
		return models.CallSession{}, models.WrapStorage("list chat members", err)
	}

	session, err := c.store.CreateCallSession(ctx, models.CallSession{
		ChatID:         chatID,
		InitiatorID:    initiatorID,
		ParticipantIDs: members,
		Type:           callType,
		Status:         models.CallPending,
	})
	if err != nil {
		return models.CallSession{}, models.WrapStorage("create call", err)
	}

	c.logger.Info("call initiated", "call_id", session.ID, "chat_id", chatID, "user_id", initiatorID, "type", callType)
	return session, nil
}

// Invite rings the other participants. Delivery is fire-and-forget.
func (c *Coordinator) Invite(ctx context.Context, callID, userID string) (models.CallSession, error) {
	session, err := c.transition(ctx, callID, userID, func(s models.CallSession) (models.CallPatch, error) {
		if s.InitiatorID != userID {
			return models.CallPatch{}, fmt.Errorf("only the initiator can invite: %w", models.ErrAuthorization)
		}
		return statusPatch(models.CallRinging), nil
	})
	if err != nil {
		return models.CallSession{}, err
	}

	c.notify(session, models.ServerCallInvited, userID, userID)
	return session, nil
}

// Answer accepts a pending or ringing call and starts it.
func (c *Coordinator) Answer(ctx context.Context, callID, userID string) (models.CallSession, error) {
	session, err := c.transition(ctx, callID, userID, func(s models.CallSession) (models.CallPatch, error) {
		if s.InitiatorID == userID {
			return models.CallPatch{}, fmt.Errorf("initiator cannot answer own call: %w", models.ErrAuthorization)
		}
		patch := statusPatch(models.CallOngoing)
		started := c.now()
		patch.StartedAt = &started
		return patch, nil
	})
	if err != nil {
		return models.CallSession{}, err
	}

	c.notify(session, models.ServerCallAnswered, userID, "")
	return session, nil
}

// Reject declines a pending or ringing call. The decline is recorded but the
// call status does not change; the initiator decides whether to end it.
func (c *Coordinator) Reject(ctx context.Context, callID, userID string) (models.CallSession, error) {
	unlock := c.locks.Lock(callID)
	session, err := c.load(ctx, callID, userID)
	if err == nil && session.Status != models.CallPending && session.Status != models.CallRinging {
		err = fmt.Errorf("call is %s: %w", session.Status, models.ErrInvalidTransition)
	}
	unlock()
	if err != nil {
		return models.CallSession{}, err
	}

	c.mu.Lock()
	set, ok := c.declined[callID]
	if !ok {
		set = make(map[string]struct{})
		c.declined[callID] = set
	}
	set[userID] = struct{}{}
	c.mu.Unlock()

	c.notify(session, models.ServerCallRejected, userID, "")
	return session, nil
}

// End terminates a non-terminal call and records its duration.
func (c *Coordinator) End(ctx context.Context, callID, userID string) (models.CallSession, error) {
	session, err := c.transition(ctx, callID, userID, func(s models.CallSession) (models.CallPatch, error) {
		return c.endPatch(s, models.CallEnded), nil
	})
	if err != nil {
		return models.CallSession{}, err
	}

	c.notify(session, models.ServerCallEnded, userID, "")
	return session, nil
}

// UpdateStatus applies a status report from the client that owns the media
// session. It does not broadcast.
func (c *Coordinator) UpdateStatus(ctx context.Context, callID, userID string, patch models.CallPatch) (models.CallSession, error) {
	return c.transition(ctx, callID, userID, func(s models.CallSession) (models.CallPatch, error) {
		if patch.Status == nil {
			return patch, nil
		}
		switch *patch.Status {
		case models.CallOngoing:
			if patch.StartedAt == nil {
				started := c.now()
				patch.StartedAt = &started
			}
		case models.CallEnded, models.CallMissed:
			defaults := c.endPatch(s, *patch.Status)
			if patch.EndedAt == nil {
				patch.EndedAt = defaults.EndedAt
			}
			if patch.Duration == nil {
				patch.Duration = defaults.Duration
			}
		}
		return patch, nil
	})
}

// Declined returns the participants that rejected the call.
func (c *Coordinator) Declined(callID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]string, 0, len(c.declined[callID]))
	for userID := range c.declined[callID] {
		users = append(users, userID)
	}
	slices.Sort(users)
	return users
}

// transition loads the call, checks the actor is a participant, builds a
// patch and persists it if the resulting status change is allowed.
func (c *Coordinator) transition(
	ctx context.Context,
	callID, userID string,
	build func(models.CallSession) (models.CallPatch, error),
) (models.CallSession, error) {
	defer c.locks.Lock(callID)()

	session, err := c.load(ctx, callID, userID)
	if err != nil {
		return models.CallSession{}, err
	}
	if session.Status.Terminal() {
		return models.CallSession{}, fmt.Errorf("call %s is %s: %w", callID, session.Status, models.ErrInvalidTransition)
	}

	patch, err := build(session)
	if err != nil {
		return models.CallSession{}, err
	}
	if patch.Status != nil && !session.Status.CanTransition(*patch.Status) {
		return models.CallSession{}, fmt.Errorf("call %s is %s, cannot become %s: %w",
			callID, session.Status, *patch.Status, models.ErrInvalidTransition)
	}

	updated, err := c.store.UpdateCallSession(ctx, callID, patch)
	if err != nil {
		return models.CallSession{}, models.WrapStorage("update call", err)
	}

	if updated.Status.Terminal() {
		c.forget(callID)
	}
	c.logger.Debug("call updated", "call_id", callID, "user_id", userID, "status", updated.Status)
	return updated, nil
}

func (c *Coordinator) load(ctx context.Context, callID, userID string) (models.CallSession, error) {
	session, err := c.store.GetCallSession(ctx, callID)
	if err != nil {
		return models.CallSession{}, models.WrapStorage("get call", err)
	}
	if !session.HasParticipant(userID) {
		return models.CallSession{}, fmt.Errorf("call %s: %w", callID, models.ErrAuthorization)
	}
	return session, nil
}

func (c *Coordinator) endPatch(s models.CallSession, status models.CallStatus) models.CallPatch {
	patch := statusPatch(status)
	ended := c.now()
	patch.EndedAt = &ended
	var duration int64
	if s.StartedAt != nil {
		duration = int64(ended.Sub(*s.StartedAt).Seconds())
	}
	patch.Duration = &duration
	return patch
}

// notify sends a call event to the participants of the call, skipping
// exceptUserID when set.
func (c *Coordinator) notify(session models.CallSession, typ models.ServerMessageType, actorID, exceptUserID string) {
	msg := models.ServerMessage{
		Type: typ,
		Payload: models.CallEventPayload{
			Call:     session,
			UserID:   actorID,
			Declined: c.Declined(session.ID),
		},
	}
	for _, userID := range session.ParticipantIDs {
		if userID == exceptUserID {
			continue
		}
		if !c.registry.SendTo(userID, msg) {
			c.logger.Debug("call event not delivered", "call_id", session.ID, "user_id", userID, "type", typ)
		}
	}
}

func statusPatch(status models.CallStatus) models.CallPatch {
	return models.CallPatch{Status: &status}
}
