package ws

import (
	"context"

	"kolokol/internal/fanout"
	"kolokol/internal/models"
)

func (h *Hub) registerHandlers() {
	h.SetHandle(models.ClientSendMessage, h.handleSendMessage)
	h.SetHandle(models.ClientReactToMessage, h.handleReact)
	h.SetHandle(models.ClientMarkRead, h.handleMarkRead)
	h.SetHandle(models.ClientTypingStart, h.handleTypingStart)
	h.SetHandle(models.ClientTypingStop, h.handleTypingStop)
	h.SetHandle(models.ClientCallInvite, h.handleCallInvite)
	h.SetHandle(models.ClientCallAnswer, h.handleCallAnswer)
	h.SetHandle(models.ClientCallReject, h.handleCallReject)
	h.SetHandle(models.ClientCallEnd, h.handleCallEnd)
	h.SetHandle(models.ClientMediaOffer, h.relay(models.ClientMediaOffer))
	h.SetHandle(models.ClientMediaAnswer, h.relay(models.ClientMediaAnswer))
	h.SetHandle(models.ClientMediaICECandidate, h.relay(models.ClientMediaICECandidate))
	h.SetHandle(models.ClientPresenceUpdate, h.handlePresenceUpdate)
}

func (h *Hub) handleSendMessage(ctx context.Context, ev Event) error {
	p, err := decode[models.SendMessagePayload](h, ev.Payload)
	if err != nil {
		return err
	}
	_, err = h.Fanout.Send(ctx, fanout.SendInput{
		ChatID:    p.ChatID,
		SenderID:  ev.UserID,
		Content:   p.Content,
		Type:      p.Type,
		ReplyToID: p.ReplyToID,
	})
	return err
}

func (h *Hub) handleReact(ctx context.Context, ev Event) error {
	p, err := decode[models.ReactPayload](h, ev.Payload)
	if err != nil {
		return err
	}
	return h.Fanout.React(ctx, p.ChatID, p.MessageID, ev.UserID, p.Emoji)
}

func (h *Hub) handleMarkRead(ctx context.Context, ev Event) error {
	p, err := decode[models.MarkReadPayload](h, ev.Payload)
	if err != nil {
		return err
	}
	return h.Fanout.MarkRead(ctx, p.ChatID, p.MessageID, ev.UserID)
}

func (h *Hub) handleTypingStart(_ context.Context, ev Event) error {
	p, err := decode[models.TypingPayload](h, ev.Payload)
	if err != nil {
		return err
	}
	return h.Typing.Start(p.ChatID, ev.UserID)
}

func (h *Hub) handleTypingStop(_ context.Context, ev Event) error {
	p, err := decode[models.TypingPayload](h, ev.Payload)
	if err != nil {
		return err
	}
	h.Typing.Stop(p.ChatID, ev.UserID)
	return nil
}

// handleCallInvite creates the call, rings the other participants and tells
// the caller the call ID to use for the rest of the negotiation.
func (h *Hub) handleCallInvite(ctx context.Context, ev Event) error {
	p, err := decode[models.CallInvitePayload](h, ev.Payload)
	if err != nil {
		return err
	}
	session, err := h.Calls.Initiate(ctx, p.ChatID, ev.UserID, p.Type)
	if err != nil {
		return err
	}
	ev.Reply(models.ServerCallInitiated, models.CallEventPayload{Call: session, UserID: ev.UserID})

	_, err = h.Calls.Invite(ctx, session.ID, ev.UserID)
	return err
}

func (h *Hub) handleCallAnswer(ctx context.Context, ev Event) error {
	p, err := decode[models.CallControlPayload](h, ev.Payload)
	if err != nil {
		return err
	}
	_, err = h.Calls.Answer(ctx, p.CallID, ev.UserID)
	return err
}

func (h *Hub) handleCallReject(ctx context.Context, ev Event) error {
	p, err := decode[models.CallControlPayload](h, ev.Payload)
	if err != nil {
		return err
	}
	_, err = h.Calls.Reject(ctx, p.CallID, ev.UserID)
	return err
}

func (h *Hub) handleCallEnd(ctx context.Context, ev Event) error {
	p, err := decode[models.CallControlPayload](h, ev.Payload)
	if err != nil {
		return err
	}
	_, err = h.Calls.End(ctx, p.CallID, ev.UserID)
	return err
}

func (h *Hub) relay(kind models.ClientMessageType) Handler {
	return func(ctx context.Context, ev Event) error {
		p, err := decode[models.MediaSignalPayload](h, ev.Payload)
		if err != nil {
			return err
		}
		return h.Calls.Relay(ctx, kind, ev.UserID, p)
	}
}

func (h *Hub) handlePresenceUpdate(ctx context.Context, ev Event) error {
	p, err := decode[models.PresenceUpdatePayload](h, ev.Payload)
	if err != nil {
		return err
	}
	return h.Presence.Update(ctx, ev.UserID, p.Status)
}
