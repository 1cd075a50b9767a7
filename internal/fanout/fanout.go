// Package fanout authorizes, persists and distributes newly authored messages
// together with their per-recipient delivery status.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"kolokol/internal/content"
	"kolokol/internal/models"
)

type Store interface {
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	ChatMembers(ctx context.Context, chatID string) ([]string, error)
	GetUser(ctx context.Context, userID string) (models.User, error)
	GetMessage(ctx context.Context, messageID string) (models.Message, error)
	CreateMessage(ctx context.Context, msg models.Message, statuses []models.DeliveryStatus) (models.Message, error)
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (map[string][]string, bool, error)
	UpdateDeliveryStatus(ctx context.Context, messageID, userID string, status models.DeliveryState) (models.DeliveryStatus, bool, error)
}

type Registry interface {
	IsLive(userID string) bool
	SendTo(userID string, msg models.ServerMessage) bool
}

type Rooms interface {
	Broadcast(chatID string, msg models.ServerMessage, exceptUserID string) int
}

type Typing interface {
	Clear(chatID, userID string)
}

type Notifier interface {
	NotifyMessage(ctx context.Context, userID string, msg models.Message, sender models.User)
}

type Pipeline struct {
	store    Store
	registry Registry
	rooms    Rooms
	typing   Typing
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func New(store Store, registry Registry, rooms Rooms, typing Typing, notifier Notifier, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		registry: registry,
		rooms:    rooms,
		typing:   typing,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

type SendInput struct {
	ChatID    string
	SenderID  string
	Content   string
	Type      models.MessageType
	ReplyToID string
}

// Send runs one message through the pipeline. Nothing is broadcast unless the
// message and all of its delivery rows were stored.
func (p *Pipeline) Send(ctx context.Context, in SendInput) (models.Message, error) {
	if err := p.authorize(ctx, in.ChatID, in.SenderID); err != nil {
		return models.Message{}, err
	}

	text := content.Sanitize(in.Content)
	if text == "" {
		return models.Message{}, fmt.Errorf("%w: message is empty", models.ErrInvalidPayload)
	}

	members, err := p.store.ChatMembers(ctx, in.ChatID)
	if err != nil {
		return models.Message{}, models.WrapStorage("list chat members", err)
	}

	ts := p.now().UnixMilli()
	statuses := make([]models.DeliveryStatus, 0, len(members))
	for _, userID := range members {
		if userID == in.SenderID {
			continue
		}
		state := models.DeliverySent
		if p.registry.IsLive(userID) {
			state = models.DeliveryDelivered
		}
		statuses = append(statuses, models.DeliveryStatus{UserID: userID, Status: state, Timestamp: ts})
	}

	msg, err := p.store.CreateMessage(ctx, models.Message{
		ChatID:    in.ChatID,
		SenderID:  in.SenderID,
		Type:      in.Type,
		Content:   text,
		ReplyToID: in.ReplyToID,
		CreatedAt: ts,
	}, statuses)
	if err != nil {
		return models.Message{}, models.WrapStorage("create message", err)
	}

	payload := p.hydrate(ctx, msg)
	p.rooms.Broadcast(in.ChatID, models.ServerMessage{
		Type:    models.ServerMessageCreated,
		Payload: payload,
	}, "")

	p.typing.Clear(in.ChatID, in.SenderID)

	for _, st := range statuses {
		if st.Status == models.DeliverySent {
			p.notifier.NotifyMessage(ctx, st.UserID, msg, payload.Sender)
		}
	}

	p.logger.Debug("message sent", "chat_id", in.ChatID, "message_id", msg.ID, "recipients", len(statuses))
	return msg, nil
}

// hydrate attaches the sender profile, the reply preview and rendered HTML.
// Failures here degrade the payload and never fail the send.
func (p *Pipeline) hydrate(ctx context.Context, msg models.Message) models.MessageCreatedPayload {
	payload := models.MessageCreatedPayload{Message: msg}

	sender, err := p.store.GetUser(ctx, msg.SenderID)
	if err != nil {
		p.logger.Warn("failed to load sender profile", "user_id", msg.SenderID, "error", err)
		sender = models.User{ID: msg.SenderID}
	}
	payload.Sender = sender

	if msg.ReplyToID != "" {
		// Replies across chats are stored as given but never previewed.
		reply, err := p.store.GetMessage(ctx, msg.ReplyToID)
		switch {
		case err != nil:
			p.logger.Debug("reply target not loaded", "message_id", msg.ReplyToID, "error", err)
		case reply.ChatID == msg.ChatID:
			payload.ReplyTo = &models.ReplyPreview{
				MessageID: reply.ID,
				SenderID:  reply.SenderID,
				Excerpt:   content.Excerpt(reply.Content),
			}
		}
	}

	if msg.Type == models.MessageTypeText {
		html, err := content.Render(msg.Content)
		if err != nil {
			p.logger.Warn("failed to render message", "message_id", msg.ID, "error", err)
		}
		payload.ContentHTML = html
	}
	return payload
}

// React toggles the user's emoji reaction on a message of the chat.
func (p *Pipeline) React(ctx context.Context, chatID, messageID, userID, emoji string) error {
	if err := p.authorize(ctx, chatID, userID); err != nil {
		return err
	}
	if _, err := p.messageInChat(ctx, chatID, messageID); err != nil {
		return err
	}

	reactions, _, err := p.store.ToggleReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return models.WrapStorage("toggle reaction", err)
	}

	p.rooms.Broadcast(chatID, models.ServerMessage{
		Type: models.ServerReactionChanged,
		Payload: models.ReactionChangedPayload{
			ChatID:    chatID,
			MessageID: messageID,
			UserID:    userID,
			Emoji:     emoji,
			Reactions: reactions,
		},
	}, "")
	return nil
}

// MarkRead moves the reader's delivery status to read and tells the author.
// Marking a message that is already read is not an error.
func (p *Pipeline) MarkRead(ctx context.Context, chatID, messageID, userID string) error {
	if err := p.authorize(ctx, chatID, userID); err != nil {
		return err
	}
	msg, err := p.messageInChat(ctx, chatID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID == userID {
		return nil
	}

	status, changed, err := p.store.UpdateDeliveryStatus(ctx, messageID, userID, models.DeliveryRead)
	if err != nil {
		return models.WrapStorage("mark read", err)
	}
	if !changed {
		return nil
	}

	p.registry.SendTo(msg.SenderID, models.ServerMessage{
		Type: models.ServerMessageStatusChanged,
		Payload: models.MessageStatusChangedPayload{
			ChatID: chatID,
			Status: status,
		},
	})
	return nil
}

func (p *Pipeline) authorize(ctx context.Context, chatID, userID string) error {
	ok, err := p.store.IsMember(ctx, chatID, userID)
	if err != nil {
		return models.WrapStorage("check membership", err)
	}
	if !ok {
		return fmt.Errorf("chat %s: %w", chatID, models.ErrAuthorization)
	}
	return nil
}

func (p *Pipeline) messageInChat(ctx context.Context, chatID, messageID string) (models.Message, error) {
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, models.WrapStorage("get message", err)
	}
	if msg.ChatID != chatID {
		return models.Message{}, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	return msg, nil
}
