package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kolokol/internal/call"
	"kolokol/internal/chat"
	"kolokol/internal/fanout"
	"kolokol/internal/models"
	"kolokol/internal/presence"
	"kolokol/internal/registry"
	"kolokol/internal/telemetry"
	"kolokol/internal/typing"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Event is one inbound frame together with the connection it came from.
type Event struct {
	Endpoint  *Outbox
	UserID    string
	RequestID string
	Payload   json.RawMessage
}

// Reply sends a message to the originating connection only.
func (e Event) Reply(typ models.ServerMessageType, payload any) bool {
	return e.Endpoint.Send(models.ServerMessage{
		Type:      typ,
		RequestID: e.RequestID,
		Payload:   payload,
	})
}

type Handler func(ctx context.Context, ev Event) error

type Config struct {
	EventTimeout time.Duration
	OutboxSize   int
}

// Deps are the components the hub dispatches to.
type Deps struct {
	Registry *registry.Registry
	Rooms    *chat.Manager
	Presence *presence.Publisher
	Typing   *typing.Tracker
	Fanout   *fanout.Pipeline
	Calls    *call.Coordinator
}

// Hub is the server context shared by every connection. It owns the
// connect/disconnect sequence and a handler table keyed by event type.
type Hub struct {
	Deps
	cfg      Config
	handlers map[models.ClientMessageType]Handler
	validate *validator.Validate
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewHub(deps Deps, cfg Config, logger *slog.Logger) *Hub {
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 5 * time.Second
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 100
	}
	h := &Hub{
		Deps:     deps,
		cfg:      cfg,
		handlers: make(map[models.ClientMessageType]Handler),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		tracer:   telemetry.Tracer("ws"),
	}
	h.registerHandlers()
	return h
}

func (h *Hub) SetHandle(t models.ClientMessageType, handler Handler) {
	h.handlers[t] = handler
}

// Join registers a new connection of an authenticated user, subscribes it to
// the user's chats and announces the user online, in that order.
func (h *Hub) Join(ctx context.Context, identity models.Identity) (*Outbox, error) {
	ep := NewOutbox(identity.UserID, h.cfg.OutboxSize)
	logger := h.logger.With("user_id", identity.UserID, "conn_id", ep.ID())

	if prev, replaced := h.Registry.Register(identity.UserID, ep); replaced {
		// The previous connection is not told about it. It leaves every room
		// and its inbound events are ignored until it disconnects on its own.
		h.Rooms.LeaveAll(prev)
		logger.Info("connection replaced", "previous_conn_id", prev.ID())
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.EventTimeout)
	defer cancel()
	if err := h.Rooms.OnConnect(ctx, identity.UserID, ep); err != nil {
		h.Registry.Unregister(identity.UserID, ep)
		h.Rooms.LeaveAll(ep)
		ep.Close()
		return nil, err
	}

	h.Presence.OnConnect(ctx, identity.UserID)
	logger.Info("connected")
	return ep, nil
}

// Leave runs the disconnect cleanup: registry removal, typing cleanup and
// presence offline. A connection that was already replaced only drops its
// room subscriptions; the user is still online through the newer one.
func (h *Hub) Leave(ctx context.Context, ep *Outbox) {
	removed := h.Registry.Unregister(ep.UserID(), ep)
	h.Rooms.LeaveAll(ep)
	ep.Close()

	if !removed {
		h.logger.Info("stale connection closed", "user_id", ep.UserID(), "conn_id", ep.ID())
		return
	}

	h.Typing.ClearUser(ep.UserID())

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.EventTimeout)
	defer cancel()
	h.Presence.OnDisconnect(ctx, ep.UserID())
	h.logger.Info("disconnected", "user_id", ep.UserID(), "conn_id", ep.ID())
}

// Dispatch runs the handler of an inbound frame. Errors and panics are turned
// into an error event sent only to the originating connection.
func (h *Hub) Dispatch(ctx context.Context, ep *Outbox, msg models.ClientMessage) {
	if cur, ok := h.Registry.Lookup(ep.UserID()); !ok || cur.ID() != ep.ID() {
		h.logger.Debug("event from replaced connection ignored", "user_id", ep.UserID(), "conn_id", ep.ID(), "type", msg.Type)
		return
	}

	ev := Event{
		Endpoint:  ep,
		UserID:    ep.UserID(),
		RequestID: msg.RequestID,
		Payload:   msg.Payload,
	}

	ctx, span := h.tracer.Start(ctx, "ws."+string(msg.Type),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("user.id", ev.UserID),
			attribute.String("event.type", string(msg.Type)),
		),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, h.cfg.EventTimeout)
	defer cancel()

	err := h.run(ctx, msg.Type, ev)
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	code, message := models.ErrorCode(err)
	if code == models.CodeInternal {
		h.logger.Error("event failed", "user_id", ev.UserID, "type", msg.Type, "error", err)
	} else {
		h.logger.Debug("event rejected", "user_id", ev.UserID, "type", msg.Type, "error", err)
	}
	ev.Reply(models.ServerError, models.ErrorPayload{Code: code, Message: message})
}

func (h *Hub) run(ctx context.Context, t models.ClientMessageType, ev Event) (err error) {
	handler, ok := h.handlers[t]
	if !ok {
		return fmt.Errorf("%w: unknown event type %q", models.ErrInvalidPayload, t)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", t, r)
		}
	}()
	return handler(ctx, ev)
}

// JoinChat subscribes the user's live connection, if any, to a chat created or
// joined after the connection was established.
func (h *Hub) JoinChat(chatID, userID string) {
	if ep, ok := h.Registry.Lookup(userID); ok {
		h.Rooms.Join(chatID, ep)
	}
}

// LeaveChat drops the subscription of the user's live connection after the
// user was removed from the chat.
func (h *Hub) LeaveChat(chatID, userID string) {
	if ep, ok := h.Registry.Lookup(userID); ok {
		h.Rooms.Leave(chatID, ep)
	}
	h.Typing.Stop(chatID, userID)
}

// decode unmarshals and validates an event payload.
func decode[T any](h *Hub, raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("%w: payload is required", models.ErrInvalidPayload)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err)
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return v, fmt.Errorf("%w: field %s failed %s", models.ErrInvalidPayload, verrs[0].Field(), verrs[0].Tag())
		}
		return v, fmt.Errorf("%w: %w", models.ErrInvalidPayload, err)
	}
	return v, nil
}
