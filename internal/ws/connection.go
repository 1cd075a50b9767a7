package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"kolokol/internal/models"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Join(ctx context.Context, identity models.Identity) (*Outbox, error)
	Leave(ctx context.Context, ep *Outbox)
	Dispatch(ctx context.Context, ep *Outbox, msg models.ClientMessage)
}

type Connection struct {
	ws         wsConnection
	hub        messageHub
	identity   models.Identity
	logger     *slog.Logger
	fromClient chan models.ClientMessage
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	identity models.Identity,
	logger *slog.Logger,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		identity:   identity,
		logger:     logger.With("user_id", identity.UserID),
		fromClient: make(chan models.ClientMessage),
		errorCh:    make(chan error, 2),
	}
}

// Handle serves the connection until the client goes away or ctx is done.
// The disconnect cleanup always runs once the connection was joined.
func (c *Connection) Handle(ctx context.Context) error {
	outbox, err := c.hub.Join(ctx, c.identity)
	if err != nil {
		c.ws.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		close(c.errorCh)
		c.hub.Leave(context.WithoutCancel(ctx), outbox)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx, outbox)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx, outbox)
		cancel()
	})

	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context, outbox *Outbox) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				// A malformed frame is the client's problem, not the transport's.
				outbox.Send(models.ServerMessage{
					Type:    models.ServerError,
					Payload: models.ErrorPayload{Code: models.CodeInvalidPayload, Message: "malformed frame"},
				})
				continue
			}
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// mainLoop handles inbound events one at a time and writes queued outbound
// events. It is the only writer of the socket.
func (c *Connection) mainLoop(ctx context.Context, outbox *Outbox) error {
	for {
		select {
		case msg := <-c.fromClient:
			c.hub.Dispatch(ctx, outbox, msg)
		case msg, ok := <-outbox.Messages():
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
