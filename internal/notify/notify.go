// Package notify delivers Web Push notifications to users that were offline
// when a message was sent to them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"kolokol/internal/content"
	"kolokol/internal/models"

	"github.com/SherClockHolmes/webpush-go"
)

const (
	pushTTL     = 60 * 60 * 24 // seconds
	sendTimeout = 10 * time.Second
)

type Store interface {
	ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, userID, endpoint string) error
}

type Config struct {
	Subscriber      string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
}

// Enabled reports whether the VAPID key pair is configured.
func (c Config) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// Payload is the JSON body delivered to the service worker.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type sendFunc func(ctx context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

type WebPush struct {
	store  Store
	opts   webpush.Options
	logger *slog.Logger
	send   sendFunc

	wg sync.WaitGroup
}

func NewWebPush(cfg Config, store Store, logger *slog.Logger) *WebPush {
	return &WebPush{
		store: store,
		opts: webpush.Options{
			Subscriber:      cfg.Subscriber,
			VAPIDPublicKey:  cfg.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.VAPIDPrivateKey,
			TTL:             pushTTL,
			Urgency:         webpush.UrgencyHigh,
		},
		logger: logger,
		send:   webpush.SendNotificationWithContext,
	}
}

// NotifyMessage pushes a notification about msg to every subscription of the
// user in the background. Failures are logged only.
func (w *WebPush) NotifyMessage(ctx context.Context, userID string, msg models.Message, sender models.User) {
	body, err := json.Marshal(Payload{
		Title:     sender.DisplayName,
		Body:      content.Excerpt(msg.Content),
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
	})
	if err != nil {
		w.logger.Error("failed to encode push payload", "error", err)
		return
	}

	ctx = context.WithoutCancel(ctx)
	w.wg.Go(func() {
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := w.deliver(ctx, userID, body); err != nil {
			w.logger.Warn("push notification failed", "user_id", userID, "error", err)
		}
	})
}

func (w *WebPush) deliver(ctx context.Context, userID string, body []byte) error {
	subs, err := w.store.ListPushSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	for _, sub := range subs {
		resp, err := w.send(ctx, body, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				Auth:   sub.Auth,
				P256dh: sub.P256dh,
			},
		}, &w.opts)
		if err != nil {
			w.logger.Warn("push send failed", "user_id", userID, "endpoint", sub.Endpoint, "error", err)
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
			// The browser unsubscribed.
			if err := w.store.DeletePushSubscription(ctx, userID, sub.Endpoint); err != nil {
				w.logger.Error("failed to delete push subscription", "user_id", userID, "error", err)
			}
		case resp.StatusCode >= 400:
			w.logger.Warn("push rejected", "user_id", userID, "status", resp.StatusCode)
		}
	}
	return nil
}

// Wait blocks until every in-flight notification has been delivered.
func (w *WebPush) Wait() {
	w.wg.Wait()
}

// Noop is used when push is not configured.
type Noop struct{}

func (Noop) NotifyMessage(context.Context, string, models.Message, models.User) {}

func (Noop) Wait() {}
