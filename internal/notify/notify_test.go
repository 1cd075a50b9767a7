package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"kolokol/internal/models"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mu      sync.Mutex
	subs    map[string][]models.PushSubscription
	deleted []string
}

func (m *mockStore) ListPushSubscriptions(_ context.Context, userID string) ([]models.PushSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[userID], nil
}

func (m *mockStore) DeletePushSubscription(_ context.Context, _ string, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, endpoint)
	return nil
}

func TestWebPush_NotifyMessage(t *testing.T) {
	store := &mockStore{subs: map[string][]models.PushSubscription{
		"bob": {
			{Endpoint: "https://push.example/live", P256dh: "p", Auth: "a"},
			{Endpoint: "https://push.example/gone", P256dh: "p", Auth: "a"},
		},
	}}
	w := NewWebPush(Config{Subscriber: "ops@example.com", VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv"},
		store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var (
		mu       sync.Mutex
		payloads []Payload
	)
	w.send = func(_ context.Context, message []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		require.Equal(t, "pub", opts.VAPIDPublicKey)
		var p Payload
		require.NoError(t, json.Unmarshal(message, &p))
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()

		status := http.StatusCreated
		if strings.HasSuffix(sub.Endpoint, "gone") {
			status = http.StatusGone
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	w.NotifyMessage(context.Background(), "bob",
		models.Message{ID: "m1", ChatID: "c1", Content: "hello bob"},
		models.User{ID: "alice", DisplayName: "Alice"})
	w.Wait()

	require.Len(t, payloads, 2)
	require.Equal(t, Payload{Title: "Alice", Body: "hello bob", ChatID: "c1", MessageID: "m1"}, payloads[0])
	require.Equal(t, []string{"https://push.example/gone"}, store.deleted)
}

func TestConfig_Enabled(t *testing.T) {
	require.False(t, Config{}.Enabled())
	require.True(t, Config{VAPIDPublicKey: "a", VAPIDPrivateKey: "b"}.Enabled())
}
