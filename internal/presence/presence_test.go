package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"kolokol/internal/models"
	"kolokol/internal/registry"
	"kolokol/internal/registry/registrytest"

	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mu      sync.Mutex
	updates map[string]models.Presence
	err     error
}

func (m *mockStore) UpdatePresence(_ context.Context, userID string, p models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.updates == nil {
		m.updates = make(map[string]models.Presence)
	}
	m.updates[userID] = p
	return nil
}

func newTestPublisher(store Store) (*Publisher, *registry.Registry) {
	reg := registry.New()
	p := NewPublisher(store, reg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.now = func() time.Time { return time.Unix(1700000000, 0) }
	return p, reg
}

func TestPublisher_BroadcastsToEveryone(t *testing.T) {
	store := &mockStore{}
	p, reg := newTestPublisher(store)

	alice := registrytest.NewEndpoint("a1", "alice")
	bob := registrytest.NewEndpoint("b1", "bob")
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	p.OnConnect(context.Background(), "alice")

	for _, ep := range []*registrytest.Endpoint{alice, bob} {
		msg := ep.Expect(t, models.ServerPresenceChanged)
		payload := msg.Payload.(models.PresenceChangedPayload)
		require.Equal(t, "alice", payload.UserID)
		require.Equal(t, models.PresenceOnline, payload.Status)
		require.EqualValues(t, 1700000000, payload.LastSeen)
	}
	require.Equal(t, models.PresenceOnline, store.updates["alice"].Status)

	reg.Unregister("alice", alice)
	p.OnDisconnect(context.Background(), "alice")
	msg := bob.Expect(t, models.ServerPresenceChanged)
	require.Equal(t, models.PresenceOffline, msg.Payload.(models.PresenceChangedPayload).Status)
	require.Equal(t, models.PresenceOffline, store.updates["alice"].Status)
}

func TestPublisher_InvisibleLooksOffline(t *testing.T) {
	store := &mockStore{}
	p, reg := newTestPublisher(store)
	bob := registrytest.NewEndpoint("b1", "bob")
	reg.Register("bob", bob)

	require.NoError(t, p.Update(context.Background(), "alice", models.PresenceInvisible))

	msg := bob.Expect(t, models.ServerPresenceChanged)
	require.Equal(t, models.PresenceOffline, msg.Payload.(models.PresenceChangedPayload).Status)
	require.Equal(t, models.PresenceInvisible, store.updates["alice"].Status)
}

func TestPublisher_RejectsOffline(t *testing.T) {
	p, _ := newTestPublisher(&mockStore{})
	err := p.Update(context.Background(), "alice", models.PresenceOffline)
	require.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestPublisher_StoreFailureStillBroadcasts(t *testing.T) {
	p, reg := newTestPublisher(&mockStore{err: errors.New("disk full")})
	bob := registrytest.NewEndpoint("b1", "bob")
	reg.Register("bob", bob)

	require.NoError(t, p.Update(context.Background(), "alice", models.PresenceAway))
	msg := bob.Expect(t, models.ServerPresenceChanged)
	require.Equal(t, models.PresenceAway, msg.Payload.(models.PresenceChangedPayload).Status)
}
