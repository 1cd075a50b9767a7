package typing

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"kolokol/internal/chat"
	"kolokol/internal/models"
	"kolokol/internal/registry/registrytest"

	"github.com/stretchr/testify/require"
)

const testTTL = 100 * time.Millisecond

func setup(t *testing.T) (*Tracker, *registrytest.Endpoint, *registrytest.Endpoint) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rooms := chat.NewManager(nil, logger)

	alice := registrytest.NewEndpoint("a1", "alice")
	bob := registrytest.NewEndpoint("b1", "bob")
	rooms.Join("c1", alice)
	rooms.Join("c1", bob)
	rooms.Join("c2", alice)
	rooms.Join("c2", bob)

	tr := NewTracker(rooms, testTTL, logger)
	t.Cleanup(tr.Close)
	return tr, alice, bob
}

func expectTyping(t *testing.T, ep *registrytest.Endpoint, chatID string, state models.TypingState) {
	t.Helper()
	msg := ep.Expect(t, models.ServerTypingChanged)
	payload := msg.Payload.(models.TypingChangedPayload)
	require.Equal(t, chatID, payload.ChatID)
	require.Equal(t, "alice", payload.UserID)
	require.Equal(t, state, payload.State)
}

func TestTracker_ExpiresAfterTTL(t *testing.T) {
	tr, alice, bob := setup(t)

	require.NoError(t, tr.Start("c1", "alice"))
	expectTyping(t, bob, "c1", models.TypingStarted)

	expectTyping(t, bob, "c1", models.TypingStopped)
	require.False(t, tr.IsTyping("c1", "alice"))

	bob.ExpectNone(t, 2*testTTL)
	alice.ExpectNone(t, 10*time.Millisecond)
}

func TestTracker_StopCancelsTimer(t *testing.T) {
	tr, _, bob := setup(t)

	require.NoError(t, tr.Start("c1", "alice"))
	tr.Stop("c1", "alice")
	expectTyping(t, bob, "c1", models.TypingStarted)
	expectTyping(t, bob, "c1", models.TypingStopped)

	// No duplicate stop once the TTL would have elapsed.
	bob.ExpectNone(t, 2*testTTL)

	// Stop while idle is a no-op.
	tr.Stop("c1", "alice")
	bob.ExpectNone(t, 20*time.Millisecond)
}

func TestTracker_RepeatedStartDoesNotRefresh(t *testing.T) {
	tr, _, bob := setup(t)

	require.NoError(t, tr.Start("c1", "alice"))
	time.Sleep(testTTL / 2)
	require.NoError(t, tr.Start("c1", "alice"))
	require.NoError(t, tr.Start("c1", "alice"))

	expectTyping(t, bob, "c1", models.TypingStarted)
	start := time.Now()
	expectTyping(t, bob, "c1", models.TypingStopped)
	require.Less(t, time.Since(start), testTTL, "repeated start must not extend the TTL")
	bob.ExpectNone(t, 2*testTTL)
}

func TestTracker_ClearAlwaysEmitsOneStop(t *testing.T) {
	tr, _, bob := setup(t)

	tr.Clear("c1", "alice")
	expectTyping(t, bob, "c1", models.TypingStopped)

	require.NoError(t, tr.Start("c1", "alice"))
	tr.Clear("c1", "alice")
	expectTyping(t, bob, "c1", models.TypingStarted)
	expectTyping(t, bob, "c1", models.TypingStopped)
	bob.ExpectNone(t, 2*testTTL)
}

func TestTracker_ClearUser(t *testing.T) {
	tr, _, bob := setup(t)

	require.NoError(t, tr.Start("c1", "alice"))
	require.NoError(t, tr.Start("c2", "alice"))
	require.NoError(t, tr.Start("c1", "bob"))
	bob.Drain()

	require.Equal(t, 2, tr.ClearUser("alice"))
	msgs := bob.Drain()
	require.Len(t, msgs, 2)
	for _, msg := range msgs {
		require.Equal(t, models.TypingStopped, msg.Payload.(models.TypingChangedPayload).State)
	}
	require.True(t, tr.IsTyping("c1", "bob"))
}

func TestTracker_RequiresSubscription(t *testing.T) {
	tr, _, bob := setup(t)
	err := tr.Start("c9", "alice")
	require.ErrorIs(t, err, models.ErrAuthorization)
	bob.ExpectNone(t, 20*time.Millisecond)
}
