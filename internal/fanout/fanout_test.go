package fanout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kolokol/internal/chat"
	"kolokol/internal/models"
	"kolokol/internal/registry"
	"kolokol/internal/registry/registrytest"
	"kolokol/internal/storage"
	"kolokol/internal/typing"

	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	mu    sync.Mutex
	users []string
}

func (m *mockNotifier) NotifyMessage(_ context.Context, userID string, _ models.Message, _ models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, userID)
}

// failingStore fails message creation after the membership checks pass.
type failingStore struct {
	*storage.BboltStorage
}

func (failingStore) CreateMessage(context.Context, models.Message, []models.DeliveryStatus) (models.Message, error) {
	return models.Message{}, errors.New("disk full")
}

type env struct {
	store    *storage.BboltStorage
	registry *registry.Registry
	rooms    *chat.Manager
	typing   *typing.Tracker
	notifier *mockNotifier
	pipeline *Pipeline
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, u := range []models.User{
		{ID: "alice", UserName: "alice", DisplayName: "Alice"},
		{ID: "bob", UserName: "bob", DisplayName: "Bob"},
		{ID: "carol", UserName: "carol", DisplayName: "Carol"},
	} {
		require.NoError(t, store.UpsertUser(ctx, u))
	}
	require.NoError(t, store.UpsertChat(ctx, models.Chat{ID: "7", Name: "Seven", Members: []string{"alice", "bob"}}))
	require.NoError(t, store.UpsertChat(ctx, models.Chat{ID: "8", Name: "Eight", Members: []string{"alice", "bob", "carol"}}))

	e := &env{
		store:    store,
		registry: registry.New(),
		rooms:    chat.NewManager(store, logger),
		notifier: &mockNotifier{},
	}
	e.typing = typing.NewTracker(e.rooms, time.Minute, logger)
	t.Cleanup(e.typing.Close)
	e.pipeline = New(store, e.registry, e.rooms, e.typing, e.notifier, logger)
	return e
}

func (e *env) connect(t *testing.T, userID string) *registrytest.Endpoint {
	t.Helper()
	ep := registrytest.NewEndpoint(userID+"-conn", userID)
	e.registry.Register(userID, ep)
	require.NoError(t, e.rooms.OnConnect(context.Background(), userID, ep))
	return ep
}

func TestPipeline_SendToLiveRecipient(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.connect(t, "alice")
	bob := e.connect(t, "bob")

	require.NoError(t, e.typing.Start("7", "alice"))
	bob.Expect(t, models.ServerTypingChanged)

	msg, err := e.pipeline.Send(ctx, SendInput{ChatID: "7", SenderID: "alice", Content: "hi"})
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)

	created := bob.Expect(t, models.ServerMessageCreated).Payload.(models.MessageCreatedPayload)
	require.Equal(t, "hi", created.Message.Content)
	require.Equal(t, "Alice", created.Sender.DisplayName)
	require.Equal(t, "<p>hi</p>", created.ContentHTML)

	stopped := bob.Expect(t, models.ServerTypingChanged).Payload.(models.TypingChangedPayload)
	require.Equal(t, models.TypingStopped, stopped.State)
	require.Equal(t, "alice", stopped.UserID)
	require.False(t, e.typing.IsTyping("7", "alice"))
	bob.ExpectNone(t, 20*time.Millisecond)

	// The sender sees its own message once and no typing event of its own.
	alice.Expect(t, models.ServerMessageCreated)
	alice.ExpectNone(t, 20*time.Millisecond)

	rows, err := e.store.ListDeliveryStatuses(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "bob", rows[0].UserID)
	require.Equal(t, models.DeliveryDelivered, rows[0].Status)
	require.Empty(t, e.notifier.users)
}

func TestPipeline_OfflineRecipientIsSent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.connect(t, "alice")
	bob := e.connect(t, "bob")

	msg, err := e.pipeline.Send(ctx, SendInput{ChatID: "8", SenderID: "alice", Content: "anyone?"})
	require.NoError(t, err)
	bob.Expect(t, models.ServerMessageCreated)

	rows, err := e.store.ListDeliveryStatuses(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	byUser := map[string]models.DeliveryState{}
	for _, row := range rows {
		byUser[row.UserID] = row.Status
	}
	require.Equal(t, models.DeliveryDelivered, byUser["bob"])
	require.Equal(t, models.DeliverySent, byUser["carol"])
	require.Equal(t, []string{"carol"}, e.notifier.users)
}

func TestPipeline_Unauthorized(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.connect(t, "carol")
	bob := e.connect(t, "bob")

	_, err := e.pipeline.Send(ctx, SendInput{ChatID: "7", SenderID: "carol", Content: "let me in"})
	require.ErrorIs(t, err, models.ErrAuthorization)
	bob.ExpectNone(t, 20*time.Millisecond)

	chat, err := e.store.GetChat(ctx, "7")
	require.NoError(t, err)
	require.Zero(t, chat.LastSeq)
}

func TestPipeline_EmptyAfterSanitize(t *testing.T) {
	e := newEnv(t)
	_, err := e.pipeline.Send(context.Background(), SendInput{ChatID: "7", SenderID: "alice", Content: "<script>x</script>"})
	require.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestPipeline_PersistenceFailure(t *testing.T) {
	e := newEnv(t)
	bob := e.connect(t, "bob")
	e.pipeline.store = failingStore{e.store}

	_, err := e.pipeline.Send(context.Background(), SendInput{ChatID: "7", SenderID: "alice", Content: "hi"})
	require.ErrorIs(t, err, models.ErrPersistence)
	code, _ := models.ErrorCode(err)
	require.Equal(t, models.CodeInternal, code)
	bob.ExpectNone(t, 20*time.Millisecond)
}

func TestPipeline_ReplyPreview(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	bob := e.connect(t, "bob")

	first, err := e.pipeline.Send(ctx, SendInput{ChatID: "7", SenderID: "alice", Content: "first"})
	require.NoError(t, err)
	other, err := e.pipeline.Send(ctx, SendInput{ChatID: "8", SenderID: "alice", Content: "elsewhere"})
	require.NoError(t, err)
	bob.Drain()

	_, err = e.pipeline.Send(ctx, SendInput{ChatID: "7", SenderID: "bob", Content: "reply", ReplyToID: first.ID})
	require.NoError(t, err)
	created := bob.Expect(t, models.ServerMessageCreated).Payload.(models.MessageCreatedPayload)
	require.NotNil(t, created.ReplyTo)
	require.Equal(t, "first", created.ReplyTo.Excerpt)
	bob.Drain()

	// A reply to a message of another chat is stored but not previewed.
	msg, err := e.pipeline.Send(ctx, SendInput{ChatID: "7", SenderID: "bob", Content: "cross", ReplyToID: other.ID})
	require.NoError(t, err)
	require.Equal(t, other.ID, msg.ReplyToID)
	created = bob.Expect(t, models.ServerMessageCreated).Payload.(models.MessageCreatedPayload)
	require.Nil(t, created.ReplyTo)
}

func TestPipeline_React(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.connect(t, "alice")

	msg, err := e.pipeline.Send(ctx, SendInput{ChatID: "7", SenderID: "alice", Content: "react to me"})
	require.NoError(t, err)
	alice.Drain()

	require.NoError(t, e.pipeline.React(ctx, "7", msg.ID, "bob", "🔥"))
	payload := alice.Expect(t, models.ServerReactionChanged).Payload.(models.ReactionChangedPayload)
	require.Equal(t, []string{"bob"}, payload.Reactions["🔥"])

	err = e.pipeline.React(ctx, "8", msg.ID, "bob", "🔥")
	require.ErrorIs(t, err, models.ErrNotFound)

	err = e.pipeline.React(ctx, "7", msg.ID, "carol", "🔥")
	require.ErrorIs(t, err, models.ErrAuthorization)
}

func TestPipeline_MarkRead(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	alice := e.connect(t, "alice")

	msg, err := e.pipeline.Send(ctx, SendInput{ChatID: "7", SenderID: "alice", Content: "read me"})
	require.NoError(t, err)
	alice.Drain()

	require.NoError(t, e.pipeline.MarkRead(ctx, "7", msg.ID, "bob"))
	payload := alice.Expect(t, models.ServerMessageStatusChanged).Payload.(models.MessageStatusChangedPayload)
	require.Equal(t, models.DeliveryRead, payload.Status.Status)
	require.Equal(t, "bob", payload.Status.UserID)

	// Already read: no regression and no second event.
	require.NoError(t, e.pipeline.MarkRead(ctx, "7", msg.ID, "bob"))
	alice.ExpectNone(t, 20*time.Millisecond)

	// The author has no delivery row of their own.
	require.NoError(t, e.pipeline.MarkRead(ctx, "7", msg.ID, "alice"))
}
