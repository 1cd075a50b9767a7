package call

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"kolokol/internal/models"
	"kolokol/internal/registry"
	"kolokol/internal/registry/registrytest"
	"kolokol/internal/storage"

	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Coordinator, *registry.Registry, *storage.BboltStorage) {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertChat(ctx, models.Chat{ID: "9", Name: "Nine", Members: []string{"carol", "dave"}}))
	require.NoError(t, store.UpsertChat(ctx, models.Chat{ID: "10", Name: "Ten", Members: []string{"erin", "frank"}}))

	reg := registry.New()
	return NewCoordinator(store, reg, slog.New(slog.NewTextHandler(io.Discard, nil))), reg, store
}

func connect(reg *registry.Registry, userID string) *registrytest.Endpoint {
	ep := registrytest.NewEndpoint(userID+"-conn", userID)
	reg.Register(userID, ep)
	return ep
}

func TestCoordinator_InviteAndAnswer(t *testing.T) {
	ctx := context.Background()
	c, reg, store := setup(t)
	carol := connect(reg, "carol")
	dave := connect(reg, "dave")

	session, err := c.Initiate(ctx, "9", "carol", models.CallAudio)
	require.NoError(t, err)
	require.Equal(t, models.CallPending, session.Status)
	require.Equal(t, models.CallAudio, session.Type)
	require.ElementsMatch(t, []string{"carol", "dave"}, session.ParticipantIDs)

	session, err = c.Invite(ctx, session.ID, "carol")
	require.NoError(t, err)
	require.Equal(t, models.CallRinging, session.Status)

	invited := dave.Expect(t, models.ServerCallInvited).Payload.(models.CallEventPayload)
	require.Equal(t, session.ID, invited.Call.ID)
	require.Equal(t, "carol", invited.UserID)
	carol.ExpectNone(t, 20*time.Millisecond)

	session, err = c.Answer(ctx, session.ID, "dave")
	require.NoError(t, err)
	require.Equal(t, models.CallOngoing, session.Status)
	require.NotNil(t, session.StartedAt)

	answered := carol.Expect(t, models.ServerCallAnswered).Payload.(models.CallEventPayload)
	require.Equal(t, "dave", answered.UserID)
	dave.Expect(t, models.ServerCallAnswered)

	stored, err := store.GetCallSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, models.CallOngoing, stored.Status)
}

func TestCoordinator_Lifecycle(t *testing.T) {
	ctx := context.Background()
	c, _, _ := setup(t)

	_, err := c.Initiate(ctx, "9", "erin", models.CallVideo)
	require.ErrorIs(t, err, models.ErrAuthorization)

	session, err := c.Initiate(ctx, "9", "carol", models.CallVideo)
	require.NoError(t, err)

	_, err = c.Invite(ctx, session.ID, "dave")
	require.ErrorIs(t, err, models.ErrAuthorization, "only the initiator invites")

	_, err = c.Answer(ctx, session.ID, "carol")
	require.ErrorIs(t, err, models.ErrAuthorization, "initiator cannot answer")

	_, err = c.Answer(ctx, session.ID, "erin")
	require.ErrorIs(t, err, models.ErrAuthorization, "outsider cannot answer")

	// Answer is accepted straight from pending.
	session, err = c.Answer(ctx, session.ID, "dave")
	require.NoError(t, err)
	require.Equal(t, models.CallOngoing, session.Status)

	_, err = c.Answer(ctx, session.ID, "dave")
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = c.Reject(ctx, session.ID, "dave")
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	session, err = c.End(ctx, session.ID, "carol")
	require.NoError(t, err)
	require.Equal(t, models.CallEnded, session.Status)
	require.True(t, session.Status.Terminal())
	require.NotNil(t, session.EndedAt)

	_, err = c.End(ctx, session.ID, "dave")
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = c.Answer(ctx, "missing", "dave")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestCoordinator_EndFromPending(t *testing.T) {
	ctx := context.Background()
	c, reg, _ := setup(t)
	dave := connect(reg, "dave")

	session, err := c.Initiate(ctx, "9", "carol", models.CallAudio)
	require.NoError(t, err)

	session, err = c.End(ctx, session.ID, "carol")
	require.NoError(t, err)
	require.Equal(t, models.CallEnded, session.Status)
	require.Zero(t, session.Duration)
	dave.Expect(t, models.ServerCallEnded)
}

func TestCoordinator_RejectKeepsStatus(t *testing.T) {
	ctx := context.Background()
	c, reg, _ := setup(t)
	carol := connect(reg, "carol")
	erin := connect(reg, "erin")

	session, err := c.Initiate(ctx, "9", "carol", models.CallAudio)
	require.NoError(t, err)
	_, err = c.Invite(ctx, session.ID, "carol")
	require.NoError(t, err)

	session, err = c.Reject(ctx, session.ID, "dave")
	require.NoError(t, err)
	require.Equal(t, models.CallRinging, session.Status)
	require.Equal(t, []string{"dave"}, c.Declined(session.ID))

	rejected := carol.Expect(t, models.ServerCallRejected).Payload.(models.CallEventPayload)
	require.Equal(t, "dave", rejected.UserID)
	require.Equal(t, []string{"dave"}, rejected.Declined)

	// Call control never leaks outside the participants.
	erin.ExpectNone(t, 20*time.Millisecond)

	_, err = c.End(ctx, session.ID, "carol")
	require.NoError(t, err)
	require.Empty(t, c.Declined(session.ID))
}

func TestCoordinator_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	c, reg, store := setup(t)
	dave := connect(reg, "dave")

	session, err := c.Initiate(ctx, "9", "carol", models.CallAudio)
	require.NoError(t, err)

	missed := models.CallMissed
	session, err = c.UpdateStatus(ctx, session.ID, "carol", models.CallPatch{Status: &missed})
	require.NoError(t, err)
	require.Equal(t, models.CallMissed, session.Status)
	require.NotNil(t, session.EndedAt)
	dave.ExpectNone(t, 20*time.Millisecond)

	ongoing := models.CallOngoing
	_, err = c.UpdateStatus(ctx, session.ID, "carol", models.CallPatch{Status: &ongoing})
	require.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = c.UpdateStatus(ctx, session.ID, "erin", models.CallPatch{Status: &ongoing})
	require.ErrorIs(t, err, models.ErrAuthorization)

	// A finished call keeps its recorded times.
	rewritten := int64(9999)
	_, err = c.UpdateStatus(ctx, session.ID, "carol", models.CallPatch{Duration: &rewritten})
	require.ErrorIs(t, err, models.ErrInvalidTransition)
	got, err := store.GetCallSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, session.Duration, got.Duration)
	require.Equal(t, session.EndedAt.UnixMilli(), got.EndedAt.UnixMilli())
}

func TestCoordinator_Relay(t *testing.T) {
	ctx := context.Background()
	c, reg, _ := setup(t)
	connect(reg, "carol")
	dave := connect(reg, "dave")

	session, err := c.Initiate(ctx, "9", "carol", models.CallVideo)
	require.NoError(t, err)

	offer := json.RawMessage(`{"sdp":"v=0"}`)
	require.NoError(t, c.Relay(ctx, models.ClientMediaOffer, "carol", models.MediaSignalPayload{
		CallID: session.ID, TargetUserID: "dave", Data: offer,
	}))
	relayed := dave.Expect(t, models.ServerMediaOffer).Payload.(models.MediaSignalRelayPayload)
	require.Equal(t, "carol", relayed.FromUserID)
	require.JSONEq(t, string(offer), string(relayed.Data))

	rc, ok := c.RelayState(session.ID, "dave", "carol")
	require.True(t, ok)
	require.True(t, rc.OfferInFlight)

	require.NoError(t, c.Relay(ctx, models.ClientMediaAnswer, "dave", models.MediaSignalPayload{
		CallID: session.ID, TargetUserID: "carol", Data: json.RawMessage(`{}`),
	}))
	require.NoError(t, c.Relay(ctx, models.ClientMediaICECandidate, "dave", models.MediaSignalPayload{
		CallID: session.ID, TargetUserID: "carol", Data: json.RawMessage(`{}`),
	}))
	rc, _ = c.RelayState(session.ID, "carol", "dave")
	require.False(t, rc.OfferInFlight)
	require.Equal(t, 1, rc.Candidates)

	// Outsiders cannot inject into a known call.
	err = c.Relay(ctx, models.ClientMediaOffer, "erin", models.MediaSignalPayload{
		CallID: session.ID, TargetUserID: "dave", Data: offer,
	})
	require.ErrorIs(t, err, models.ErrAuthorization)

	_, err = c.End(ctx, session.ID, "carol")
	require.NoError(t, err)
	_, ok = c.RelayState(session.ID, "carol", "dave")
	require.False(t, ok)
}

func TestCoordinator_RelayToOfflineTargetIsSilent(t *testing.T) {
	ctx := context.Background()
	c, reg, _ := setup(t)
	erin := connect(reg, "erin")

	session, err := c.Initiate(ctx, "10", "erin", models.CallVideo)
	require.NoError(t, err)

	err = c.Relay(ctx, models.ClientMediaOffer, "erin", models.MediaSignalPayload{
		CallID: session.ID, TargetUserID: "frank", Data: json.RawMessage(`{"sdp":"v=0"}`),
	})
	require.NoError(t, err)
	erin.ExpectNone(t, 20*time.Millisecond)

	err = c.Relay(ctx, models.ClientTypingStart, "erin", models.MediaSignalPayload{CallID: session.ID, TargetUserID: "frank"})
	require.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestCoordinator_RelayRequiresKnownCall(t *testing.T) {
	ctx := context.Background()
	c, reg, _ := setup(t)
	connect(reg, "erin")
	carol := connect(reg, "carol")
	offer := json.RawMessage(`{"sdp":"v=0"}`)

	err := c.Relay(ctx, models.ClientMediaOffer, "erin", models.MediaSignalPayload{
		TargetUserID: "carol", Data: offer,
	})
	require.ErrorIs(t, err, models.ErrInvalidPayload)

	err = c.Relay(ctx, models.ClientMediaOffer, "erin", models.MediaSignalPayload{
		CallID: "no-such-call", TargetUserID: "carol", Data: offer,
	})
	require.ErrorIs(t, err, models.ErrAuthorization)

	carol.ExpectNone(t, 20*time.Millisecond)
}
