package call

import (
	"context"
	"errors"
	"fmt"

	"kolokol/internal/models"
)

type relayKey struct {
	callID string
	userA  string
	userB  string
}

func newRelayKey(callID, from, to string) relayKey {
	if from > to {
		from, to = to, from
	}
	return relayKey{callID: callID, userA: from, userB: to}
}

// RelayContext tracks the negotiation between two peers of a call. It only
// exists in memory and is dropped once the call is over.
type RelayContext struct {
	LastKind      models.ServerMessageType
	OfferInFlight bool
	Candidates    int
}

var relayKinds = map[models.ClientMessageType]models.ServerMessageType{
	models.ClientMediaOffer:        models.ServerMediaOffer,
	models.ClientMediaAnswer:       models.ServerMediaAnswer,
	models.ClientMediaICECandidate: models.ServerMediaICECandidate,
}

// Relay forwards a media negotiation payload verbatim to the target user,
// tagged with the sender. Both peers must be participants of an existing call.
// A target without a live endpoint is a silent drop.
func (c *Coordinator) Relay(ctx context.Context, kind models.ClientMessageType, fromUserID string, p models.MediaSignalPayload) error {
	out, ok := relayKinds[kind]
	if !ok {
		return fmt.Errorf("%w: %s is not relayable", models.ErrInvalidPayload, kind)
	}
	if p.CallID == "" {
		return fmt.Errorf("%w: callId is required", models.ErrInvalidPayload)
	}

	session, err := c.store.GetCallSession(ctx, p.CallID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		return fmt.Errorf("call %s: %w", p.CallID, models.ErrAuthorization)
	case err != nil:
		return models.WrapStorage("get call", err)
	case !session.HasParticipant(fromUserID) || !session.HasParticipant(p.TargetUserID):
		return fmt.Errorf("call %s: %w", p.CallID, models.ErrAuthorization)
	case !session.Status.Terminal():
		c.track(newRelayKey(p.CallID, fromUserID, p.TargetUserID), out)
	}

	delivered := c.registry.SendTo(p.TargetUserID, models.ServerMessage{
		Type: out,
		Payload: models.MediaSignalRelayPayload{
			CallID:     p.CallID,
			FromUserID: fromUserID,
			Data:       p.Data,
		},
	})
	if !delivered {
		c.logger.Debug("relay target not reachable", "call_id", p.CallID, "from", fromUserID, "to", p.TargetUserID, "type", out)
	}
	return nil
}

// RelayState returns the negotiation state between two peers of a call.
func (c *Coordinator) RelayState(callID, userA, userB string) (RelayContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc, ok := c.relays[newRelayKey(callID, userA, userB)]
	if !ok {
		return RelayContext{}, false
	}
	return *rc, true
}

func (c *Coordinator) track(k relayKey, kind models.ServerMessageType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rc, ok := c.relays[k]
	if !ok {
		rc = &RelayContext{}
		c.relays[k] = rc
	}
	rc.LastKind = kind
	switch kind {
	case models.ServerMediaOffer:
		rc.OfferInFlight = true
	case models.ServerMediaAnswer:
		rc.OfferInFlight = false
	case models.ServerMediaICECandidate:
		rc.Candidates++
	}
}

// forget drops all in-memory state of a finished call.
func (c *Coordinator) forget(callID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.relays {
		if k.callID == callID {
			delete(c.relays, k)
		}
	}
	delete(c.declined, callID)
}
