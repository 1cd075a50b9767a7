package models

import "time"

// User represents a user profile as seen by other users.
type User struct {
	ID          string   `json:"id"`
	UserName    string   `json:"userName"`
	DisplayName string   `json:"displayName"`
	AvatarURL   string   `json:"avatarUrl"`
	Presence    Presence `json:"presence"`
}

// Identity is the verified identity attached to a connection.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl"`
}

type PresenceStatus string

const (
	PresenceOnline    PresenceStatus = "online"
	PresenceOffline   PresenceStatus = "offline"
	PresenceAway      PresenceStatus = "away"
	PresenceBusy      PresenceStatus = "busy"
	PresenceInvisible PresenceStatus = "invisible"
)

// Presence represents the online status of a user.
type Presence struct {
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen"` // Unix timestamp (seconds)
}

// Chat represents a chat conversation.
type Chat struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	IsDM    bool     `json:"isDm"`
	Members []string `json:"members"`
	LastSeq int64    `json:"lastSeq"`
}

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Message represents a persisted chat message.
type Message struct {
	ID        string              `json:"id"`
	Seq       int64               `json:"seq"`
	ChatID    string              `json:"chatId"`
	SenderID  string              `json:"senderId"`
	Type      MessageType         `json:"type"`
	Content   string              `json:"content"`
	ReplyToID string              `json:"replyToId,omitempty"`
	CreatedAt int64               `json:"createdAt"` // Unix timestamp (milliseconds)
	Reactions map[string][]string `json:"reactions,omitempty"`
}

// ReplyPreview is a short excerpt of the message being replied to.
type ReplyPreview struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Excerpt   string `json:"excerpt"`
}

type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

func (s DeliveryState) rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	}
	return 0
}

// Advances reports whether moving from s to next is a forward transition.
// Delivery states never regress: sent -> delivered -> read.
func (s DeliveryState) Advances(next DeliveryState) bool {
	return next.rank() > s.rank()
}

// DeliveryStatus is the per-recipient delivery state of a message.
type DeliveryStatus struct {
	MessageID string        `json:"messageId"`
	UserID    string        `json:"userId"`
	Status    DeliveryState `json:"status"`
	Timestamp int64         `json:"timestamp"` // Unix timestamp (milliseconds)
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallStatus string

const (
	CallPending CallStatus = "pending"
	CallRinging CallStatus = "ringing"
	CallOngoing CallStatus = "ongoing"
	CallEnded   CallStatus = "ended"
	CallMissed  CallStatus = "missed"
)

// Terminal reports whether no further transitions are allowed.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallMissed
}

// CanTransition reports whether a call may move from s to next.
func (s CallStatus) CanTransition(next CallStatus) bool {
	if s.Terminal() || s == next {
		return false
	}
	switch next {
	case CallRinging:
		return s == CallPending
	case CallOngoing:
		return s == CallPending || s == CallRinging
	case CallMissed:
		return s == CallPending || s == CallRinging
	case CallEnded:
		return true
	}
	return false
}

// CallSession is a single audio or video call inside a chat.
type CallSession struct {
	ID             string     `json:"id"`
	ChatID         string     `json:"chatId"`
	InitiatorID    string     `json:"initiatorId"`
	ParticipantIDs []string   `json:"participantIds"`
	Type           CallType   `json:"type"`
	Status         CallStatus `json:"status"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	Duration       int64      `json:"duration,omitempty"` // seconds
}

// HasParticipant reports whether userID was part of the call snapshot.
func (c CallSession) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// CallPatch is a partial update of a call session.
type CallPatch struct {
	Status    *CallStatus `json:"status,omitempty"`
	StartedAt *time.Time  `json:"startedAt,omitempty"`
	EndedAt   *time.Time  `json:"endedAt,omitempty"`
	Duration  *int64      `json:"duration,omitempty"`
}

// PushSubscription is a Web Push subscription registered by a client.
type PushSubscription struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	P256dh   string `json:"p256dh" validate:"required"`
	Auth     string `json:"auth" validate:"required"`
}

// APIResponse is a generic response of the HTTP handlers.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
