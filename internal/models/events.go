package models

import "encoding/json"

type ClientMessageType string

const (
	ClientSendMessage       ClientMessageType = "send-message"
	ClientReactToMessage    ClientMessageType = "react-to-message"
	ClientMarkRead          ClientMessageType = "mark-read"
	ClientTypingStart       ClientMessageType = "typing-start"
	ClientTypingStop        ClientMessageType = "typing-stop"
	ClientCallInvite        ClientMessageType = "call-invite"
	ClientCallAnswer        ClientMessageType = "call-answer"
	ClientCallReject        ClientMessageType = "call-reject"
	ClientCallEnd           ClientMessageType = "call-end"
	ClientMediaOffer        ClientMessageType = "media-offer"
	ClientMediaAnswer       ClientMessageType = "media-answer"
	ClientMediaICECandidate ClientMessageType = "media-ice-candidate"
	ClientPresenceUpdate    ClientMessageType = "presence-update"
)

type ServerMessageType string

const (
	ServerPresenceChanged      ServerMessageType = "presence-changed"
	ServerMessageCreated       ServerMessageType = "message-created"
	ServerMessageStatusChanged ServerMessageType = "message-status-changed"
	ServerReactionChanged      ServerMessageType = "reaction-changed"
	ServerTypingChanged        ServerMessageType = "typing-changed"
	ServerCallInitiated        ServerMessageType = "call-initiated"
	ServerCallInvited          ServerMessageType = "call-invited"
	ServerCallAnswered         ServerMessageType = "call-answered"
	ServerCallRejected         ServerMessageType = "call-rejected"
	ServerCallEnded            ServerMessageType = "call-ended"
	ServerMediaOffer           ServerMessageType = "media-offer"
	ServerMediaAnswer          ServerMessageType = "media-answer"
	ServerMediaICECandidate    ServerMessageType = "media-ice-candidate"
	ServerError                ServerMessageType = "error"
)

// ClientMessage represents a frame sent from the client to the server.
// Payload schema is determined by Type.
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
}

// ServerMessage represents a frame sent from the server to the client.
type ServerMessage struct {
	Type      ServerMessageType `json:"type"`
	RequestID string            `json:"requestId,omitempty"`
	Payload   any               `json:"payload,omitempty"`
}

// Inbound payloads.

type SendMessagePayload struct {
	ChatID    string      `json:"chatId" validate:"required"`
	Content   string      `json:"content" validate:"required,max=8192"`
	Type      MessageType `json:"type" validate:"omitempty,oneof=text image file"`
	ReplyToID string      `json:"replyToId,omitempty"`
}

type ReactPayload struct {
	ChatID    string `json:"chatId" validate:"required"`
	MessageID string `json:"messageId" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

type MarkReadPayload struct {
	ChatID    string `json:"chatId" validate:"required"`
	MessageID string `json:"messageId" validate:"required"`
}

type TypingPayload struct {
	ChatID string `json:"chatId" validate:"required"`
}

type CallInvitePayload struct {
	ChatID string   `json:"chatId" validate:"required"`
	Type   CallType `json:"type" validate:"required,oneof=audio video"`
}

type CallControlPayload struct {
	CallID string `json:"callId" validate:"required"`
}

type MediaSignalPayload struct {
	CallID       string          `json:"callId" validate:"required"`
	TargetUserID string          `json:"targetUserId" validate:"required"`
	Data         json.RawMessage `json:"data" validate:"required"`
}

type PresenceUpdatePayload struct {
	Status PresenceStatus `json:"status" validate:"required,oneof=online away busy invisible"`
}

// Outbound payloads.

type PresenceChangedPayload struct {
	UserID   string         `json:"userId"`
	Status   PresenceStatus `json:"status"`
	LastSeen int64          `json:"lastSeen"`
}

type MessageCreatedPayload struct {
	Message     Message       `json:"message"`
	ContentHTML string        `json:"contentHtml,omitempty"`
	Sender      User          `json:"sender"`
	ReplyTo     *ReplyPreview `json:"replyTo,omitempty"`
}

type MessageStatusChangedPayload struct {
	ChatID string         `json:"chatId"`
	Status DeliveryStatus `json:"status"`
}

type ReactionChangedPayload struct {
	ChatID    string              `json:"chatId"`
	MessageID string              `json:"messageId"`
	UserID    string              `json:"userId"`
	Emoji     string              `json:"emoji"`
	Reactions map[string][]string `json:"reactions"`
}

type TypingState string

const (
	TypingStarted TypingState = "started"
	TypingStopped TypingState = "stopped"
)

type TypingChangedPayload struct {
	ChatID string      `json:"chatId"`
	UserID string      `json:"userId"`
	State  TypingState `json:"state"`
}

type CallEventPayload struct {
	Call   CallSession `json:"call"`
	UserID string      `json:"userId"`
	// Declined lists participants that rejected a call still in progress.
	Declined []string `json:"declined,omitempty"`
}

type MediaSignalRelayPayload struct {
	CallID     string          `json:"callId,omitempty"`
	FromUserID string          `json:"fromUserId"`
	Data       json.RawMessage `json:"data"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
