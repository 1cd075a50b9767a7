package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"kolokol/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers       = []byte("users")
	bucketChats       = []byte("chats")
	bucketMembers     = []byte("members")     // chatID -> {userID}
	bucketMemberships = []byte("memberships") // userID -> {chatID}
	bucketMessages    = []byte("messages")    // chatID -> {seq: message}
	bucketMessageRefs = []byte("message_refs")
	bucketDeliveries  = []byte("deliveries") // messageID -> {userID: delivery}
	bucketCalls       = []byte("calls")
	bucketPush        = []byte("push_subscriptions") // userID -> {endpoint: subscription}
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketChats,
			bucketMembers,
			bucketMemberships,
			bucketMessages,
			bucketMessageRefs,
			bucketDeliveries,
			bucketCalls,
			bucketPush,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// update runs fn in a read-write transaction unless ctx is already done.
func (s *BboltStorage) update(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

func (s *BboltStorage) view(ctx context.Context, fn func(tx *bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}

// Users

// UpsertUser stores a new or updated user profile.
func (s *BboltStorage) UpsertUser(ctx context.Context, user models.User) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketUsers), &DBUser{
			ID:          user.ID,
			UserName:    user.UserName,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
			Status:      string(user.Presence.Status),
			LastSeen:    user.Presence.LastSeen,
		})
	})
}

func (s *BboltStorage) GetUser(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		user = dbUser.toModel()
		return nil
	})
	return user, err
}

// ListUsers returns all users sorted by display name.
func (s *BboltStorage) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, dbUser.toModel())
			return nil
		})
	})
	sort.Slice(users, func(i, j int) bool {
		return users[i].DisplayName < users[j].DisplayName
	})
	return users, err
}

// UpdatePresence mirrors the presence state of a user.
func (s *BboltStorage) UpdatePresence(ctx context.Context, userID string, presence models.Presence) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		dbUser, err := getUser(tx, userID)
		if err != nil {
			return err
		}
		dbUser.Status = string(presence.Status)
		dbUser.LastSeen = presence.LastSeen
		return put(tx.Bucket(bucketUsers), &dbUser)
	})
}

func getUser(tx *bbolt.Tx, userID string) (DBUser, error) {
	var dbUser DBUser
	data := tx.Bucket(bucketUsers).Get([]byte(userID))
	if data == nil {
		return dbUser, fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
	}
	err := dbUser.UnmarshalBinary(data)
	return dbUser, err
}

func (u DBUser) toModel() models.User {
	return models.User{
		ID:          u.ID,
		UserName:    u.UserName,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
		Presence: models.Presence{
			Status:   models.PresenceStatus(u.Status),
			LastSeen: u.LastSeen,
		},
	}
}

// Chats

// UpsertChat saves the chat and adds every listed member to it.
func (s *BboltStorage) UpsertChat(ctx context.Context, chat models.Chat) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChats)
		dbChat := DBChat{ID: chat.ID, Name: chat.Name, IsDM: chat.IsDM}
		if data := b.Get(dbChat.Key()); data != nil {
			var existing DBChat
			if err := existing.UnmarshalBinary(data); err != nil {
				return err
			}
			dbChat.LastSeq = existing.LastSeq
		}
		if err := put(b, &dbChat); err != nil {
			return err
		}
		for _, userID := range chat.Members {
			if err := addMember(tx, chat.ID, userID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BboltStorage) GetChat(ctx context.Context, chatID string) (models.Chat, error) {
	var chat models.Chat
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketChats).Get([]byte(chatID))
		if data == nil {
			return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
		}
		var dbChat DBChat
		if err := dbChat.UnmarshalBinary(data); err != nil {
			return err
		}
		chat = models.Chat{
			ID:      dbChat.ID,
			Name:    dbChat.Name,
			IsDM:    dbChat.IsDM,
			LastSeq: dbChat.LastSeq,
			Members: listKeys(tx.Bucket(bucketMembers).Bucket([]byte(chatID))),
		}
		return nil
	})
	return chat, err
}

func (s *BboltStorage) AddChatMember(ctx context.Context, chatID, userID string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketChats).Get([]byte(chatID)) == nil {
			return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
		}
		return addMember(tx, chatID, userID)
	})
}

func (s *BboltStorage) RemoveChatMember(ctx context.Context, chatID, userID string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketMembers).Bucket([]byte(chatID)); b != nil {
			if err := b.Delete([]byte(userID)); err != nil {
				return err
			}
		}
		if b := tx.Bucket(bucketMemberships).Bucket([]byte(userID)); b != nil {
			return b.Delete([]byte(chatID))
		}
		return nil
	})
}

// FindChatMembership returns IDs of all chats the user belongs to.
func (s *BboltStorage) FindChatMembership(ctx context.Context, userID string) ([]string, error) {
	var chats []string
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		chats = listKeys(tx.Bucket(bucketMemberships).Bucket([]byte(userID)))
		return nil
	})
	return chats, err
}

// ChatMembers returns IDs of all members of the chat.
func (s *BboltStorage) ChatMembers(ctx context.Context, chatID string) ([]string, error) {
	var members []string
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketChats).Get([]byte(chatID)) == nil {
			return fmt.Errorf("chat %s: %w", chatID, models.ErrNotFound)
		}
		members = listKeys(tx.Bucket(bucketMembers).Bucket([]byte(chatID)))
		return nil
	})
	return members, err
}

func (s *BboltStorage) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	var ok bool
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketMembers).Bucket([]byte(chatID)); b != nil {
			ok = b.Get([]byte(userID)) != nil
		}
		return nil
	})
	return ok, err
}

func addMember(tx *bbolt.Tx, chatID, userID string) error {
	joined := seqKey(time.Now().Unix())
	members, err := tx.Bucket(bucketMembers).CreateBucketIfNotExists([]byte(chatID))
	if err != nil {
		return fmt.Errorf("failed to create members bucket: %w", err)
	}
	if err := members.Put([]byte(userID), joined); err != nil {
		return err
	}
	memberships, err := tx.Bucket(bucketMemberships).CreateBucketIfNotExists([]byte(userID))
	if err != nil {
		return fmt.Errorf("failed to create memberships bucket: %w", err)
	}
	return memberships.Put([]byte(chatID), joined)
}

func listKeys(b *bbolt.Bucket) []string {
	if b == nil {
		return nil
	}
	var keys []string
	_ = b.ForEach(func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	return keys
}

// Messages

// CreateMessage saves a chat message together with the delivery status rows of
// all its recipients in a single transaction. Sequence number, ID and creation
// time are assigned here when missing.
func (s *BboltStorage) CreateMessage(ctx context.Context, message models.Message, statuses []models.DeliveryStatus) (models.Message, error) {
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		if message.ChatID == "" {
			return errors.New("message missing chatID")
		}

		chats := tx.Bucket(bucketChats)
		chatData := chats.Get([]byte(message.ChatID))
		if chatData == nil {
			return fmt.Errorf("chat %s: %w", message.ChatID, models.ErrNotFound)
		}
		var dbChat DBChat
		if err := dbChat.UnmarshalBinary(chatData); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}

		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(message.ChatID))
		if err != nil {
			return fmt.Errorf("failed to create chat bucket: %w", err)
		}
		seq, err := chatBucket.NextSequence()
		if err != nil {
			return err
		}

		message.Seq = int64(seq)
		if message.ID == "" {
			message.ID = uuid.NewString()
		}
		if message.CreatedAt == 0 {
			message.CreatedAt = s.now().UnixMilli()
		}
		if message.Type == "" {
			message.Type = models.MessageTypeText
		}

		if err := put(chatBucket, fromMessage(message)); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		if err := put(tx.Bucket(bucketMessageRefs), &DBMessageRef{
			MessageID: message.ID,
			ChatID:    message.ChatID,
			Seq:       message.Seq,
		}); err != nil {
			return err
		}

		if len(statuses) > 0 {
			deliveries, err := tx.Bucket(bucketDeliveries).CreateBucketIfNotExists([]byte(message.ID))
			if err != nil {
				return fmt.Errorf("failed to create deliveries bucket: %w", err)
			}
			for _, st := range statuses {
				if deliveries.Get([]byte(st.UserID)) != nil {
					continue
				}
				if err := put(deliveries, &DBDelivery{
					MessageID: message.ID,
					UserID:    st.UserID,
					Status:    string(st.Status),
					Timestamp: st.Timestamp,
				}); err != nil {
					return err
				}
			}
		}

		dbChat.LastSeq = message.Seq
		return put(chats, &dbChat)
	})
	if err != nil {
		return models.Message{}, err
	}
	return message, nil
}

func (s *BboltStorage) GetMessage(ctx context.Context, messageID string) (models.Message, error) {
	var message models.Message
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		dbMsg, err := getMessage(tx, messageID)
		if err != nil {
			return err
		}
		message = dbMsg.toModel()
		return nil
	})
	return message, err
}

// ToggleReaction adds the user's emoji reaction to a message or removes it when
// already present. It returns the resulting reactions and whether it was added.
func (s *BboltStorage) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (map[string][]string, bool, error) {
	var (
		reactions map[string][]string
		added     bool
	)
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		dbMsg, err := getMessage(tx, messageID)
		if err != nil {
			return err
		}
		if dbMsg.Reactions == nil {
			dbMsg.Reactions = make(map[string][]string)
		}

		users := dbMsg.Reactions[emoji]
		idx := -1
		for i, id := range users {
			if id == userID {
				idx = i
				break
			}
		}
		if idx >= 0 {
			users = append(users[:idx], users[idx+1:]...)
		} else {
			users = append(users, userID)
			added = true
		}
		if len(users) == 0 {
			delete(dbMsg.Reactions, emoji)
		} else {
			dbMsg.Reactions[emoji] = users
		}
		reactions = dbMsg.Reactions

		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(dbMsg.ChatID))
		return put(chatBucket, &dbMsg)
	})
	return reactions, added, err
}

func getMessage(tx *bbolt.Tx, messageID string) (DBMessage, error) {
	var dbMsg DBMessage
	refData := tx.Bucket(bucketMessageRefs).Get([]byte(messageID))
	if refData == nil {
		return dbMsg, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	var ref DBMessageRef
	if err := ref.UnmarshalBinary(refData); err != nil {
		return dbMsg, err
	}
	chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(ref.ChatID))
	if chatBucket == nil {
		return dbMsg, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	data := chatBucket.Get(seqKey(ref.Seq))
	if data == nil {
		return dbMsg, fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
	}
	err := dbMsg.UnmarshalBinary(data)
	return dbMsg, err
}

func fromMessage(m models.Message) *DBMessage {
	return &DBMessage{
		ID:        m.ID,
		Seq:       m.Seq,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Type:      string(m.Type),
		Content:   m.Content,
		ReplyToID: m.ReplyToID,
		CreatedAt: m.CreatedAt,
		Reactions: m.Reactions,
	}
}

func (m DBMessage) toModel() models.Message {
	return models.Message{
		ID:        m.ID,
		Seq:       m.Seq,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Type:      models.MessageType(m.Type),
		Content:   m.Content,
		ReplyToID: m.ReplyToID,
		CreatedAt: m.CreatedAt,
		Reactions: m.Reactions,
	}
}

// Delivery statuses

// CreateDeliveryStatus creates the status row of a recipient. An existing row is
// left untouched, so there is never more than one row per recipient.
func (s *BboltStorage) CreateDeliveryStatus(ctx context.Context, messageID, userID string, status models.DeliveryState) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketMessageRefs).Get([]byte(messageID)) == nil {
			return fmt.Errorf("message %s: %w", messageID, models.ErrNotFound)
		}
		b, err := tx.Bucket(bucketDeliveries).CreateBucketIfNotExists([]byte(messageID))
		if err != nil {
			return err
		}
		if b.Get([]byte(userID)) != nil {
			return nil
		}
		return put(b, &DBDelivery{
			MessageID: messageID,
			UserID:    userID,
			Status:    string(status),
			Timestamp: s.now().UnixMilli(),
		})
	})
}

// UpdateDeliveryStatus moves a recipient's status forward. Attempts to move it
// backwards or sideways are ignored and reported with changed == false.
func (s *BboltStorage) UpdateDeliveryStatus(ctx context.Context, messageID, userID string, status models.DeliveryState) (models.DeliveryStatus, bool, error) {
	var (
		result  models.DeliveryStatus
		changed bool
	)
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDeliveries).Bucket([]byte(messageID))
		if b == nil {
			return fmt.Errorf("delivery %s/%s: %w", messageID, userID, models.ErrNotFound)
		}
		data := b.Get([]byte(userID))
		if data == nil {
			return fmt.Errorf("delivery %s/%s: %w", messageID, userID, models.ErrNotFound)
		}
		var d DBDelivery
		if err := d.UnmarshalBinary(data); err != nil {
			return err
		}
		if models.DeliveryState(d.Status).Advances(status) {
			d.Status = string(status)
			d.Timestamp = s.now().UnixMilli()
			if err := put(b, &d); err != nil {
				return err
			}
			changed = true
		}
		result = d.toModel()
		return nil
	})
	return result, changed, err
}

// ListDeliveryStatuses returns all recipient rows of a message.
func (s *BboltStorage) ListDeliveryStatuses(ctx context.Context, messageID string) ([]models.DeliveryStatus, error) {
	var statuses []models.DeliveryStatus
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDeliveries).Bucket([]byte(messageID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var d DBDelivery
			if err := d.UnmarshalBinary(v); err != nil {
				return err
			}
			statuses = append(statuses, d.toModel())
			return nil
		})
	})
	return statuses, err
}

func (d DBDelivery) toModel() models.DeliveryStatus {
	return models.DeliveryStatus{
		MessageID: d.MessageID,
		UserID:    d.UserID,
		Status:    models.DeliveryState(d.Status),
		Timestamp: d.Timestamp,
	}
}

// Calls

func (s *BboltStorage) CreateCallSession(ctx context.Context, call models.CallSession) (models.CallSession, error) {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketCalls)
		if b.Get([]byte(call.ID)) != nil {
			return fmt.Errorf("call %s already exists", call.ID)
		}
		return put(b, fromCall(call))
	})
	if err != nil {
		return models.CallSession{}, err
	}
	return call, nil
}

// UpdateCallSession applies a partial update to a stored call.
func (s *BboltStorage) UpdateCallSession(ctx context.Context, callID string, patch models.CallPatch) (models.CallSession, error) {
	var call models.CallSession
	err := s.update(ctx, func(tx *bbolt.Tx) error {
		dbCall, err := getCall(tx, callID)
		if err != nil {
			return err
		}
		if patch.Status != nil {
			dbCall.Status = string(*patch.Status)
		}
		if patch.StartedAt != nil {
			dbCall.StartedAt = patch.StartedAt.UnixMilli()
		}
		if patch.EndedAt != nil {
			dbCall.EndedAt = patch.EndedAt.UnixMilli()
		}
		if patch.Duration != nil {
			dbCall.Duration = *patch.Duration
		}
		if err := put(tx.Bucket(bucketCalls), &dbCall); err != nil {
			return err
		}
		call = dbCall.toModel()
		return nil
	})
	return call, err
}

func (s *BboltStorage) GetCallSession(ctx context.Context, callID string) (models.CallSession, error) {
	var call models.CallSession
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		dbCall, err := getCall(tx, callID)
		if err != nil {
			return err
		}
		call = dbCall.toModel()
		return nil
	})
	return call, err
}

func getCall(tx *bbolt.Tx, callID string) (DBCall, error) {
	var dbCall DBCall
	data := tx.Bucket(bucketCalls).Get([]byte(callID))
	if data == nil {
		return dbCall, fmt.Errorf("call %s: %w", callID, models.ErrNotFound)
	}
	err := dbCall.UnmarshalBinary(data)
	return dbCall, err
}

func fromCall(c models.CallSession) *DBCall {
	dbCall := &DBCall{
		ID:             c.ID,
		ChatID:         c.ChatID,
		InitiatorID:    c.InitiatorID,
		ParticipantIDs: c.ParticipantIDs,
		Type:           string(c.Type),
		Status:         string(c.Status),
		Duration:       c.Duration,
	}
	if c.StartedAt != nil {
		dbCall.StartedAt = c.StartedAt.UnixMilli()
	}
	if c.EndedAt != nil {
		dbCall.EndedAt = c.EndedAt.UnixMilli()
	}
	return dbCall
}

func (c DBCall) toModel() models.CallSession {
	call := models.CallSession{
		ID:             c.ID,
		ChatID:         c.ChatID,
		InitiatorID:    c.InitiatorID,
		ParticipantIDs: c.ParticipantIDs,
		Type:           models.CallType(c.Type),
		Status:         models.CallStatus(c.Status),
		Duration:       c.Duration,
	}
	if c.StartedAt != 0 {
		t := time.UnixMilli(c.StartedAt)
		call.StartedAt = &t
	}
	if c.EndedAt != 0 {
		t := time.UnixMilli(c.EndedAt)
		call.EndedAt = &t
	}
	return call
}

// Push subscriptions

func (s *BboltStorage) UpsertPushSubscription(ctx context.Context, userID string, sub models.PushSubscription) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketPush).CreateBucketIfNotExists([]byte(userID))
		if err != nil {
			return err
		}
		return put(b, &DBPushSubscription{
			UserID:   userID,
			Endpoint: sub.Endpoint,
			P256dh:   sub.P256dh,
			Auth:     sub.Auth,
		})
	})
}

func (s *BboltStorage) ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error) {
	var subs []models.PushSubscription
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var p DBPushSubscription
			if err := p.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, models.PushSubscription{Endpoint: p.Endpoint, P256dh: p.P256dh, Auth: p.Auth})
			return nil
		})
	})
	return subs, err
}

func (s *BboltStorage) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketPush).Bucket([]byte(userID))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(endpoint))
	})
}
