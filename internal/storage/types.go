package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID          string `msgpack:"id"`
	UserName    string `msgpack:"userName"`
	DisplayName string `msgpack:"displayName"`
	AvatarURL   string `msgpack:"avatarUrl"`
	Status      string `msgpack:"status"`
	LastSeen    int64  `msgpack:"lastSeen"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBChat struct {
	ID      string `msgpack:"id"`
	Name    string `msgpack:"name"`
	IsDM    bool   `msgpack:"isDm"`
	LastSeq int64  `msgpack:"lastSeq"`
}

func (c *DBChat) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChat) MarshalBinary() (data []byte, err error) {
	type alias DBChat
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChat) UnmarshalBinary(data []byte) error {
	type alias DBChat
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID        string              `msgpack:"id"`
	Seq       int64               `msgpack:"seq"`
	ChatID    string              `msgpack:"chatId"`
	SenderID  string              `msgpack:"senderId"`
	Type      string              `msgpack:"type"`
	Content   string              `msgpack:"content"`
	ReplyToID string              `msgpack:"replyToId"`
	CreatedAt int64               `msgpack:"createdAt"`
	Reactions map[string][]string `msgpack:"reactions"`
}

func (m *DBMessage) Key() []byte {
	return seqKey(m.Seq)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

// DBMessageRef locates a message by its ID.
type DBMessageRef struct {
	MessageID string `msgpack:"messageId"`
	ChatID    string `msgpack:"chatId"`
	Seq       int64  `msgpack:"seq"`
}

func (r *DBMessageRef) Key() []byte {
	return []byte(r.MessageID)
}

func (r *DBMessageRef) MarshalBinary() (data []byte, err error) {
	type alias DBMessageRef
	return msgpack.Marshal((*alias)(r))
}

func (r *DBMessageRef) UnmarshalBinary(data []byte) error {
	type alias DBMessageRef
	return msgpack.Unmarshal(data, (*alias)(r))
}

type DBDelivery struct {
	MessageID string `msgpack:"messageId"`
	UserID    string `msgpack:"userId"`
	Status    string `msgpack:"status"`
	Timestamp int64  `msgpack:"timestamp"`
}

func (d *DBDelivery) Key() []byte {
	return []byte(d.UserID)
}

func (d *DBDelivery) MarshalBinary() (data []byte, err error) {
	type alias DBDelivery
	return msgpack.Marshal((*alias)(d))
}

func (d *DBDelivery) UnmarshalBinary(data []byte) error {
	type alias DBDelivery
	return msgpack.Unmarshal(data, (*alias)(d))
}

type DBCall struct {
	ID             string   `msgpack:"id"`
	ChatID         string   `msgpack:"chatId"`
	InitiatorID    string   `msgpack:"initiatorId"`
	ParticipantIDs []string `msgpack:"participantIds"`
	Type           string   `msgpack:"type"`
	Status         string   `msgpack:"status"`
	StartedAt      int64    `msgpack:"startedAt"` // Unix milliseconds, 0 when unset
	EndedAt        int64    `msgpack:"endedAt"`
	Duration       int64    `msgpack:"duration"`
}

func (c *DBCall) Key() []byte {
	return []byte(c.ID)
}

func (c *DBCall) MarshalBinary() (data []byte, err error) {
	type alias DBCall
	return msgpack.Marshal((*alias)(c))
}

func (c *DBCall) UnmarshalBinary(data []byte) error {
	type alias DBCall
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBPushSubscription struct {
	UserID   string `msgpack:"userId"`
	Endpoint string `msgpack:"endpoint"`
	P256dh   string `msgpack:"p256dh"`
	Auth     string `msgpack:"auth"`
}

func (p *DBPushSubscription) Key() []byte {
	return []byte(p.Endpoint)
}

func (p *DBPushSubscription) MarshalBinary() (data []byte, err error) {
	type alias DBPushSubscription
	return msgpack.Marshal((*alias)(p))
}

func (p *DBPushSubscription) UnmarshalBinary(data []byte) error {
	type alias DBPushSubscription
	return msgpack.Unmarshal(data, (*alias)(p))
}

func seqKey(seq int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(seq))
	return key
}

// put marshals s and stores it in b under its own key.
func put(b interface{ Put(k, v []byte) error }, s Storeable) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(s.Key(), data)
}
