package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// QueueMessage — задача опроса тикета в отказоустойчивом режиме.
// Тело (RequestID + Token) служит ключом дедупликации, GroupKey — ключом порядка.
type QueueMessage struct {
	RequestID    string `json:"requestId"`
	Token        string `json:"continuationToken"`
	ReceiveCount int    `json:"-"`
	GroupKey     string `json:"-"`
}

func NewQueueMessage(requestID, token string) QueueMessage {
	return QueueMessage{RequestID: requestID, Token: token, GroupKey: requestID}
}

func (m QueueMessage) Body() []byte {
	b, _ := json.Marshal(m)
	return b
}

// DedupID is the content hash used for deduplication.
func (m QueueMessage) DedupID() string {
	sum := sha256.Sum256(m.Body())
	return hex.EncodeToString(sum[:])
}

func DecodeQueueMessage(raw []byte) (QueueMessage, error) {
	var m QueueMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return QueueMessage{}, ErrValidation
	}
	if m.RequestID == "" || m.Token == "" {
		return QueueMessage{}, ErrValidation
	}
	m.GroupKey = m.RequestID
	return m, nil
}

// Delivery — одна доставка сообщения из очереди.
type Delivery interface {
	Message() QueueMessage
	// Ack удаляет сообщение из очереди.
	Ack(ctx context.Context) error
	// Retry оставляет сообщение неподтверждённым; оно вернётся после окна видимости.
	Retry(ctx context.Context) error
	// DeadLetter переносит сообщение в очередь недоставленных.
	DeadLetter(ctx context.Context, reason string) error
}
