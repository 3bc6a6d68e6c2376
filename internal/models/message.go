package models

import "time"

// RecordState is the reconciliation state of a visible entry.
type RecordState string

const (
	RecordPending   RecordState = "pending"
	RecordConfirmed RecordState = "confirmed"
	RecordFailed    RecordState = "failed"
)

// Message is the authoritative entity as returned by the record-storage backend.
// ClientKey echoes the idempotency key the client sent with the create.
type Message struct {
	ID             string     `json:"id"`
	ClientKey      string     `json:"clientKey,omitempty"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId,omitempty"`
	Content        string     `json:"content"`
	MediaURL       string     `json:"mediaUrl,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
}

// MessageView is one entry of the visible collection. While an optimistic
// create is unconfirmed, Message.ID is empty and LocalID identifies the entry.
type MessageView struct {
	Message
	LocalID string      `json:"localId,omitempty"`
	State   RecordState `json:"state"`
	Error   string      `json:"error,omitempty"`
}

// Key returns the identity of the entry inside the visible collection.
func (v MessageView) Key() string {
	if v.ID != "" {
		return v.ID
	}
	return v.LocalID
}

// OptimisticRecord tracks one user-initiated mutation from intent to confirmation.
type OptimisticRecord struct {
	LocalID      string      `json:"localId"`
	State        RecordState `json:"state"`
	ServerEntity *Message    `json:"serverEntity,omitempty"`
	Error        string      `json:"error,omitempty"`
}
