package models

import (
	"encoding/json"
	"time"
)

// ActionKind discriminates the effect a queued action produces.
type ActionKind string

const (
	ActionSendMessage ActionKind = "send-message"
	ActionUploadMedia ActionKind = "upload-media"
)

// QueuedAction is one pending outgoing effect awaiting durable execution.
type QueuedAction struct {
	ID             string          `json:"id"`
	Kind           ActionKind      `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey"`
	EnqueuedAt     time.Time       `json:"enqueuedAt"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"lastError,omitempty"`
	LastAttemptAt  *time.Time      `json:"lastAttemptAt,omitempty"`
}

// Clone returns a deep copy so callers never share the payload buffer.
func (a *QueuedAction) Clone() *QueuedAction {
	if a == nil {
		return nil
	}
	c := *a
	if a.Payload != nil {
		c.Payload = append(json.RawMessage(nil), a.Payload...)
	}
	if a.LastAttemptAt != nil {
		t := *a.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return &c
}

// SendMessagePayload is the payload of an ActionSendMessage.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	LocalID        string `json:"localId,omitempty"`
}

// UploadMediaPayload is the payload of an ActionUploadMedia.
type UploadMediaPayload struct {
	ConversationID string `json:"conversationId"`
	FilePath       string `json:"filePath"`
	MimeType       string `json:"mimeType"`
	Caption        string `json:"caption,omitempty"`
	LocalID        string `json:"localId,omitempty"`
}
