package memory

import (
	"context"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// DurableStore is the persistent backing store for conversation history.
type DurableStore interface {
	SaveMessage(ctx context.Context, sessionID string, msg Message) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	UpsertSession(ctx context.Context, sessionID, userID string, personaID int) error
	DeleteSession(ctx context.Context, sessionID string) error
	Close()
}

// FastCache is the hot-path cache in front of the durable store.
type FastCache interface {
	Get(ctx context.Context, sessionID string) ([]Message, bool, error)
	Set(ctx context.Context, sessionID string, msgs []Message) error
	Append(ctx context.Context, sessionID string, msg Message) error
	Delete(ctx context.Context, sessionID string) error
}
