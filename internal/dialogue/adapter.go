package dialogue

import (
	"context"

	"github.com/tanxian/huanyu/internal/memory"
)

// Request is one dialogue turn sent to the reply engine.
type Request struct {
	SessionID string           `json:"session_id"`
	PersonaID int              `json:"persona_id"`
	UserText  string           `json:"message"`
	History   []memory.Message `json:"history,omitempty"`
}

// DeltaHandler receives reply text increments as they arrive.
type DeltaHandler func(delta string) error

// Adapter produces the assistant reply for a turn, streaming deltas through
// onDelta and returning the full text.
type Adapter interface {
	StreamReply(ctx context.Context, req Request, onDelta DeltaHandler) (string, error)
}
