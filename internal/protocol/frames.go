// Package protocol defines the JSON control frames exchanged with voice
// clients. Audio travels as binary websocket frames and never appears here.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type FrameType string

const (
	// Server to client.
	TypeAIText     FrameType = "ai_text"
	TypeAIError    FrameType = "ai_error"
	TypeAudioStart FrameType = "audio_start"
	TypeAudioEnd   FrameType = "audio_end"
	TypeAudioError FrameType = "audio_error"

	// Client to server.
	TypeInterrupt FrameType = "interrupt"
)

var ErrUnsupportedFrame = errors.New("unsupported client frame")

// PersonaSelect binds the connection to an AI character.
type PersonaSelect struct {
	CharacterID string `json:"characterId"`
}

// Interrupt asks the server to stop the audio currently playing.
type Interrupt struct {
	Type FrameType `json:"type"`
}

// AIText carries one streamed chunk of the assistant reply.
type AIText struct {
	Type  FrameType `json:"type"`
	Chunk string    `json:"chunk"`
}

// AIError reports a failed dialogue turn. The connection stays open.
type AIError struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

// AudioStart opens one spoken segment; binary audio frames follow.
type AudioStart struct {
	Type FrameType `json:"type"`
}

// AudioEnd closes a spoken segment, including segments cut short.
type AudioEnd struct {
	Type FrameType `json:"type"`
}

// AudioError reports a segment that could not be synthesized.
type AudioError struct {
	Type    FrameType `json:"type"`
	Message string    `json:"message"`
}

func NewAIText(chunk string) AIText       { return AIText{Type: TypeAIText, Chunk: chunk} }
func NewAIError(message string) AIError   { return AIError{Type: TypeAIError, Message: message} }
func NewAudioStart() AudioStart           { return AudioStart{Type: TypeAudioStart} }
func NewAudioEnd() AudioEnd               { return AudioEnd{Type: TypeAudioEnd} }
func NewAudioError(msg string) AudioError { return AudioError{Type: TypeAudioError, Message: msg} }

// ParseClientFrame decodes a text frame from the client into its typed form:
// PersonaSelect or Interrupt. Anything else is ErrUnsupportedFrame.
func ParseClientFrame(raw []byte) (any, error) {
	var head struct {
		Type        FrameType `json:"type"`
		CharacterID string    `json:"characterId"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode client frame: %w", err)
	}

	if head.Type == TypeInterrupt {
		return Interrupt{Type: TypeInterrupt}, nil
	}
	if name := strings.TrimSpace(head.CharacterID); name != "" {
		return PersonaSelect{CharacterID: name}, nil
	}
	return nil, fmt.Errorf("%w: type=%q", ErrUnsupportedFrame, head.Type)
}
