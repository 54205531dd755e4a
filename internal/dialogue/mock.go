package dialogue

import "context"

// MockAdapter streams a canned reply in fixed-size chunks. Used in tests and
// when DIALOGUE_MODE=mock keeps the service runnable without the engine.
type MockAdapter struct {
	Reply     string
	ChunkSize int
	Err       error
}

func (m *MockAdapter) StreamReply(_ context.Context, _ Request, onDelta DeltaHandler) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}

	reply := m.Reply
	if reply == "" {
		reply = "我在听，请继续说。"
	}
	size := m.ChunkSize
	if size <= 0 {
		size = 4
	}

	runes := []rune(reply)
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		if onDelta != nil {
			if err := onDelta(string(runes[i:end])); err != nil {
				return "", err
			}
		}
	}
	return reply, nil
}
