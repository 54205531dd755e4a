package dialogue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/tanxian/huanyu/internal/memory"
	"github.com/tanxian/huanyu/internal/persona"
)

// Emitter delivers reply text and turn errors back to the client connection.
type Emitter interface {
	SendAIText(chunk string)
	SendAIError(message string)
}

// SegmentQueue accepts speakable segments for synthesis.
type SegmentQueue interface {
	Enqueue(text string)
}

// Bridge runs one dialogue turn: it assembles the prompt context, streams the
// reply to the client while feeding the segmenter, and records both sides of
// the turn in memory. A failed turn surfaces as an ai_error frame; the
// connection itself stays up.
type Bridge struct {
	registry *persona.Registry
	mem      *memory.Cache
	adapter  Adapter
	log      *slog.Logger
}

func NewBridge(registry *persona.Registry, mem *memory.Cache, adapter Adapter, log *slog.Logger) *Bridge {
	return &Bridge{registry: registry, mem: mem, adapter: adapter, log: log}
}

func (b *Bridge) HandleUtterance(ctx context.Context, userID string, p persona.Persona, text string, em Emitter, q SegmentQueue) {
	sessionID := persona.SessionID(userID, p)
	log := b.log.With("session_id", sessionID)

	prompt, err := b.registry.SystemPrompt(p.ID)
	if err != nil {
		if errors.Is(err, persona.ErrTemplateMissing) {
			log.Error("persona prompt template missing", "persona", p.WireName)
			em.SendAIError("角色配置缺失，请稍后再试")
			return
		}
		log.Error("load persona prompt", "error", err)
		em.SendAIError("角色配置加载失败")
		return
	}

	if err := b.mem.RegisterSession(ctx, sessionID, userID, p.ID); err != nil {
		log.Warn("register session", "error", err)
	}
	if err := b.mem.Append(ctx, sessionID, memory.Message{
		Role:      memory.RoleUser,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		log.Warn("record user message", "error", err)
	}

	history, err := b.mem.Context(ctx, sessionID, prompt)
	if err != nil {
		log.Warn("load conversation context", "error", err)
		history = []memory.Message{{Role: memory.RoleSystem, Content: prompt}}
	}

	seg := NewSegmenter()
	reply, err := b.adapter.StreamReply(ctx, Request{
		SessionID: sessionID,
		PersonaID: p.ID,
		UserText:  text,
		History:   history,
	}, func(delta string) error {
		em.SendAIText(delta)
		for _, s := range seg.Push(delta) {
			q.Enqueue(s)
		}
		return nil
	})
	if err != nil {
		log.Error("dialogue stream failed", "error", err)
		em.SendAIError("对话服务暂时不可用")
		return
	}

	if rem := seg.FlushRemainder(); rem != "" {
		q.Enqueue(rem)
	}

	if reply = strings.TrimSpace(reply); reply != "" {
		if err := b.mem.Append(ctx, sessionID, memory.Message{
			Role:      memory.RoleAssistant,
			Content:   reply,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			log.Warn("record assistant message", "error", err)
		}
	}
}
