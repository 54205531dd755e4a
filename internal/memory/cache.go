package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Duplicate-insert guard looks this many rows back in the durable store.
const dupCheckWindow = 5

// Upper bound on rows pulled when rebuilding the cache from the durable store.
const fullHistoryLimit = 1000

// Cache is the read-through conversation memory used by the dialogue path.
// Redis holds the hot window; Postgres is the source of truth. Sessions marked
// ephemeral (active voice calls) are kept in the cache only.
type Cache struct {
	store  DurableStore
	fast   FastCache
	window int
	log    *slog.Logger

	mu        sync.Mutex
	ephemeral map[string]struct{}
}

func NewCache(store DurableStore, fast FastCache, window int, log *slog.Logger) *Cache {
	if window <= 0 {
		window = 20
	}
	return &Cache{
		store:     store,
		fast:      fast,
		window:    window,
		log:       log,
		ephemeral: make(map[string]struct{}),
	}
}

// Context returns the prompt context for a turn: the persona system prompt
// followed by the last window messages of the session history.
func (c *Cache) Context(ctx context.Context, sessionID, systemPrompt string) ([]Message, error) {
	msgs, err := c.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if len(msgs) > c.window {
		msgs = msgs[len(msgs)-c.window:]
	}

	out := make([]Message, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: systemPrompt})
	}
	return append(out, msgs...), nil
}

// History returns the full session history without the window limit. The
// system prompt is never part of it.
func (c *Cache) History(ctx context.Context, sessionID string) ([]Message, error) {
	return c.load(ctx, sessionID)
}

func (c *Cache) load(ctx context.Context, sessionID string) ([]Message, error) {
	msgs, hit, err := c.fast.Get(ctx, sessionID)
	if err != nil {
		// A broken cache degrades to the durable store.
		c.log.Warn("memory cache read failed", "session_id", sessionID, "error", err)
	}
	if hit {
		return msgs, nil
	}

	msgs, err = c.store.RecentMessages(ctx, sessionID, fullHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", sessionID, err)
	}
	if err := c.fast.Set(ctx, sessionID, msgs); err != nil {
		c.log.Warn("memory cache populate failed", "session_id", sessionID, "error", err)
	}
	return msgs, nil
}

// Append records one turn message. The cache always gets it; the durable
// store gets it unless the session is ephemeral or the same role+content pair
// already sits in the most recent rows.
func (c *Cache) Append(ctx context.Context, sessionID string, msg Message) error {
	if err := c.fast.Append(ctx, sessionID, msg); err != nil {
		c.log.Warn("memory cache append failed", "session_id", sessionID, "error", err)
	}

	if c.isEphemeral(sessionID) || msg.Role == RoleSystem {
		return nil
	}

	recent, err := c.store.RecentMessages(ctx, sessionID, dupCheckWindow)
	if err != nil {
		return fmt.Errorf("duplicate check %s: %w", sessionID, err)
	}
	for _, r := range recent {
		if r.Role == msg.Role && r.Content == msg.Content {
			return nil
		}
	}

	if err := c.store.SaveMessage(ctx, sessionID, msg); err != nil {
		return fmt.Errorf("persist message %s: %w", sessionID, err)
	}
	return nil
}

// RegisterSession records the session→persona binding.
func (c *Cache) RegisterSession(ctx context.Context, sessionID, userID string, personaID int) error {
	if err := c.store.UpsertSession(ctx, sessionID, userID, personaID); err != nil {
		return fmt.Errorf("register session %s: %w", sessionID, err)
	}
	return nil
}

// DeleteSession removes the session from both cache and durable store.
func (c *Cache) DeleteSession(ctx context.Context, sessionID string) error {
	if err := c.fast.Delete(ctx, sessionID); err != nil {
		c.log.Warn("memory cache delete failed", "session_id", sessionID, "error", err)
	}
	if err := c.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// MarkEphemeral keeps the session out of the durable store while a voice call
// is active.
func (c *Cache) MarkEphemeral(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ephemeral[sessionID] = struct{}{}
}

func (c *Cache) UnmarkEphemeral(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ephemeral, sessionID)
}

func (c *Cache) isEphemeral(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ephemeral[sessionID]
	return ok
}
