package memory

import (
	"context"
	"log/slog"
	"testing"
)

type fakeStore struct {
	rows     map[string][]Message
	sessions map[string]int
	saves    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:     make(map[string][]Message),
		sessions: make(map[string]int),
	}
}

func (f *fakeStore) SaveMessage(_ context.Context, sessionID string, msg Message) error {
	f.rows[sessionID] = append(f.rows[sessionID], msg)
	f.saves++
	return nil
}

func (f *fakeStore) RecentMessages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	msgs := f.rows[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]Message(nil), msgs...), nil
}

func (f *fakeStore) UpsertSession(_ context.Context, sessionID, _ string, personaID int) error {
	f.sessions[sessionID] = personaID
	return nil
}

func (f *fakeStore) DeleteSession(_ context.Context, sessionID string) error {
	delete(f.rows, sessionID)
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeStore) Close() {}

type fakeFastCache struct {
	data map[string][]Message
	gets int
}

func newFakeFastCache() *fakeFastCache {
	return &fakeFastCache{data: make(map[string][]Message)}
}

func (f *fakeFastCache) Get(_ context.Context, sessionID string) ([]Message, bool, error) {
	f.gets++
	msgs, ok := f.data[sessionID]
	return msgs, ok, nil
}

func (f *fakeFastCache) Set(_ context.Context, sessionID string, msgs []Message) error {
	f.data[sessionID] = append([]Message(nil), msgs...)
	return nil
}

func (f *fakeFastCache) Append(_ context.Context, sessionID string, msg Message) error {
	f.data[sessionID] = append(f.data[sessionID], msg)
	return nil
}

func (f *fakeFastCache) Delete(_ context.Context, sessionID string) error {
	delete(f.data, sessionID)
	return nil
}

func newTestCache(window int) (*Cache, *fakeStore, *fakeFastCache) {
	store := newFakeStore()
	fast := newFakeFastCache()
	return NewCache(store, fast, window, slog.Default()), store, fast
}

func TestContextReadThrough(t *testing.T) {
	c, store, fast := newTestCache(20)
	ctx := context.Background()

	store.rows["u10"] = []Message{
		{Role: RoleUser, Content: "你好"},
		{Role: RoleAssistant, Content: "嗨，我是宵宫！"},
	}

	msgs, err := c.Context(ctx, "u10", "你是宵宫。")
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleSystem || msgs[0].Content != "你是宵宫。" {
		t.Errorf("system prompt not prepended: %+v", msgs[0])
	}

	// Miss must have populated the cache.
	if _, ok := fast.data["u10"]; !ok {
		t.Fatal("cache not populated on miss")
	}

	// Second read served from the cache; the system prompt is still prepended
	// exactly once.
	msgs, err = c.Context(ctx, "u10", "你是宵宫。")
	if err != nil {
		t.Fatalf("Context (cached): %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages on cache hit, got %d", len(msgs))
	}
	systems := 0
	for _, m := range msgs {
		if m.Role == RoleSystem {
			systems++
		}
	}
	if systems != 1 {
		t.Errorf("expected exactly one system message, got %d", systems)
	}
}

func TestContextAppliesWindow(t *testing.T) {
	c, store, _ := newTestCache(2)
	ctx := context.Background()

	store.rows["u20"] = []Message{
		{Role: RoleUser, Content: "one"},
		{Role: RoleAssistant, Content: "two"},
		{Role: RoleUser, Content: "three"},
	}

	msgs, err := c.Context(ctx, "u20", "sys")
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected system + 2 windowed messages, got %d", len(msgs))
	}
	if msgs[1].Content != "two" || msgs[2].Content != "three" {
		t.Errorf("window kept wrong messages: %+v", msgs[1:])
	}
}

func TestAppendPersistsAndDedups(t *testing.T) {
	c, store, fast := newTestCache(20)
	ctx := context.Background()

	msg := Message{Role: RoleUser, Content: "讲个笑话"}
	if err := c.Append(ctx, "u30", msg); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if store.saves != 1 {
		t.Fatalf("expected 1 durable save, got %d", store.saves)
	}
	if len(fast.data["u30"]) != 1 {
		t.Fatalf("expected 1 cached message, got %d", len(fast.data["u30"]))
	}

	// Same role+content within the recent rows is not written again.
	if err := c.Append(ctx, "u30", msg); err != nil {
		t.Fatalf("Append duplicate: %v", err)
	}
	if store.saves != 1 {
		t.Errorf("duplicate was persisted, saves=%d", store.saves)
	}

	// Once the duplicate falls outside the check window it persists again.
	for i := 0; i < dupCheckWindow; i++ {
		filler := Message{Role: RoleAssistant, Content: string(rune('a' + i))}
		if err := c.Append(ctx, "u30", filler); err != nil {
			t.Fatalf("Append filler: %v", err)
		}
	}
	if err := c.Append(ctx, "u30", msg); err != nil {
		t.Fatalf("Append after window: %v", err)
	}
	if store.saves != dupCheckWindow+2 {
		t.Errorf("expected %d saves, got %d", dupCheckWindow+2, store.saves)
	}
}

func TestAppendEphemeralSkipsDurableStore(t *testing.T) {
	c, store, fast := newTestCache(20)
	ctx := context.Background()

	c.MarkEphemeral("u40")
	if err := c.Append(ctx, "u40", Message{Role: RoleUser, Content: "语音消息"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if store.saves != 0 {
		t.Errorf("ephemeral session reached durable store, saves=%d", store.saves)
	}
	if len(fast.data["u40"]) != 1 {
		t.Errorf("ephemeral session missing from cache")
	}

	c.UnmarkEphemeral("u40")
	if err := c.Append(ctx, "u40", Message{Role: RoleUser, Content: "文字消息"}); err != nil {
		t.Fatalf("Append after unmark: %v", err)
	}
	if store.saves != 1 {
		t.Errorf("expected durable save after unmark, saves=%d", store.saves)
	}
}

func TestAppendNeverPersistsSystemMessages(t *testing.T) {
	c, store, _ := newTestCache(20)

	if err := c.Append(context.Background(), "u50", Message{Role: RoleSystem, Content: "prompt"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if store.saves != 0 {
		t.Errorf("system message persisted, saves=%d", store.saves)
	}
}

func TestRegisterSessionUpdatesPersonaBinding(t *testing.T) {
	c, store, _ := newTestCache(20)
	ctx := context.Background()

	if err := c.RegisterSession(ctx, "u70", "u7", 0); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	if got := store.sessions["u70"]; got != 0 {
		t.Fatalf("persona binding = %d, want 0", got)
	}

	// Rebinding the same session to another persona must stick.
	if err := c.RegisterSession(ctx, "u70", "u7", 1); err != nil {
		t.Fatalf("RegisterSession rebind: %v", err)
	}
	if got := store.sessions["u70"]; got != 1 {
		t.Errorf("persona binding = %d after rebind, want 1", got)
	}
}

func TestDeleteSessionClearsBothStores(t *testing.T) {
	c, store, fast := newTestCache(20)
	ctx := context.Background()

	if err := c.Append(ctx, "u60", Message{Role: RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := c.RegisterSession(ctx, "u60", "u6", 0); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}

	if err := c.DeleteSession(ctx, "u60"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if len(store.rows["u60"]) != 0 {
		t.Error("durable rows survived delete")
	}
	if _, ok := fast.data["u60"]; ok {
		t.Error("cache entry survived delete")
	}
	if _, ok := store.sessions["u60"]; ok {
		t.Error("session binding survived delete")
	}
}
