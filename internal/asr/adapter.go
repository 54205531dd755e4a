package asr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Adapter owns at most one recognition task for a connection. Audio fed while
// the gateway is unreachable is dropped with a warning; the next Feed retries
// the dial. Finalized sentences are deduplicated before reaching the handler,
// since the gateway may redeliver a SentenceEnd after reconnects.
type Adapter struct {
	client      TaskClient
	log         *slog.Logger
	onUtterance func(text string)

	mu   sync.Mutex
	task Task
	seen map[string]struct{}
}

func NewAdapter(client TaskClient, log *slog.Logger, onUtterance func(text string)) *Adapter {
	return &Adapter{
		client:      client,
		log:         log,
		onUtterance: onUtterance,
		seen:        make(map[string]struct{}),
	}
}

// Feed forwards one PCM frame to the live task, starting a task first if none
// is running. A failed start or send is not fatal: the frame is dropped and a
// later Feed tries again.
func (a *Adapter) Feed(ctx context.Context, pcm []byte) error {
	a.mu.Lock()
	task := a.task
	if task == nil {
		t, events, err := a.client.Start(ctx)
		if err != nil {
			a.mu.Unlock()
			a.log.Warn("recognizer unavailable, dropping audio", "error", err)
			return nil
		}
		a.task = t
		a.seen = make(map[string]struct{})
		task = t
		go a.pump(t, events)
	}
	a.mu.Unlock()

	if err := task.SendAudio(ctx, pcm); err != nil {
		a.log.Warn("recognizer send failed, dropping task", "error", err)
		a.dropTask(task)
		return nil
	}
	return nil
}

// Stop ends the live task if any. Safe to call repeatedly; a later Feed
// starts a fresh task.
func (a *Adapter) Stop(ctx context.Context) {
	a.mu.Lock()
	task := a.task
	a.task = nil
	a.mu.Unlock()

	if task == nil {
		return
	}
	if err := task.Stop(ctx); err != nil {
		a.log.Debug("recognizer stop failed", "error", err)
	}
	_ = task.Close()
}

func (a *Adapter) pump(task Task, events <-chan Event) {
	for ev := range events {
		switch ev.Type {
		case EventTaskStarted:
			a.log.Info("recognition task started", "task_id", ev.TaskID)
		case EventSentenceEnd:
			text := strings.TrimSpace(ev.Text)
			if text == "" {
				continue
			}
			if a.alreadySeen(ev.TaskID, ev.Index, text) {
				a.log.Debug("duplicate sentence dropped", "task_id", ev.TaskID, "index", ev.Index)
				continue
			}
			a.onUtterance(text)
		case EventTaskCompleted:
			a.clearSeen()
		case EventTaskFailed:
			a.log.Warn("recognition task failed", "task_id", ev.TaskID, "status", ev.StatusText)
		}
	}
	a.dropTask(task)
}

func (a *Adapter) alreadySeen(taskID string, index int, text string) bool {
	key := fmt.Sprintf("%s-%d:%s", taskID, index, text)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[key]; ok {
		return true
	}
	a.seen[key] = struct{}{}
	return false
}

func (a *Adapter) clearSeen() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = make(map[string]struct{})
}

// dropTask detaches task if it is still the live one and closes it.
func (a *Adapter) dropTask(task Task) {
	a.mu.Lock()
	if a.task == task {
		a.task = nil
	}
	a.mu.Unlock()
	_ = task.Close()
}
