package asr

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

type fakeTask struct {
	audio   [][]byte
	sendErr error
	stops   int
	closes  int
}

func (f *fakeTask) SendAudio(_ context.Context, pcm []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.audio = append(f.audio, pcm)
	return nil
}

func (f *fakeTask) Stop(context.Context) error {
	f.stops++
	return nil
}

func (f *fakeTask) Close() error {
	f.closes++
	return nil
}

type fakeClient struct {
	startErr error
	starts   int
	task     *fakeTask
	events   chan Event
}

func (f *fakeClient) Start(context.Context) (Task, <-chan Event, error) {
	f.starts++
	if f.startErr != nil {
		return nil, nil, f.startErr
	}
	f.task = &fakeTask{}
	f.events = make(chan Event, 16)
	return f.task, f.events, nil
}

func collectUtterances() (func(string), chan string) {
	ch := make(chan string, 16)
	return func(text string) { ch <- text }, ch
}

func nextUtterance(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case text := <-ch:
		return text
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for utterance")
		return ""
	}
}

func assertNoUtterance(t *testing.T, ch chan string) {
	t.Helper()
	select {
	case text := <-ch:
		t.Fatalf("unexpected utterance %q", text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFeedStartsTaskLazily(t *testing.T) {
	client := &fakeClient{}
	onUtt, _ := collectUtterances()
	a := NewAdapter(client, slog.Default(), onUtt)

	if err := a.Feed(context.Background(), []byte{1, 2}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if client.starts != 1 {
		t.Fatalf("expected 1 start, got %d", client.starts)
	}
	if err := a.Feed(context.Background(), []byte{3, 4}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if client.starts != 1 {
		t.Errorf("second feed started a second task")
	}
	if len(client.task.audio) != 2 {
		t.Errorf("expected 2 audio frames, got %d", len(client.task.audio))
	}
}

func TestDuplicateSentencesDropped(t *testing.T) {
	client := &fakeClient{}
	onUtt, utts := collectUtterances()
	a := NewAdapter(client, slog.Default(), onUtt)

	if err := a.Feed(context.Background(), []byte{1}); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	client.events <- Event{Type: EventSentenceEnd, TaskID: "t1", Index: 1, Text: "你好。"}
	client.events <- Event{Type: EventSentenceEnd, TaskID: "t1", Index: 1, Text: " 你好。 "}
	client.events <- Event{Type: EventSentenceEnd, TaskID: "t1", Index: 2, Text: "你好。"}

	if got := nextUtterance(t, utts); got != "你好。" {
		t.Errorf("unexpected first utterance %q", got)
	}
	// Index 1 redelivery is dropped; index 2 with the same text is a new sentence.
	if got := nextUtterance(t, utts); got != "你好。" {
		t.Errorf("unexpected second utterance %q", got)
	}
	assertNoUtterance(t, utts)
}

func TestDedupClearedOnTaskCompleted(t *testing.T) {
	client := &fakeClient{}
	onUtt, utts := collectUtterances()
	a := NewAdapter(client, slog.Default(), onUtt)

	if err := a.Feed(context.Background(), []byte{1}); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	client.events <- Event{Type: EventSentenceEnd, TaskID: "t1", Index: 1, Text: "好的"}
	nextUtterance(t, utts)

	client.events <- Event{Type: EventTaskCompleted, TaskID: "t1"}
	client.events <- Event{Type: EventSentenceEnd, TaskID: "t1", Index: 1, Text: "好的"}
	if got := nextUtterance(t, utts); got != "好的" {
		t.Errorf("sentence after completion was still deduplicated, got %q", got)
	}
}

func TestEmptySentencesIgnored(t *testing.T) {
	client := &fakeClient{}
	onUtt, utts := collectUtterances()
	a := NewAdapter(client, slog.Default(), onUtt)

	if err := a.Feed(context.Background(), []byte{1}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	client.events <- Event{Type: EventSentenceEnd, TaskID: "t1", Index: 1, Text: "   "}
	assertNoUtterance(t, utts)
}

func TestFeedSurvivesStartFailure(t *testing.T) {
	client := &fakeClient{startErr: errors.New("gateway down")}
	onUtt, utts := collectUtterances()
	a := NewAdapter(client, slog.Default(), onUtt)

	if err := a.Feed(context.Background(), []byte{1}); err != nil {
		t.Fatalf("Feed must not fail on dial error: %v", err)
	}
	assertNoUtterance(t, utts)

	client.startErr = nil
	if err := a.Feed(context.Background(), []byte{2}); err != nil {
		t.Fatalf("Feed after recovery: %v", err)
	}
	if client.starts != 2 {
		t.Errorf("expected a retry dial, starts=%d", client.starts)
	}
	if len(client.task.audio) != 1 {
		t.Errorf("expected 1 frame after recovery, got %d", len(client.task.audio))
	}
}

func TestStopIsIdempotentAndFeedRestarts(t *testing.T) {
	client := &fakeClient{}
	onUtt, _ := collectUtterances()
	a := NewAdapter(client, slog.Default(), onUtt)

	ctx := context.Background()
	if err := a.Feed(ctx, []byte{1}); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	first := client.task

	a.Stop(ctx)
	a.Stop(ctx)
	if first.stops != 1 {
		t.Errorf("expected exactly 1 stop command, got %d", first.stops)
	}
	if first.closes == 0 {
		t.Error("task not closed on stop")
	}

	if err := a.Feed(ctx, []byte{2}); err != nil {
		t.Fatalf("Feed after stop: %v", err)
	}
	if client.starts != 2 {
		t.Errorf("expected a new task after stop, starts=%d", client.starts)
	}
}
