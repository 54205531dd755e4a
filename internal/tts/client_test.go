package tts

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(url string) *Client {
	return NewClient(map[int]string{0: url}, time.Second, time.Second, 3, time.Millisecond, slog.Default(), nil)
}

func TestNewClientWiresTimeouts(t *testing.T) {
	c := NewClient(map[int]string{0: "http://127.0.0.1:1"}, 2*time.Second, 30*time.Second, 3, time.Millisecond, slog.Default(), nil)
	if c.httpc.Timeout != 30*time.Second {
		t.Errorf("request timeout = %v, want 30s", c.httpc.Timeout)
	}
	if c.dialer.Timeout != 2*time.Second {
		t.Errorf("dial timeout = %v, want 2s", c.dialer.Timeout)
	}
	tr, ok := c.httpc.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("transport is %T, want *http.Transport", c.httpc.Transport)
	}
	if tr.DialContext == nil {
		t.Error("transport has no DialContext, connect timeout would not apply")
	}

	c = NewClient(map[int]string{0: "http://127.0.0.1:1"}, 0, time.Second, 3, time.Millisecond, slog.Default(), nil)
	if c.dialer.Timeout != 10*time.Second {
		t.Errorf("default dial timeout = %v, want 10s", c.dialer.Timeout)
	}
}

func TestCleanSegment(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"你好呀！", "你好呀！"},
		{"*笑着说* 你好呀！", "你好呀！"},
		{"来啦 *挥手* 坐吧 *指椅子* ", "来啦  坐吧"},
		{"*全是动作*", ""},
		{"  ", ""},
	}
	for _, tc := range cases {
		if got := CleanSegment(tc.in); got != tc.want {
			t.Errorf("CleanSegment(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestStreamRetriesTransientStatuses(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["text"] != "你好。" || req["text_language"] != "zh" {
			t.Errorf("unexpected request body %v", req)
		}
		w.Write([]byte("pcm-bytes"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	body, err := c.Stream(context.Background(), 0, "你好。")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	defer body.Close()

	audio, _ := io.ReadAll(body)
	if string(audio) != "pcm-bytes" {
		t.Errorf("audio = %q", audio)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestStreamClientErrorIsNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, "bad text", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if _, err := c.Stream(context.Background(), 0, "你好。"); err == nil {
		t.Fatal("expected error for 404")
	} else if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should carry status: %v", err)
	}
	if calls != 1 {
		t.Errorf("4xx was retried, calls=%d", calls)
	}
}

func TestStreamExhaustsRetries(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if _, err := c.Stream(context.Background(), 0, "你好。"); err == nil {
		t.Fatal("expected exhaustion error")
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestStreamEmptyAfterCleaning(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	if _, err := c.Stream(context.Background(), 0, "*点头*"); err != ErrEmptySegment {
		t.Fatalf("expected ErrEmptySegment, got %v", err)
	}
}

func TestStreamUnknownPersona(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	if _, err := c.Stream(context.Background(), 9, "你好。"); err == nil {
		t.Fatal("expected error for unmapped persona")
	}
}
