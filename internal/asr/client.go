package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventType identifies recognizer gateway events.
type EventType string

const (
	EventTaskStarted   EventType = "task_started"
	EventSentenceBegin EventType = "sentence_begin"
	EventSentenceEnd   EventType = "sentence_end"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
)

// Event is one recognizer gateway message, flattened from the wire envelope.
type Event struct {
	Type       EventType
	TaskID     string
	Index      int
	Text       string
	Confidence float64
	BeginTime  int64
	Time       int64
	StatusText string
}

// TaskClient starts streaming recognition tasks.
type TaskClient interface {
	Start(ctx context.Context) (Task, <-chan Event, error)
}

// Task is one live recognition task on the gateway.
type Task interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Stop(ctx context.Context) error
	Close() error
}

type GatewayConfig struct {
	URL            string
	AppKey         string
	Token          string
	ConnectTimeout time.Duration
}

// GatewayClient speaks the recognizer gateway websocket protocol: one JSON
// start command, binary PCM frames, JSON events back.
type GatewayClient struct {
	cfg    GatewayConfig
	dialer *websocket.Dialer
}

func NewGatewayClient(cfg GatewayConfig) *GatewayClient {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &GatewayClient{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
	}
}

func (c *GatewayClient) Start(ctx context.Context) (Task, <-chan Event, error) {
	headers := http.Header{}
	if c.cfg.Token != "" {
		headers.Set("X-NLS-Token", c.cfg.Token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial recognizer gateway: %w", err)
	}

	taskID := strings.ReplaceAll(uuid.NewString(), "-", "")
	events := make(chan Event, 256)
	t := &gatewayTask{conn: conn, taskID: taskID, events: events}
	go t.readLoop()

	start := wireMessage{
		Header: wireHeader{
			Namespace: "SpeechTranscriber",
			Name:      "StartTranscription",
			AppKey:    c.cfg.AppKey,
			TaskID:    taskID,
			MessageID: strings.ReplaceAll(uuid.NewString(), "-", ""),
		},
		Payload: map[string]any{
			"format":                            "pcm",
			"sample_rate":                       16000,
			"enable_intermediate_result":        false,
			"enable_punctuation_prediction":     true,
			"enable_inverse_text_normalization": true,
		},
	}
	if err := t.writeJSON(start); err != nil {
		_ = t.Close()
		return nil, nil, fmt.Errorf("start transcription: %w", err)
	}

	return t, events, nil
}

type wireHeader struct {
	Namespace  string `json:"namespace,omitempty"`
	Name       string `json:"name"`
	AppKey     string `json:"appkey,omitempty"`
	TaskID     string `json:"task_id"`
	MessageID  string `json:"message_id,omitempty"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

type wirePayload struct {
	Index      int     `json:"index"`
	Time       int64   `json:"time"`
	BeginTime  int64   `json:"begin_time"`
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`
}

type wireMessage struct {
	Header  wireHeader `json:"header"`
	Payload any        `json:"payload,omitempty"`
}

type gatewayTask struct {
	conn      *websocket.Conn
	taskID    string
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan Event
}

func (t *gatewayTask) SendAudio(_ context.Context, pcm []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (t *gatewayTask) Stop(_ context.Context) error {
	return t.writeJSON(wireMessage{
		Header: wireHeader{
			Namespace: "SpeechTranscriber",
			Name:      "StopTranscription",
			TaskID:    t.taskID,
			MessageID: strings.ReplaceAll(uuid.NewString(), "-", ""),
		},
	})
}

func (t *gatewayTask) writeJSON(msg wireMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(msg)
}

// readLoop is the only goroutine that sends on t.events, so it is the only
// place allowed to close the channel. Close just tears down the websocket;
// the resulting read error unwinds the loop.
func (t *gatewayTask) readLoop() {
	defer close(t.events)
	defer t.Close()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Header  wireHeader  `json:"header"`
			Payload wirePayload `json:"payload"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		ev := Event{
			TaskID:     msg.Header.TaskID,
			Index:      msg.Payload.Index,
			Text:       msg.Payload.Result,
			Confidence: msg.Payload.Confidence,
			BeginTime:  msg.Payload.BeginTime,
			Time:       msg.Payload.Time,
			StatusText: msg.Header.StatusText,
		}

		switch msg.Header.Name {
		case "TranscriptionStarted":
			ev.Type = EventTaskStarted
		case "SentenceBegin":
			ev.Type = EventSentenceBegin
		case "SentenceEnd":
			ev.Type = EventSentenceEnd
		case "TranscriptionCompleted":
			ev.Type = EventTaskCompleted
		case "TaskFailed":
			ev.Type = EventTaskFailed
		default:
			// Intermediate results are disabled; anything else is noise.
			continue
		}
		t.events <- ev

		if ev.Type == EventTaskFailed {
			return
		}
	}
}

func (t *gatewayTask) Close() error {
	var retErr error
	t.closeOnce.Do(func() {
		retErr = t.conn.Close()
	})
	return retErr
}
