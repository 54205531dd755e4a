package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tanxian/huanyu/internal/observability"
	"github.com/tanxian/huanyu/internal/protocol"
)

// Audio rides the websocket in frames of at most this size.
const chunkSize = 2048

// Sink is the serialized outbound path of one connection. Control frames and
// audio share it, so enqueue order is wire order.
type Sink interface {
	SendControl(v any) error
	SendAudio(chunk []byte) error
}

// Synthesizer produces the audio stream for one segment.
type Synthesizer interface {
	Stream(ctx context.Context, personaID int, text string) (io.ReadCloser, error)
}

// Queue speaks reply segments for one connection in order. A lone consumer
// drains the pending list; each segment is framed audio_start, audio chunks,
// audio_end. An interrupt drops the rest of the in-flight segment only.
type Queue struct {
	synth     Synthesizer
	personaID int
	sink      Sink
	log       *slog.Logger
	metrics   *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []segment
	active  bool
	closed  bool

	interrupted atomic.Bool
	closeOnce   sync.Once
	idle        sync.WaitGroup
}

type segment struct {
	text     string
	enqueued time.Time
}

func NewQueue(synth Synthesizer, personaID int, sink Sink, log *slog.Logger, metrics *observability.Metrics) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		synth:     synth,
		personaID: personaID,
		sink:      sink,
		log:       log,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue adds a segment and wakes the consumer if it is idle.
func (q *Queue) Enqueue(text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, segment{text: text, enqueued: time.Now()})
	if !q.active {
		q.active = true
		q.idle.Add(1)
		go q.drain()
	}
}

// Interrupt stops the segment currently being spoken. Queued segments still
// play; an interrupt with nothing in flight is a no-op.
func (q *Queue) Interrupt() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active {
		q.interrupted.Store(true)
	}
}

// Close drops pending segments and stops the consumer. Idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.pending = nil
		q.mu.Unlock()
		q.cancel()
	})
}

// Wait blocks until the consumer has gone idle. Test hook.
func (q *Queue) Wait() {
	q.idle.Wait()
}

func (q *Queue) drain() {
	defer q.idle.Done()
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.active = false
			q.mu.Unlock()
			return
		}
		seg := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.speak(seg)
	}
}

func (q *Queue) speak(seg segment) {
	defer q.interrupted.Store(false)

	stream, err := q.synth.Stream(q.ctx, q.personaID, seg.text)
	if err != nil {
		if errors.Is(err, ErrEmptySegment) || errors.Is(err, context.Canceled) {
			return
		}
		q.log.Error("segment synthesis failed", "error", err)
		if err := q.sink.SendControl(protocol.NewAudioError("语音合成失败")); err != nil {
			q.log.Debug("send audio_error", "error", err)
		}
		return
	}
	defer stream.Close()

	if err := q.sink.SendControl(protocol.NewAudioStart()); err != nil {
		q.log.Debug("send audio_start", "error", err)
		return
	}

	first := true
	buf := make([]byte, chunkSize)
	for {
		if q.interrupted.Load() {
			q.log.Info("segment playback interrupted")
			break
		}
		n, err := stream.Read(buf)
		if n > 0 {
			if first {
				first = false
				if q.metrics != nil {
					q.metrics.ObserveSegmentLatency(time.Since(seg.enqueued))
				}
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := q.sink.SendAudio(chunk); err != nil {
				q.log.Debug("send audio chunk", "error", err)
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				q.log.Warn("synthesis stream read failed", "error", err)
			}
			break
		}
	}

	// audio_end closes the segment even when it was cut short.
	if err := q.sink.SendControl(protocol.NewAudioEnd()); err != nil {
		q.log.Debug("send audio_end", "error", err)
	}
	if q.metrics != nil {
		q.metrics.SegmentsSynthesized.Inc()
	}
}
