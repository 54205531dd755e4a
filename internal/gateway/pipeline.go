package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tanxian/huanyu/internal/asr"
	"github.com/tanxian/huanyu/internal/dialogue"
	"github.com/tanxian/huanyu/internal/memory"
	"github.com/tanxian/huanyu/internal/observability"
	"github.com/tanxian/huanyu/internal/persona"
	"github.com/tanxian/huanyu/internal/protocol"
	"github.com/tanxian/huanyu/internal/tts"
)

// Connection lifecycle. Audio is only transcribed while Active.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingPersona
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingPersona:
		return "awaiting_persona"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Pipeline orchestrates one voice connection: recognizer adapter in, dialogue
// bridge in the middle, synthesis queue out. All outbound frames go through
// the connection's Sender.
type Pipeline struct {
	registry *persona.Registry
	mem      *memory.Cache
	bridge   *dialogue.Bridge
	synth    tts.Synthesizer
	sender   *Sender
	log      *slog.Logger
	metrics  *observability.Metrics

	userID  string
	adapter *asr.Adapter
	state   atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	persona persona.Persona
	queue   *tts.Queue

	closeOnce sync.Once
	turns     sync.WaitGroup
}

func NewPipeline(registry *persona.Registry, mem *memory.Cache, asrClient asr.TaskClient, bridge *dialogue.Bridge, synth tts.Synthesizer, sender *Sender, userID string, log *slog.Logger, metrics *observability.Metrics) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		registry: registry,
		mem:      mem,
		bridge:   bridge,
		synth:    synth,
		sender:   sender,
		log:      log.With("user_id", userID),
		metrics:  metrics,
		userID:   userID,
		ctx:      ctx,
		cancel:   cancel,
	}
	p.state.Store(int32(StateConnecting))
	p.adapter = asr.NewAdapter(asrClient, p.log, p.onUtterance)
	p.state.Store(int32(StateAwaitingPersona))
	return p
}

func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// HandleText processes one client control frame.
func (p *Pipeline) HandleText(raw []byte) {
	if p.State() == StateClosed {
		return
	}

	frame, err := protocol.ParseClientFrame(raw)
	if err != nil {
		p.log.Warn("bad client frame", "error", err)
		p.SendAIError("不支持的消息")
		return
	}

	switch f := frame.(type) {
	case protocol.PersonaSelect:
		p.bindPersona(f.CharacterID)
	case protocol.Interrupt:
		p.interrupt()
	}
}

// HandleAudio feeds one binary PCM frame to the recognizer. Audio before a
// persona is bound has no session to belong to and is dropped.
func (p *Pipeline) HandleAudio(pcm []byte) {
	if p.State() != StateActive {
		if p.metrics != nil {
			p.metrics.DroppedAudioFrames.WithLabelValues("no_persona").Inc()
		}
		return
	}
	_ = p.adapter.Feed(p.ctx, pcm)
}

func (p *Pipeline) bindPersona(wireName string) {
	chosen, err := p.registry.ByWireName(wireName)
	if err != nil {
		if errors.Is(err, persona.ErrUnknownPersona) {
			p.log.Warn("unknown persona requested", "character_id", wireName)
			p.SendAIError("未知角色")
			return
		}
		p.log.Error("persona lookup", "error", err)
		p.SendAIError("角色选择失败")
		return
	}

	p.mu.Lock()
	prevQueue := p.queue
	prevBound := p.State() == StateActive
	prevSessionID := persona.SessionID(p.userID, p.persona)
	p.persona = chosen
	p.queue = tts.NewQueue(p.synth, chosen.ID, p.sender, p.log, p.metrics)
	p.mu.Unlock()

	if prevBound {
		// Persona switch mid-connection: stop the old voice and release the
		// old session's ephemeral mark.
		prevQueue.Close()
		p.mem.UnmarkEphemeral(prevSessionID)
	}

	sessionID := persona.SessionID(p.userID, chosen)
	p.mem.MarkEphemeral(sessionID)
	p.state.Store(int32(StateActive))
	if p.metrics != nil {
		p.metrics.SessionEvents.WithLabelValues("persona_bound").Inc()
	}
	p.log.Info("persona bound", "persona", chosen.WireName, "session_id", sessionID)
}

func (p *Pipeline) interrupt() {
	p.mu.Lock()
	queue := p.queue
	p.mu.Unlock()
	if queue == nil {
		return
	}
	queue.Interrupt()
	if p.metrics != nil {
		p.metrics.SessionEvents.WithLabelValues("interrupted").Inc()
	}
}

// onUtterance runs one dialogue turn per finalized sentence. Turns run off
// the recognizer event loop so a slow engine never stalls transcription.
func (p *Pipeline) onUtterance(text string) {
	p.mu.Lock()
	bound := p.State() == StateActive
	chosen := p.persona
	queue := p.queue
	p.mu.Unlock()
	if !bound {
		return
	}

	p.turns.Add(1)
	go func() {
		defer p.turns.Done()
		p.bridge.HandleUtterance(p.ctx, p.userID, chosen, text, p, queue)
	}()
}

// SendAIText and SendAIError make the pipeline the bridge's emitter.
func (p *Pipeline) SendAIText(chunk string) {
	if err := p.sender.SendControl(protocol.NewAIText(chunk)); err != nil {
		p.log.Debug("send ai_text", "error", err)
	}
}

func (p *Pipeline) SendAIError(message string) {
	if err := p.sender.SendControl(protocol.NewAIError(message)); err != nil {
		p.log.Debug("send ai_error", "error", err)
	}
}

// Close tears the connection down. Safe to call repeatedly and on a
// half-initialized pipeline; every step is best effort.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		wasActive := p.State() == StateActive
		p.state.Store(int32(StateClosed))
		p.cancel()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
		p.adapter.Stop(stopCtx)
		stopCancel()

		p.mu.Lock()
		queue := p.queue
		chosen := p.persona
		p.mu.Unlock()
		if queue != nil {
			queue.Close()
		}
		if wasActive {
			p.mem.UnmarkEphemeral(persona.SessionID(p.userID, chosen))
		}

		p.turns.Wait()
		if p.metrics != nil {
			p.metrics.SessionEvents.WithLabelValues("closed").Inc()
		}
		p.log.Info("connection closed")
	})
}
