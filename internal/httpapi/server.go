package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tanxian/huanyu/internal/asr"
	"github.com/tanxian/huanyu/internal/config"
	"github.com/tanxian/huanyu/internal/dialogue"
	"github.com/tanxian/huanyu/internal/gateway"
	"github.com/tanxian/huanyu/internal/memory"
	"github.com/tanxian/huanyu/internal/observability"
	"github.com/tanxian/huanyu/internal/persona"
	"github.com/tanxian/huanyu/internal/tts"
)

type Server struct {
	cfg       config.Config
	registry  *persona.Registry
	mem       *memory.Cache
	asrClient asr.TaskClient
	bridge    *dialogue.Bridge
	synth     tts.Synthesizer
	metrics   *observability.Metrics
	log       *slog.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, registry *persona.Registry, mem *memory.Cache, asrClient asr.TaskClient, bridge *dialogue.Bridge, synth tts.Synthesizer, metrics *observability.Metrics, log *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		mem:       mem,
		asrClient: asrClient,
		bridge:    bridge,
		synth:     synth,
		metrics:   metrics,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws/voice", s.handleVoiceWS)
	r.Get("/v1/sessions/{id}/messages", s.handleSessionMessages)
	r.Delete("/v1/sessions/{id}", s.handleDeleteSession)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ActiveConnections.Inc()
	s.metrics.SessionEvents.WithLabelValues("connected").Inc()
	defer s.metrics.ActiveConnections.Dec()

	sender := gateway.NewSender(conn, func(isAudio bool) {
		if isAudio {
			s.metrics.WSFrames.WithLabelValues("outbound", "audio").Inc()
		} else {
			s.metrics.WSFrames.WithLabelValues("outbound", "control").Inc()
		}
	})
	pipeline := gateway.NewPipeline(s.registry, s.mem, s.asrClient, s.bridge, s.synth, sender, userID, s.log, s.metrics)
	defer sender.Close()
	defer pipeline.Close()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		switch msgType {
		case websocket.TextMessage:
			s.metrics.WSFrames.WithLabelValues("inbound", "control").Inc()
			pipeline.HandleText(data)
		case websocket.BinaryMessage:
			s.metrics.WSFrames.WithLabelValues("inbound", "audio").Inc()
			pipeline.HandleAudio(data)
		}
	}
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	msgs, err := s.mem.History(r.Context(), sessionID)
	if err != nil {
		s.log.Error("load session history", "session_id", sessionID, "error", err)
		respondError(w, http.StatusInternalServerError, "history_unavailable", "could not load session history")
		return
	}
	if msgs == nil {
		msgs = []memory.Message{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   msgs,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	if err := s.mem.DeleteSession(r.Context(), sessionID); err != nil {
		s.log.Error("delete session", "session_id", sessionID, "error", err)
		respondError(w, http.StatusInternalServerError, "delete_failed", "could not delete session")
		return
	}
	s.metrics.SessionEvents.WithLabelValues("history_deleted").Inc()
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
