package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/talkinghead/internal/config"
	"github.com/ent0n29/talkinghead/internal/events"
	"github.com/ent0n29/talkinghead/internal/memory"
	"github.com/ent0n29/talkinghead/internal/observability"
	"github.com/ent0n29/talkinghead/internal/recognition"
	"github.com/ent0n29/talkinghead/internal/session"
	"github.com/ent0n29/talkinghead/internal/synthesis"
	"github.com/ent0n29/talkinghead/internal/voice"
)

// Recognition is the recognition session manager as seen by the API.
type Recognition interface {
	Start(ctx context.Context, req recognition.StartRequest) (*session.Session, error)
	PushAudio(sessionID string, frame []byte) error
	Stop(sessionID string) ([]session.Result, error)
	StopClient(clientID string) []string
	Get(sessionID string) (*session.Session, error)
	List() []*session.Session
}

// Synthesis is the synthesis session manager as seen by the API.
type Synthesis interface {
	Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Session, error)
	Stop(synthesisID string) (*synthesis.Session, bool)
	StopSession(sessionID string, forget bool) int
}

// Conversation exposes the per-session chat history.
type Conversation interface {
	GetHistory(ctx context.Context, sessionID string) ([]memory.Turn, error)
	Clear(ctx context.Context, sessionID string) error
	Close(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]string, error)
}

type Deps struct {
	Recognition  Recognition
	Synthesis    Synthesis
	Conversation Conversation
	Hub          *events.Hub
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

type Server struct {
	cfg          config.Config
	recognition  Recognition
	synthesis    Synthesis
	conversation Conversation
	hub          *events.Hub
	metrics      *observability.Metrics
	log          *slog.Logger
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := deps.Hub
	if hub == nil {
		hub = events.NewHub()
	}
	return &Server{
		cfg:          cfg,
		recognition:  deps.Recognition,
		synthesis:    deps.Synthesis,
		conversation: deps.Conversation,
		hub:          hub,
		metrics:      deps.Metrics,
		log:          logger.With(slog.String("component", "httpapi")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless
				// explicitly allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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
	r.Get("/v1/ws", s.handleWS)

	r.Route("/v1/stt", func(r chi.Router) {
		r.Post("/start", s.handleSTTStart)
		r.Post("/audio/{id}", s.handleSTTAudio)
		r.Delete("/stop/{id}", s.handleSTTStop)
		r.Get("/session/{id}", s.handleSTTSession)
		r.Get("/sessions", s.handleSTTSessions)
	})
	r.Route("/v1/tts", func(r chi.Router) {
		r.Post("/synthesize", s.handleTTSSynthesize)
		r.Delete("/stop/{id}", s.handleTTSStop)
	})
	r.Route("/v1/chat", func(r chi.Router) {
		r.Get("/history/{id}", s.handleChatHistory)
		r.Delete("/history/{id}", s.handleChatClear)
		r.Get("/sessions", s.handleChatSessions)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Delete("/v1/perf/latency", s.handlePerfReset)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, response{Success: true, Message: "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	data := map[string]bool{
		"recognition":  s.recognition != nil,
		"synthesis":    s.synthesis != nil,
		"conversation": s.conversation != nil,
	}
	if s.recognition == nil || s.synthesis == nil {
		respondJSON(w, http.StatusServiceUnavailable, response{Success: false, Message: "not ready", Error: voice.ErrNotInitialized.Error(), Data: data})
		return
	}
	respondJSON(w, http.StatusOK, response{Success: true, Message: "ready", Data: data})
}

type startRequest struct {
	Language    string               `json:"language"`
	AudioFormat string               `json:"audioFormat"`
	SessionID   string               `json:"sessionId"`
	ClientID    string               `json:"clientId"`
	Voice       *session.VoiceParams `json:"voice,omitempty"`
}

func (s *Server) handleSTTStart(w http.ResponseWriter, r *http.Request) {
	if s.recognition == nil {
		respondError(w, "recognition unavailable", voice.ErrNotInitialized)
		return
	}
	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondJSON(w, http.StatusBadRequest, response{Message: "invalid request body", Error: err.Error()})
		return
	}
	sess, err := s.recognition.Start(r.Context(), recognition.StartRequest{
		SessionID:   req.SessionID,
		ClientID:    req.ClientID,
		Language:    req.Language,
		AudioFormat: req.AudioFormat,
		Voice:       req.Voice,
	})
	if err != nil {
		respondError(w, "failed to start recognition", err)
		return
	}
	respondJSON(w, http.StatusCreated, response{Success: true, Message: "recognition started", Data: sess})
}

type audioRequest struct {
	AudioData string `json:"audioData"`
}

// handleSTTAudio accepts either a raw PCM body or JSON with base64 audioData.
func (s *Server) handleSTTAudio(w http.ResponseWriter, r *http.Request) {
	if s.recognition == nil {
		respondError(w, "recognition unavailable", voice.ErrNotInitialized)
		return
	}
	id := chi.URLParam(r, "id")
	var frame []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req audioRequest
		if err := decodeJSON(r, &req); err != nil {
			respondJSON(w, http.StatusBadRequest, response{Message: "invalid request body", Error: err.Error()})
			return
		}
		decoded, err := base64.StdEncoding.DecodeString(req.AudioData)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, response{Message: "audioData is not valid base64", Error: err.Error()})
			return
		}
		frame = decoded
	} else {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			respondJSON(w, http.StatusBadRequest, response{Message: "read audio failed", Error: err.Error()})
			return
		}
		frame = body
	}
	if len(frame) == 0 {
		respondJSON(w, http.StatusBadRequest, response{Message: "empty audio chunk", Error: "no audio data"})
		return
	}
	if err := s.recognition.PushAudio(id, frame); err != nil {
		respondError(w, "failed to process audio", err)
		return
	}
	respondJSON(w, http.StatusOK, response{Success: true, Message: "audio accepted", Data: map[string]any{
		"sessionId": id,
		"bytes":     len(frame),
	}})
}

func (s *Server) handleSTTStop(w http.ResponseWriter, r *http.Request) {
	if s.recognition == nil {
		respondError(w, "recognition unavailable", voice.ErrNotInitialized)
		return
	}
	id := chi.URLParam(r, "id")
	results, err := s.recognition.Stop(id)
	if err != nil {
		respondJSON(w, statusFor(err), response{
			Message: "failed to stop recognition",
			Error:   err.Error(),
			Data:    map[string]any{"sessionId": id, "results": results},
		})
		return
	}
	respondJSON(w, http.StatusOK, response{Success: true, Message: "recognition stopped", Data: map[string]any{
		"sessionId": id,
		"results":   results,
	}})
}

func (s *Server) handleSTTSession(w http.ResponseWriter, r *http.Request) {
	if s.recognition == nil {
		respondError(w, "recognition unavailable", voice.ErrNotInitialized)
		return
	}
	sess, err := s.recognition.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, "session not found", err)
		return
	}
	respondJSON(w, http.StatusOK, response{Success: true, Message: "session status", Data: sess})
}

func (s *Server) handleSTTSessions(w http.ResponseWriter, _ *http.Request) {
	if s.recognition == nil {
		respondError(w, "recognition unavailable", voice.ErrNotInitialized)
		return
	}
	respondJSON(w, http.StatusOK, response{Success: true, Message: "sessions", Data: s.recognition.List()})
}

type synthesizeRequest struct {
	Text        string               `json:"text"`
	SessionID   string               `json:"sessionId"`
	SynthesisID string               `json:"synthesisId"`
	Voice       *session.VoiceParams `json:"voice,omitempty"`
}

func (s *Server) handleTTSSynthesize(w http.ResponseWriter, r *http.Request) {
	if s.synthesis == nil {
		respondError(w, "synthesis unavailable", voice.ErrNotInitialized)
		return
	}
	var req synthesizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, response{Message: "invalid request body", Error: err.Error()})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondJSON(w, http.StatusBadRequest, response{Message: "text is required", Error: "empty text"})
		return
	}
	sess, err := s.synthesis.Synthesize(r.Context(), synthesis.Request{
		Text:        req.Text,
		SynthesisID: req.SynthesisID,
		SessionID:   req.SessionID,
		Voice:       req.Voice,
	})
	if err != nil {
		respondError(w, "failed to start synthesis", err)
		return
	}
	respondJSON(w, http.StatusAccepted, response{Success: true, Message: "synthesis started", Data: sess})
}

// handleTTSStop is safe for unknown ids; it reports that nothing was stopped.
func (s *Server) handleTTSStop(w http.ResponseWriter, r *http.Request) {
	if s.synthesis == nil {
		respondError(w, "synthesis unavailable", voice.ErrNotInitialized)
		return
	}
	id := chi.URLParam(r, "id")
	if sess, ok := s.synthesis.Stop(id); ok {
		respondJSON(w, http.StatusOK, response{Success: true, Message: "synthesis stopped", Data: sess})
		return
	}
	respondJSON(w, http.StatusOK, response{Success: true, Message: "no active synthesis", Data: map[string]any{
		"synthesisId": id,
		"stopped":     false,
	}})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	if s.conversation == nil {
		respondError(w, "conversation unavailable", voice.ErrNotInitialized)
		return
	}
	turns, err := s.conversation.GetHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, "failed to load history", err)
		return
	}
	if turns == nil {
		turns = []memory.Turn{}
	}
	respondJSON(w, http.StatusOK, response{Success: true, Message: "history", Data: turns})
}

func (s *Server) handleChatClear(w http.ResponseWriter, r *http.Request) {
	if s.conversation == nil {
		respondError(w, "conversation unavailable", voice.ErrNotInitialized)
		return
	}
	if err := s.conversation.Clear(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, "failed to clear history", err)
		return
	}
	respondJSON(w, http.StatusOK, response{Success: true, Message: "history cleared"})
}

func (s *Server) handleChatSessions(w http.ResponseWriter, r *http.Request) {
	if s.conversation == nil {
		respondError(w, "conversation unavailable", voice.ErrNotInitialized)
		return
	}
	ids, err := s.conversation.Sessions(r.Context())
	if err != nil {
		respondError(w, "failed to list sessions", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, response{Success: true, Message: "sessions", Data: ids})
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

const maxBodyBytes = 2 << 20

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return errEmptyBody
	}
	return sonic.Unmarshal(data, out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"success":false,"message":"encode response failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func respondError(w http.ResponseWriter, message string, err error) {
	respondJSON(w, statusFor(err), response{Message: message, Error: err.Error()})
}

// statusFor maps pipeline errors to HTTP statuses. A missing engine makes the
// service unavailable rather than broken.
func statusFor(err error) int {
	switch {
	case errors.Is(err, voice.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, voice.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, voice.ErrSessionInactive):
		return http.StatusConflict
	case errors.Is(err, voice.ErrUnsupportedLanguage), errors.Is(err, voice.ErrUnsupportedAudioFormat):
		return http.StatusBadRequest
	case errors.Is(err, voice.ErrAudioBackpressure):
		return http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
