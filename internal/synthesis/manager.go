package synthesis

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/talkinghead/internal/events"
	"github.com/ent0n29/talkinghead/internal/observability"
	"github.com/ent0n29/talkinghead/internal/protocol"
	"github.com/ent0n29/talkinghead/internal/session"
	"github.com/ent0n29/talkinghead/internal/voice"
)

type State string

const (
	StateActive   State = "active"
	StateInactive State = "inactive"
)

type Request struct {
	Text        string
	SynthesisID string
	// SessionID is the recognition session the reply belongs to. Events are
	// routed by it; when empty the synthesis id is used.
	SessionID string
	Voice     *session.VoiceParams
}

// ChunkRecord describes one delivered audio chunk.
type ChunkRecord struct {
	Seq      int     `json:"seq"`
	Format   string  `json:"format"`
	Offset   int64   `json:"offset"`
	Duration float64 `json:"durationMs"`
	Bytes    int     `json:"bytes"`
}

type Session struct {
	ID           string              `json:"id"`
	SessionID    string              `json:"sessionId"`
	Text         string              `json:"text"`
	SSML         string              `json:"ssml"`
	Voice        session.VoiceParams `json:"voice"`
	State        State               `json:"state"`
	StartedAt    time.Time           `json:"startTime"`
	FirstAudioAt time.Time           `json:"firstAudioAt,omitempty"`
	CompletedAt  time.Time           `json:"completedAt,omitempty"`
	Chunks       []ChunkRecord       `json:"chunks"`
	Visemes      []voice.Viseme      `json:"visemes"`
	Error        string              `json:"error,omitempty"`

	done <-chan struct{}
}

// Done is closed once the synthesis completes, fails or is stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

type Config struct {
	DefaultVoice session.VoiceParams
	MaxRetained  int
	Timeout      time.Duration
}

// Manager owns one synthesizer stream per reply and streams its audio and
// visemes to the parent session's subscribers.
type Manager struct {
	engine   voice.Synthesizer
	hub      *events.Hub
	metrics  *observability.Metrics
	log      *slog.Logger
	tracer   trace.Tracer
	defaults session.VoiceParams

	maxRetained int
	timeout     time.Duration

	sessions *session.Registry[*entry]
	locks    *session.Locks
	seq      atomic.Uint64
}

type entry struct {
	mu        sync.Mutex
	s         Session
	stream    voice.SynthesisStream
	cancel    context.CancelFunc
	done      chan struct{}
	stopping  atomic.Bool
	finishOne sync.Once
	order     uint64
}

func NewManager(engine voice.Synthesizer, hub *events.Hub, metrics *observability.Metrics, logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = events.NewHub()
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Manager{
		engine:      engine,
		hub:         hub,
		metrics:     metrics,
		log:         logger.With(slog.String("component", "synthesis")),
		tracer:      otel.Tracer("github.com/ent0n29/talkinghead/internal/synthesis"),
		defaults:    cfg.DefaultVoice,
		maxRetained: cfg.MaxRetained,
		timeout:     cfg.Timeout,
		sessions:    session.NewRegistry[*entry](),
		locks:       session.NewLocks(),
	}
}

// Synthesize starts speaking req.Text and returns immediately. An active
// synthesis with the same id is stopped first.
func (m *Manager) Synthesize(ctx context.Context, req Request) (*Session, error) {
	if m.engine == nil {
		return nil, voice.ErrNotInitialized
	}
	text := voice.SanitizeSpeechText(req.Text)
	if text == "" {
		return nil, fmt.Errorf("synthesis text is empty")
	}
	id := strings.TrimSpace(req.SynthesisID)
	if id == "" {
		id = fmt.Sprintf("tts-%d", time.Now().UnixMilli())
	}
	parent := strings.TrimSpace(req.SessionID)
	if parent == "" {
		parent = id
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	if prev, ok := m.sessions.Get(id); ok {
		m.log.Info("synthesis id collision, stopping previous", slog.String("synthesis_id", id))
		m.stopEntry(prev)
	}

	v := ResolveVoice(req.Voice, m.defaults)
	ssml := BuildSSML(text, v)

	streamCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	streamCtx, span := m.tracer.Start(streamCtx, "synthesis",
		trace.WithAttributes(
			attribute.String("synthesis.id", id),
			attribute.String("session.id", parent),
			attribute.String("voice.name", v.Name),
			attribute.Int("text.length", len(text)),
		),
	)
	stream, err := m.engine.StartSynthesis(streamCtx, voice.SynthesisRequest{
		SynthesisID: id,
		Text:        text,
		SSML:        ssml,
		VoiceName:   v.Name,
		Language:    v.Language,
		Rate:        v.Rate,
		Pitch:       v.Pitch,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		cancel()
		m.metrics.EngineError("synthesis", voice.ErrorCode(err))
		return nil, fmt.Errorf("start synthesis: %w", err)
	}

	done := make(chan struct{})
	e := &entry{
		s: Session{
			ID:        id,
			SessionID: parent,
			Text:      text,
			SSML:      ssml,
			Voice:     v,
			State:     StateActive,
			StartedAt: time.Now().UTC(),
			done:      done,
		},
		stream: stream,
		cancel: cancel,
		done:   done,
		order:  m.seq.Add(1),
	}
	m.sessions.Create(id, e)
	m.prune()
	m.metrics.SynthesisStarted()
	m.metrics.SessionEvent("synthesis_started")

	go m.consume(streamCtx, span, e)

	m.log.Info("synthesis started",
		slog.String("synthesis_id", id),
		slog.String("session_id", parent),
		slog.String("voice", v.Name),
		slog.Int("chars", len(text)),
	)
	return e.snapshot(), nil
}

// Stop closes the synthesis and returns its final state. Unknown ids return
// (nil, false).
func (m *Manager) Stop(synthesisID string) (*Session, bool) {
	unlock := m.locks.Lock(synthesisID)
	defer unlock()
	e, ok := m.sessions.Get(synthesisID)
	if !ok {
		return nil, false
	}
	m.stopEntry(e)
	return e.snapshot(), true
}

// StopSession stops every active synthesis belonging to the recognition
// session and forgets its records when forget is set.
func (m *Manager) StopSession(sessionID string, forget bool) int {
	stopped := 0
	for _, e := range m.sessions.Filter(func(_ string, e *entry) bool { return e.parent() == sessionID }) {
		id := e.id()
		unlock := m.locks.Lock(id)
		if e.active() {
			m.stopEntry(e)
			stopped++
		}
		if forget {
			m.sessions.RemoveIf(id, func(cur *entry) bool { return cur == e })
		}
		unlock()
	}
	return stopped
}

func (m *Manager) Get(synthesisID string) (*Session, bool) {
	e, ok := m.sessions.Get(synthesisID)
	if !ok {
		return nil, false
	}
	return e.snapshot(), true
}

// List returns all retained syntheses ordered by start.
func (m *Manager) List() []*Session {
	entries := m.sessions.Filter(func(string, *entry) bool { return true })
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
	out := make([]*Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}

// Shutdown stops every active synthesis.
func (m *Manager) Shutdown() {
	for _, e := range m.sessions.Filter(func(_ string, e *entry) bool { return e.active() }) {
		m.stopEntry(e)
	}
}

func (m *Manager) stopEntry(e *entry) {
	if !e.active() {
		return
	}
	e.stopping.Store(true)
	if err := e.stream.Close(); err != nil {
		m.log.Warn("close synthesizer stream failed", slog.String("synthesis_id", e.id()), slog.Any("error", err))
	}
	e.cancel()
	select {
	case <-e.done:
	case <-time.After(2 * time.Second):
		m.finish(e, "stopped")
	}
	m.metrics.SessionEvent("synthesis_stopped")
}

func (m *Manager) consume(ctx context.Context, span trace.Span, e *entry) {
	defer span.End()
	defer e.cancel()

	id, parent := e.id(), e.parent()
	started := time.Now()
	firstAudio := true
	chunkSeq := 0
	for ev := range e.stream.Events() {
		if e.stopping.Load() {
			continue
		}
		switch ev.Type {
		case voice.SynthesisAudio:
			if firstAudio {
				firstAudio = false
				m.metrics.ObserveStage(observability.StageSynthesisToFirstAudio, time.Since(started))
				span.AddEvent("first_audio")
				e.mu.Lock()
				e.s.FirstAudioAt = time.Now().UTC()
				e.mu.Unlock()
			}
			chunkSeq++
			durMS := float64(ev.Audio.Duration) / float64(time.Millisecond)
			e.mu.Lock()
			e.s.Chunks = append(e.s.Chunks, ChunkRecord{
				Seq:      chunkSeq,
				Format:   ev.Audio.Format,
				Offset:   ev.Audio.Offset,
				Duration: durMS,
				Bytes:    len(ev.Audio.Data),
			})
			e.mu.Unlock()
			m.hub.Publish(events.Event{
				SessionID: parent,
				Type:      string(protocol.TypeTTSAudioChunk),
				Payload: protocol.TTSAudioChunk{
					Type:      protocol.TypeTTSAudioChunk,
					SessionID: id,
					AudioData: base64.StdEncoding.EncodeToString(ev.Audio.Data),
					Format:    ev.Audio.Format,
					Offset:    ev.Audio.Offset,
					Duration:  durMS,
					Timestamp: time.Now().UnixMilli(),
				},
				Critical: true,
			})
		case voice.SynthesisViseme:
			e.mu.Lock()
			e.s.Visemes = append(e.s.Visemes, ev.Viseme)
			e.mu.Unlock()
			m.hub.Publish(events.Event{
				SessionID: parent,
				Type:      string(protocol.TypeTTSVisemeData),
				Payload: protocol.TTSVisemeData{
					Type:       protocol.TypeTTSVisemeData,
					SessionID:  id,
					VisemeData: []voice.Viseme{ev.Viseme},
					Timestamp:  time.Now().UnixMilli(),
				},
				Critical: true,
			})
		case voice.SynthesisCompleted:
			m.finish(e, "")
			m.metrics.ObserveStage(observability.StageSynthesisTotal, time.Since(started))
			m.hub.Publish(events.Event{
				SessionID: parent,
				Type:      string(protocol.TypeTTSSynthesisComplete),
				Payload: protocol.TTSSynthesisComplete{
					Type:      protocol.TypeTTSSynthesisComplete,
					SessionID: id,
					Timestamp: time.Now().UnixMilli(),
				},
				Critical: true,
			})
			m.log.Info("synthesis complete", slog.String("synthesis_id", id), slog.Int("chunks", chunkSeq))
		case voice.SynthesisCanceled:
			m.fail(span, e, ev.Code, ev.Detail, ev.Retryable)
		}
	}

	switch {
	case e.stopping.Load():
		m.finish(e, "stopped")
	case ctx.Err() != nil:
		m.fail(span, e, "timeout", ctx.Err().Error(), true)
	default:
		m.fail(span, e, "stream_closed", "synthesizer stream closed before completion", true)
	}
}

func (m *Manager) fail(span trace.Span, e *entry, code, detail string, retryable bool) {
	if !e.active() {
		return
	}
	if code == "" {
		code = "canceled"
	}
	m.finish(e, code)
	span.SetStatus(codes.Error, code)
	m.metrics.EngineError("synthesis", code)
	m.log.Warn("synthesis canceled",
		slog.String("synthesis_id", e.id()),
		slog.String("code", code),
		slog.String("detail", detail),
	)
	m.hub.Publish(events.Event{
		SessionID: e.parent(),
		Type:      string(protocol.TypeTTSError),
		Payload: protocol.TTSError{
			Type:      protocol.TypeTTSError,
			SessionID: e.id(),
			Code:      code,
			Message:   fmt.Sprintf("%v: %s", voice.ErrEngineCanceled, detail),
			Retryable: retryable,
		},
		Critical: true,
	})
}

// finish marks the entry inactive exactly once and releases waiters.
func (m *Manager) finish(e *entry, errCode string) {
	e.finishOne.Do(func() {
		e.mu.Lock()
		e.s.State = StateInactive
		e.s.CompletedAt = time.Now().UTC()
		e.s.Error = errCode
		e.mu.Unlock()
		close(e.done)
		m.metrics.SynthesisEnded()
	})
}

// prune drops the oldest finished records beyond the retention limit.
func (m *Manager) prune() {
	inactive := m.sessions.Filter(func(_ string, e *entry) bool { return !e.active() })
	over := len(inactive) - m.maxRetained
	if over <= 0 {
		return
	}
	sort.Slice(inactive, func(i, j int) bool { return inactive[i].order < inactive[j].order })
	for _, e := range inactive[:over] {
		m.sessions.RemoveIf(e.id(), func(cur *entry) bool { return cur == e })
	}
}

func (e *entry) snapshot() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.s
	s.Chunks = append([]ChunkRecord(nil), e.s.Chunks...)
	s.Visemes = append([]voice.Viseme(nil), e.s.Visemes...)
	return &s
}

func (e *entry) active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.State == StateActive
}

func (e *entry) id() string     { return e.s.ID }
func (e *entry) parent() string { return e.s.SessionID }
