package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/talkinghead/internal/events"
	"github.com/ent0n29/talkinghead/internal/observability"
	"github.com/ent0n29/talkinghead/internal/policy"
	"github.com/ent0n29/talkinghead/internal/protocol"
	"github.com/ent0n29/talkinghead/internal/session"
	"github.com/ent0n29/talkinghead/internal/voice"
)

var supportedLanguages = []string{
	"en-US", "en-GB", "es-ES", "fr-FR", "de-DE", "it-IT", "pt-BR", "ru-RU", "ja-JP", "ko-KR", "zh-CN",
}

var supportedFormats = []string{"pcm", "wav", "mp3", "flac"}

func SupportedLanguages() []string { return append([]string(nil), supportedLanguages...) }

func SupportedFormats() []string { return append([]string(nil), supportedFormats...) }

// FinalHandler receives every final result exactly once, in order per session.
type FinalHandler func(sessionID string, result session.Result)

// EndHandler is told when a session's engine has stopped. forgotten is set once
// the session record itself is gone.
type EndHandler func(sessionID string, forgotten bool)

type StartRequest struct {
	SessionID   string
	ClientID    string
	Language    string
	AudioFormat string
	Voice       *session.VoiceParams
}

type Config struct {
	QueueSize   int
	StopTimeout time.Duration
}

// Manager owns one recognizer stream per session. Frames are queued and fed to
// the engine by a pump goroutine; engine events are consumed by a second
// goroutine that records results and publishes them on the hub.
type Manager struct {
	engine   voice.Recognizer
	sessions *session.Manager
	hub      *events.Hub
	metrics  *observability.Metrics
	log      *slog.Logger

	live  *session.Registry[*liveSession]
	locks *session.Locks

	queueSize   int
	stopTimeout time.Duration

	finalMu sync.RWMutex
	onFinal FinalHandler
	onEnd   EndHandler
}

type liveSession struct {
	id       string
	stream   voice.RecognitionStream
	frames   chan []byte
	cancel   context.CancelFunc
	done     chan struct{}
	inactive atomic.Bool
	retired  atomic.Bool
	endOnce  sync.Once
}

func NewManager(engine voice.Recognizer, sessions *session.Manager, hub *events.Hub, metrics *observability.Metrics, logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = events.NewHub()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	m := &Manager{
		engine:      engine,
		sessions:    sessions,
		hub:         hub,
		metrics:     metrics,
		log:         logger.With(slog.String("component", "recognition")),
		live:        session.NewRegistry[*liveSession](),
		locks:       session.NewLocks(),
		queueSize:   cfg.QueueSize,
		stopTimeout: cfg.StopTimeout,
	}
	sessions.SetExpireHook(m.expire)
	sessions.SetPurgeHook(m.purge)
	return m
}

// SetFinalHandler registers the downstream consumer of final results.
func (m *Manager) SetFinalHandler(h FinalHandler) {
	m.finalMu.Lock()
	defer m.finalMu.Unlock()
	m.onFinal = h
}

// SetEndHandler registers the consumer told about stopped and forgotten
// sessions.
func (m *Manager) SetEndHandler(h EndHandler) {
	m.finalMu.Lock()
	defer m.finalMu.Unlock()
	m.onEnd = h
}

func (m *Manager) ended(sessionID string, forgotten bool) {
	m.finalMu.RLock()
	h := m.onEnd
	m.finalMu.RUnlock()
	if h != nil {
		h(sessionID, forgotten)
	}
}

// Start opens a recognizer stream for req.SessionID. A live session with the
// same id is stopped first.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*session.Session, error) {
	if m.engine == nil {
		return nil, voice.ErrNotInitialized
	}
	language, err := normalizeLanguage(req.Language)
	if err != nil {
		return nil, err
	}
	format, err := normalizeFormat(req.AudioFormat)
	if err != nil {
		return nil, err
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = DefaultSessionID(req.ClientID, time.Now())
	}

	unlock := m.locks.Lock(sessionID)
	defer unlock()

	if prev, ok := m.live.Get(sessionID); ok {
		m.log.Info("restarting recognition session", slog.String("session_id", sessionID))
		m.teardown(prev)
		m.live.RemoveIf(sessionID, func(ls *liveSession) bool { return ls == prev })
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := m.engine.StartRecognition(streamCtx, voice.RecognitionConfig{
		SessionID:   sessionID,
		Language:    language,
		AudioFormat: format,
		SampleRate:  voice.SampleRate,
	})
	if err != nil {
		cancel()
		m.metrics.EngineError("recognition", voice.ErrorCode(err))
		return nil, fmt.Errorf("start recognition: %w", err)
	}

	created, _ := m.sessions.Create(session.Session{
		ID:          sessionID,
		ClientID:    req.ClientID,
		Language:    language,
		AudioFormat: format,
		Voice:       req.Voice,
	})
	if err := m.sessions.Transition(sessionID, session.StateActive); err != nil {
		cancel()
		_ = stream.Close()
		return nil, err
	}
	created.State = session.StateActive

	ls := &liveSession{
		id:     sessionID,
		stream: stream,
		frames: make(chan []byte, m.queueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.live.Create(sessionID, ls)
	m.metrics.RecognitionStarted()
	m.metrics.SessionEvent("recognition_started")

	go m.pump(streamCtx, ls)
	go m.consume(ls)

	m.log.Info("recognition started",
		slog.String("session_id", sessionID),
		slog.String("client_id", req.ClientID),
		slog.String("language", language),
		slog.String("audio_format", format),
	)
	return created, nil
}

// PushAudio queues one PCM frame for the session and returns immediately.
func (m *Manager) PushAudio(sessionID string, frame []byte) error {
	ls, ok := m.live.Get(sessionID)
	if !ok {
		if _, err := m.sessions.Get(sessionID); err == nil {
			return voice.ErrSessionInactive
		}
		return voice.ErrSessionNotFound
	}
	if ls.inactive.Load() {
		return voice.ErrSessionInactive
	}
	select {
	case ls.frames <- frame:
	default:
		m.metrics.SessionEvent("audio_backpressure")
		return voice.ErrAudioBackpressure
	}
	_ = m.sessions.Touch(sessionID)
	return nil
}

// Stop halts the engine and returns the session's result log. Stopping an
// already stopped session returns its log again; unknown ids report
// ErrSessionNotFound with an empty log.
func (m *Manager) Stop(sessionID string) ([]session.Result, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()
	return m.stopLocked(sessionID)
}

func (m *Manager) stopLocked(sessionID string) ([]session.Result, error) {
	ls, ok := m.live.Get(sessionID)
	if !ok {
		s, err := m.sessions.Get(sessionID)
		if err != nil {
			return []session.Result{}, voice.ErrSessionNotFound
		}
		return s.Results, nil
	}

	_ = m.sessions.Transition(sessionID, session.StateStopping)
	m.teardown(ls)
	m.live.RemoveIf(sessionID, func(cur *liveSession) bool { return cur == ls })
	_ = m.sessions.Transition(sessionID, session.StateClosed)
	m.metrics.SessionEvent("recognition_stopped")

	s, err := m.sessions.Get(sessionID)
	if err != nil {
		return []session.Result{}, nil
	}
	m.log.Info("recognition stopped", slog.String("session_id", sessionID), slog.Int("results", len(s.Results)))
	m.ended(sessionID, false)
	return s.Results, nil
}

// StopClient stops and forgets every session opened by clientID. It returns
// the ids it removed.
func (m *Manager) StopClient(clientID string) []string {
	ids := m.sessions.ByClient(clientID)
	for _, id := range ids {
		unlock := m.locks.Lock(id)
		if _, err := m.stopLocked(id); err != nil && !errors.Is(err, voice.ErrSessionNotFound) {
			m.log.Warn("stop client session failed", slog.String("session_id", id), slog.Any("error", err))
		}
		m.sessions.Remove(id)
		unlock()
		m.ended(id, true)
	}
	return ids
}

func (m *Manager) Get(sessionID string) (*session.Session, error) {
	return m.sessions.Get(sessionID)
}

func (m *Manager) List() []*session.Session {
	return m.sessions.List()
}

// Shutdown stops every live session.
func (m *Manager) Shutdown() {
	for _, id := range m.live.Keys() {
		_, _ = m.Stop(id)
	}
}

func (m *Manager) expire(s *session.Session) {
	m.log.Info("recognition session idle, stopping", slog.String("session_id", s.ID))
	results, err := m.Stop(s.ID)
	if err != nil {
		return
	}
	m.hub.Publish(events.Event{
		SessionID: s.ID,
		Type:      string(protocol.TypeRecognitionStopped),
		Payload:   protocol.RecognitionStopped{Type: protocol.TypeRecognitionStopped, SessionID: s.ID, Results: results},
		Critical:  true,
	})
}

// purge drops what is left of a session the janitor forgot, such as the
// stream of one the engine canceled.
func (m *Manager) purge(sessionID string) {
	unlock := m.locks.Lock(sessionID)
	if ls, ok := m.live.Get(sessionID); ok {
		m.teardown(ls)
		m.live.RemoveIf(sessionID, func(cur *liveSession) bool { return cur == ls })
	}
	unlock()
	m.ended(sessionID, true)
}

func (m *Manager) teardown(ls *liveSession) {
	ls.inactive.Store(true)
	ls.cancel()
	if err := ls.stream.Close(); err != nil {
		m.log.Warn("close recognizer stream failed", slog.String("session_id", ls.id), slog.Any("error", err))
	}
	select {
	case <-ls.done:
	case <-time.After(m.stopTimeout):
		m.log.Warn("recognizer did not drain before timeout", slog.String("session_id", ls.id))
	}
	ls.retired.Store(true)
	m.markEnded(ls)
}

func (m *Manager) markEnded(ls *liveSession) {
	ls.endOnce.Do(m.metrics.RecognitionEnded)
}

func (m *Manager) pump(ctx context.Context, ls *liveSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-ls.frames:
			if err := ls.stream.Write(ctx, frame); err != nil {
				if ctx.Err() != nil || ls.inactive.Load() {
					return
				}
				m.log.Warn("recognizer write failed", slog.String("session_id", ls.id), slog.Any("error", err))
				m.fail(ls, "WRITE_FAILED", err.Error(), false)
				return
			}
		}
	}
}

func (m *Manager) consume(ls *liveSession) {
	defer close(ls.done)
	for ev := range ls.stream.Events() {
		if ls.retired.Load() {
			continue
		}
		switch ev.Type {
		case voice.RecognitionInterim:
			if strings.TrimSpace(ev.Text) == "" {
				continue
			}
			m.record(ls, ev, false)
		case voice.RecognitionFinal:
			if strings.TrimSpace(ev.Text) == "" {
				continue
			}
			m.record(ls, ev, true)
		case voice.RecognitionCanceled:
			m.fail(ls, ev.Code, ev.Detail, ev.Retryable)
		case voice.RecognitionStopped:
			m.log.Debug("recognizer reported stop", slog.String("session_id", ls.id))
		}
	}
	if !ls.inactive.Load() && !ls.retired.Load() {
		m.fail(ls, "STREAM_CLOSED", "recognizer stream closed", true)
	}
}

func (m *Manager) record(ls *liveSession, ev voice.RecognitionEvent, final bool) {
	r, err := m.sessions.AppendResult(ls.id, session.Result{
		Text:       strings.TrimSpace(ev.Text),
		Confidence: ev.Confidence,
		Offset:     ev.Offset,
		Duration:   ev.Duration,
		IsFinal:    final,
	})
	if err != nil {
		return
	}
	m.hub.Publish(events.Event{
		SessionID: ls.id,
		Type:      string(protocol.TypeRecognitionResult),
		Payload:   protocol.RecognitionResult{Type: protocol.TypeRecognitionResult, Result: r},
		Critical:  final,
	})
	if !final {
		return
	}

	m.metrics.SessionEvent("recognition_final")
	m.log.Info("recognition final",
		slog.String("session_id", ls.id),
		slog.String("text", policy.LogText(r.Text, 160)),
		slog.Float64("confidence", r.Confidence),
	)
	m.finalMu.RLock()
	h := m.onFinal
	m.finalMu.RUnlock()
	if h != nil {
		h(ls.id, r)
	}
}

// fail marks the session unusable after an engine cancellation. The caller
// must stop and start again to recover.
func (m *Manager) fail(ls *liveSession, code, detail string, retryable bool) {
	if !ls.inactive.CompareAndSwap(false, true) {
		return
	}
	ls.cancel()
	_ = m.sessions.Transition(ls.id, session.StateClosed)
	m.markEnded(ls)
	if code == "" {
		code = "canceled"
	}
	m.metrics.EngineError("recognition", code)
	m.log.Warn("recognition canceled",
		slog.String("session_id", ls.id),
		slog.String("code", code),
		slog.String("detail", detail),
	)
	msg := fmt.Sprintf("%v: %s", voice.ErrEngineCanceled, code)
	if detail != "" {
		msg += ": " + detail
	}
	m.hub.Publish(events.Event{
		SessionID: ls.id,
		Type:      string(protocol.TypeRecognitionError),
		Payload: protocol.RecognitionError{
			Type:      protocol.TypeRecognitionError,
			SessionID: ls.id,
			Code:      protocol.CodeEngineCanceled,
			Message:   msg,
			Retryable: retryable,
		},
		Critical: true,
	})
}

// DefaultSessionID builds the id used when a client does not supply one.
func DefaultSessionID(clientID string, now time.Time) string {
	if strings.TrimSpace(clientID) == "" {
		clientID = "anonymous"
	}
	return fmt.Sprintf("session_%s_%d", clientID, now.UnixMilli())
}

func normalizeLanguage(tag string) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "en-US", nil
	}
	for _, lang := range supportedLanguages {
		if strings.EqualFold(lang, tag) {
			return lang, nil
		}
	}
	return "", fmt.Errorf("%w: %s", voice.ErrUnsupportedLanguage, tag)
}

func normalizeFormat(format string) (string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		return "pcm", nil
	}
	for _, f := range supportedFormats {
		if f == format {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %s", voice.ErrUnsupportedAudioFormat, format)
}
