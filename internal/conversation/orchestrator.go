package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/talkinghead/internal/brain"
	"github.com/ent0n29/talkinghead/internal/events"
	"github.com/ent0n29/talkinghead/internal/memory"
	"github.com/ent0n29/talkinghead/internal/observability"
	"github.com/ent0n29/talkinghead/internal/policy"
	"github.com/ent0n29/talkinghead/internal/protocol"
	"github.com/ent0n29/talkinghead/internal/session"
	"github.com/ent0n29/talkinghead/internal/synthesis"
	"github.com/ent0n29/talkinghead/internal/voice"
)

const FallbackReply = "Sorry, I could not generate a response."

// Synthesizer is the part of the synthesis manager the orchestrator drives.
type Synthesizer interface {
	Synthesize(ctx context.Context, req synthesis.Request) (*synthesis.Session, error)
	Get(synthesisID string) (*synthesis.Session, bool)
	Stop(synthesisID string) (*synthesis.Session, bool)
	StopSession(sessionID string, forget bool) int
}

// VoiceLookup returns the voice a session asked for, or nil for defaults.
type VoiceLookup func(sessionID string) *session.VoiceParams

type Config struct {
	GenerationTimeout time.Duration
	SynthesisTimeout  time.Duration
	QueueSize         int
}

// Orchestrator turns final transcripts into assistant replies. Each session
// has one worker goroutine, so turns of a session are generated and spoken
// strictly in the order their final results arrived.
type Orchestrator struct {
	store   memory.Store
	gen     brain.Generator
	synth   Synthesizer
	voices  VoiceLookup
	hub     *events.Hub
	metrics *observability.Metrics
	log     *slog.Logger
	tracer  trace.Tracer
	turnDur metric.Float64Histogram

	generationTimeout time.Duration
	synthesisTimeout  time.Duration
	queueSize         int

	mu      sync.Mutex
	workers map[string]*worker
	replies map[string]int
	closed  bool
}

type job struct {
	result     session.Result
	receivedAt time.Time
}

type worker struct {
	sessionID string
	mu        sync.Mutex
	queue     []job
	wake      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	released  bool
	exited    bool
}

func NewOrchestrator(store memory.Store, gen brain.Generator, synth Synthesizer, voices VoiceLookup, hub *events.Hub, metrics *observability.Metrics, logger *slog.Logger, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = events.NewHub()
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 30 * time.Second
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = 60 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if voices == nil {
		voices = func(string) *session.VoiceParams { return nil }
	}
	o := &Orchestrator{
		store:             store,
		gen:               gen,
		synth:             synth,
		voices:            voices,
		hub:               hub,
		metrics:           metrics,
		log:               logger.With(slog.String("component", "conversation")),
		tracer:            otel.Tracer("github.com/ent0n29/talkinghead/internal/conversation"),
		generationTimeout: cfg.GenerationTimeout,
		synthesisTimeout:  cfg.SynthesisTimeout,
		queueSize:         cfg.QueueSize,
		workers:           make(map[string]*worker),
		replies:           make(map[string]int),
	}
	hist, err := otel.Meter("github.com/ent0n29/talkinghead/internal/conversation").Float64Histogram(
		"talkinghead.conversation.turn.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time from final transcript to the end of the spoken reply."),
	)
	if err != nil {
		o.log.Warn("create turn duration histogram failed", slog.Any("error", err))
	}
	o.turnDur = hist
	return o
}

// OnFinalResult queues a final transcript for the session's worker and returns
// without waiting for generation.
func (o *Orchestrator) OnFinalResult(sessionID string, result session.Result) {
	if strings.TrimSpace(result.Text) == "" {
		return
	}
	var w *worker
	for {
		if w = o.worker(sessionID); w == nil {
			return
		}
		w.mu.Lock()
		if !w.exited {
			break
		}
		w.mu.Unlock()
	}
	if len(w.queue) >= o.queueSize {
		w.mu.Unlock()
		o.log.Warn("conversation queue full, dropping final", slog.String("session_id", sessionID))
		o.metrics.SessionEvent("conversation_dropped")
		o.publishError(sessionID, "QUEUE_FULL", "too many pending turns")
		return
	}
	w.queue = append(w.queue, job{result: result, receivedAt: time.Now()})
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) GetHistory(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	return o.store.History(ctx, sessionID)
}

func (o *Orchestrator) Clear(ctx context.Context, sessionID string) error {
	return o.store.Clear(ctx, sessionID)
}

func (o *Orchestrator) Sessions(ctx context.Context) ([]string, error) {
	return o.store.Sessions(ctx)
}

// Release lets the session's worker finish its queued turns and exit. History
// is kept; a later final starts a new worker.
func (o *Orchestrator) Release(sessionID string) {
	o.mu.Lock()
	w, ok := o.workers[sessionID]
	o.mu.Unlock()
	if !ok {
		return
	}
	w.mu.Lock()
	w.released = true
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Close stops the session's worker, dropping queued turns and stopping the
// reply being spoken, and clears its history.
func (o *Orchestrator) Close(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	w, ok := o.workers[sessionID]
	delete(o.workers, sessionID)
	delete(o.replies, sessionID)
	o.mu.Unlock()
	if ok {
		w.mu.Lock()
		w.exited = true
		w.mu.Unlock()
		w.cancel()
		<-w.done
	}
	return o.store.Clear(ctx, sessionID)
}

// OnSessionEnd follows the recognition session lifecycle. A stopped session's
// worker drains and exits; a forgotten session is closed and its syntheses
// are stopped and dropped.
func (o *Orchestrator) OnSessionEnd(sessionID string, forgotten bool) {
	if !forgotten {
		o.Release(sessionID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Close(ctx, sessionID); err != nil {
		o.log.Warn("close conversation failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
	if o.synth != nil {
		o.synth.StopSession(sessionID, true)
	}
}

// ActiveWorkers reports how many sessions currently hold a worker.
func (o *Orchestrator) ActiveWorkers() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.workers)
}

// Shutdown stops all workers. History is left in the store.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.closed = true
	workers := o.workers
	o.workers = make(map[string]*worker)
	o.mu.Unlock()
	for _, w := range workers {
		w.cancel()
		<-w.done
	}
}

func (o *Orchestrator) worker(sessionID string) *worker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	if w, ok := o.workers[sessionID]; ok {
		return w
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		sessionID: sessionID,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	o.workers[sessionID] = w
	go o.run(w)
	return w
}

func (o *Orchestrator) run(w *worker) {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
		}
		for {
			if o.retire(w) {
				return
			}
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			j := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()

			if w.ctx.Err() != nil {
				return
			}
			o.turn(w, j)
		}
	}
}

// retire removes a released worker whose queue has drained. The map entry and
// the exited flag change together so OnFinalResult never queues onto a worker
// that is gone.
func (o *Orchestrator) retire(w *worker) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.released || len(w.queue) > 0 {
		return false
	}
	w.exited = true
	if o.workers[w.sessionID] == w {
		delete(o.workers, w.sessionID)
	}
	return true
}

func (o *Orchestrator) nextReplyID(sessionID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replies[sessionID]++
	return fmt.Sprintf("%s-reply-%d", sessionID, o.replies[sessionID])
}

func (o *Orchestrator) turn(w *worker, j job) {
	sid := w.sessionID
	ctx, span := o.tracer.Start(w.ctx, "conversation.turn",
		trace.WithAttributes(attribute.String("session.id", sid), attribute.String("result.id", j.result.ID)),
	)
	defer span.End()
	outcome := "spoken"
	defer func() {
		if o.turnDur != nil {
			o.turnDur.Record(context.Background(), time.Since(j.receivedAt).Seconds(),
				metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}()

	userText := strings.TrimSpace(j.result.Text)
	if err := o.store.Append(ctx, memory.Turn{
		ID:        fmt.Sprintf("%s-user-%d", sid, time.Now().UnixMilli()),
		SessionID: sid,
		Role:      memory.RoleUser,
		Content:   userText,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		outcome = "store_error"
		o.log.Error("append user turn failed", slog.String("session_id", sid), slog.Any("error", err))
		o.publishError(sid, "HISTORY_ERROR", err.Error())
		return
	}
	history, err := o.store.History(ctx, sid)
	if err != nil {
		outcome = "store_error"
		o.log.Error("load history failed", slog.String("session_id", sid), slog.Any("error", err))
		o.publishError(sid, "HISTORY_ERROR", err.Error())
		return
	}

	reply, err := o.generate(ctx, history)
	if err != nil {
		outcome = "generation_failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		if w.ctx.Err() != nil {
			return
		}
		o.metrics.EngineError("generation", voice.ErrorCode(err))
		o.log.Warn("reply generation failed", slog.String("session_id", sid), slog.Any("error", err))
		o.publishError(sid, voice.ErrorCode(err), err.Error())
		return
	}

	now := time.Now().UTC()
	assistant := memory.Turn{
		ID:        fmt.Sprintf("%s-assistant-%d", sid, now.UnixMilli()),
		SessionID: sid,
		Role:      memory.RoleAssistant,
		Content:   reply,
		CreatedAt: now,
	}
	if err := o.store.Append(ctx, assistant); err != nil {
		outcome = "store_error"
		o.log.Error("append assistant turn failed", slog.String("session_id", sid), slog.Any("error", err))
		o.publishError(sid, "HISTORY_ERROR", err.Error())
		return
	}
	o.hub.Publish(events.Event{
		SessionID: sid,
		Type:      string(protocol.TypeChatMessage),
		Payload: protocol.ChatMessage{
			Type:      protocol.TypeChatMessage,
			SessionID: sid,
			Message: protocol.ChatTurn{
				ID:        assistant.ID,
				Role:      assistant.Role,
				Content:   assistant.Content,
				Timestamp: assistant.CreatedAt.UnixMilli(),
				SessionID: sid,
			},
		},
		Critical: true,
	})
	o.log.Info("assistant reply",
		slog.String("session_id", sid),
		slog.String("user", policy.LogText(userText, 120)),
		slog.String("reply", policy.LogText(reply, 160)),
	)

	if o.synth == nil {
		outcome = "text_only"
		return
	}
	if w.ctx.Err() != nil {
		outcome = "closed"
		return
	}
	synthID := o.nextReplyID(sid)
	s, err := o.synth.Synthesize(ctx, synthesis.Request{
		Text:        reply,
		SynthesisID: synthID,
		SessionID:   sid,
		Voice:       o.voices(sid),
	})
	if err != nil {
		outcome = "synthesis_failed"
		span.RecordError(err)
		o.log.Warn("start synthesis failed", slog.String("session_id", sid), slog.Any("error", err))
		o.hub.Publish(events.Event{
			SessionID: sid,
			Type:      string(protocol.TypeTTSError),
			Payload: protocol.TTSError{
				Type:      protocol.TypeTTSError,
				SessionID: synthID,
				Code:      voice.ErrorCode(err),
				Message:   err.Error(),
			},
			Critical: true,
		})
		return
	}

	// The next turn waits until this reply has been spoken so audio of
	// consecutive replies never interleaves.
	timer := time.NewTimer(o.synthesisTimeout)
	defer timer.Stop()
	select {
	case <-s.Done():
	case <-timer.C:
		outcome = "synthesis_timeout"
		o.log.Warn("synthesis did not finish in time", slog.String("synthesis_id", synthID))
		return
	case <-w.ctx.Done():
		outcome = "closed"
		o.synth.Stop(synthID)
		return
	}
	if done, ok := o.synth.Get(synthID); ok && !done.FirstAudioAt.IsZero() {
		o.metrics.ObserveFirstAudioLatency(done.FirstAudioAt.Sub(j.receivedAt))
	}
	o.metrics.ObserveStage(observability.StageTurnTotal, time.Since(j.receivedAt))
}

func (o *Orchestrator) generate(ctx context.Context, history []memory.Turn) (string, error) {
	if o.gen == nil {
		return "", fmt.Errorf("%w: no generator configured", voice.ErrGenerationFailure)
	}
	genCtx, cancel := context.WithTimeout(ctx, o.generationTimeout)
	defer cancel()
	genCtx, span := o.tracer.Start(genCtx, "conversation.generate",
		trace.WithAttributes(attribute.Int("history.turns", len(history))),
	)
	defer span.End()

	started := time.Now()
	reply, err := o.gen.Generate(genCtx, history)
	o.metrics.ObserveGeneration(time.Since(started))
	if err != nil {
		return "", fmt.Errorf("%w: %v", voice.ErrGenerationFailure, err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = FallbackReply
	}
	return reply, nil
}

func (o *Orchestrator) publishError(sessionID, code, message string) {
	o.hub.Publish(events.Event{
		SessionID: sessionID,
		Type:      string(protocol.TypeChatError),
		Payload: protocol.ChatError{
			Type:      protocol.TypeChatError,
			SessionID: sessionID,
			Code:      code,
			Message:   message,
		},
		Critical: true,
	})
}
