package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ent0n29/talkinghead/internal/brain"
	"github.com/ent0n29/talkinghead/internal/events"
	"github.com/ent0n29/talkinghead/internal/memory"
	"github.com/ent0n29/talkinghead/internal/protocol"
	"github.com/ent0n29/talkinghead/internal/session"
	"github.com/ent0n29/talkinghead/internal/synthesis"
	"github.com/ent0n29/talkinghead/internal/voice"
)

type stubGenerator struct {
	mu       sync.Mutex
	reply    func(history []memory.Turn) (string, error)
	delay    time.Duration
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (g *stubGenerator) Generate(ctx context.Context, history []memory.Turn) (string, error) {
	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		seen := g.maxSeen.Load()
		if n <= seen || g.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reply(history)
}

func echo(history []memory.Turn) (string, error) {
	return "reply to " + history[len(history)-1].Content, nil
}

func newTestOrchestrator(t *testing.T, gen *stubGenerator) (*Orchestrator, *events.Hub, memory.Store) {
	t.Helper()
	hub := events.NewHub(events.WithBuffer(2048))
	synth := synthesis.NewManager(voice.NewMockSynthesizer(), hub, nil, nil, synthesis.Config{})
	t.Cleanup(synth.Shutdown)
	store := memory.NewInMemoryStore(50)
	o := NewOrchestrator(store, gen, synth, nil, hub, nil, nil, Config{SynthesisTimeout: 3 * time.Second})
	t.Cleanup(o.Shutdown)
	return o, hub, store
}

func waitFor(t *testing.T, sub <-chan events.Event, want protocol.MessageType) events.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == string(want) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestFinalResultProducesReplyAndSpeech(t *testing.T) {
	o, hub, store := newTestOrchestrator(t, &stubGenerator{reply: echo})
	sub, cancel := hub.Subscribe("s1")
	defer cancel()

	o.OnFinalResult("s1", session.Result{Text: "hello there"})

	ev := waitFor(t, sub, protocol.TypeChatMessage)
	msg := ev.Payload.(protocol.ChatMessage)
	if msg.Message.Role != memory.RoleAssistant || msg.Message.Content != "reply to hello there" {
		t.Fatalf("unexpected chat message: %+v", msg)
	}
	if !strings.HasPrefix(msg.Message.ID, "s1-assistant-") {
		t.Fatalf("assistant turn id = %q", msg.Message.ID)
	}
	done := waitFor(t, sub, protocol.TypeTTSSynthesisComplete)
	if got := done.Payload.(protocol.TTSSynthesisComplete).SessionID; got != "s1-reply-1" {
		t.Fatalf("synthesis id = %q, want s1-reply-1", got)
	}

	history, err := store.History(context.Background(), "s1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 || history[0].Role != memory.RoleUser || history[1].Role != memory.RoleAssistant {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestGenerationFailureEmitsChatErrorWithoutAssistantTurn(t *testing.T) {
	o, hub, store := newTestOrchestrator(t, &stubGenerator{reply: func([]memory.Turn) (string, error) {
		return "", errors.New("provider down")
	}})
	sub, cancel := hub.Subscribe("s1")
	defer cancel()

	o.OnFinalResult("s1", session.Result{Text: "anyone there"})

	ev := waitFor(t, sub, protocol.TypeChatError)
	if code := ev.Payload.(protocol.ChatError).Code; code != "GENERATION_FAILURE" {
		t.Fatalf("chat error code = %q, want GENERATION_FAILURE", code)
	}
	history, err := store.History(context.Background(), "s1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 1 || history[0].Role != memory.RoleUser {
		t.Fatalf("history = %+v, want only the user turn", history)
	}
}

func TestEmptyReplyFallsBack(t *testing.T) {
	o, hub, _ := newTestOrchestrator(t, &stubGenerator{reply: func([]memory.Turn) (string, error) {
		return "   ", nil
	}})
	sub, cancel := hub.Subscribe("s1")
	defer cancel()

	o.OnFinalResult("s1", session.Result{Text: "say nothing"})

	ev := waitFor(t, sub, protocol.TypeChatMessage)
	if got := ev.Payload.(protocol.ChatMessage).Message.Content; got != FallbackReply {
		t.Fatalf("reply = %q, want fallback", got)
	}
}

func TestBlankFinalIsIgnored(t *testing.T) {
	gen := &stubGenerator{reply: echo}
	o, _, store := newTestOrchestrator(t, gen)

	o.OnFinalResult("s1", session.Result{Text: "  "})
	time.Sleep(50 * time.Millisecond)

	history, _ := store.History(context.Background(), "s1")
	if len(history) != 0 {
		t.Fatalf("history = %+v, want empty", history)
	}
}

func TestTurnsAreSerializedPerSession(t *testing.T) {
	gen := &stubGenerator{reply: echo, delay: 20 * time.Millisecond}
	o, hub, _ := newTestOrchestrator(t, gen)
	sub, cancel := hub.Subscribe("s1")
	defer cancel()

	for _, text := range []string{"one", "two", "three"} {
		o.OnFinalResult("s1", session.Result{Text: text})
	}

	var replies []string
	for len(replies) < 3 {
		ev := waitFor(t, sub, protocol.TypeChatMessage)
		replies = append(replies, ev.Payload.(protocol.ChatMessage).Message.Content)
	}
	want := []string{"reply to one", "reply to two", "reply to three"}
	for i := range want {
		if replies[i] != want[i] {
			t.Fatalf("replies = %v, want %v", replies, want)
		}
	}
	if n := gen.maxSeen.Load(); n != 1 {
		t.Fatalf("concurrent generations = %d, want 1", n)
	}
}

func TestSessionsRunIndependently(t *testing.T) {
	gen := &stubGenerator{reply: echo}
	o, hub, _ := newTestOrchestrator(t, gen)
	subA, cancelA := hub.Subscribe("a")
	defer cancelA()
	subB, cancelB := hub.Subscribe("b")
	defer cancelB()

	o.OnFinalResult("a", session.Result{Text: "from a"})
	o.OnFinalResult("b", session.Result{Text: "from b"})

	if got := waitFor(t, subA, protocol.TypeChatMessage).Payload.(protocol.ChatMessage).Message.Content; got != "reply to from a" {
		t.Fatalf("session a reply = %q", got)
	}
	if got := waitFor(t, subB, protocol.TypeChatMessage).Payload.(protocol.ChatMessage).Message.Content; got != "reply to from b" {
		t.Fatalf("session b reply = %q", got)
	}
}

func TestCloseClearsHistory(t *testing.T) {
	o, hub, store := newTestOrchestrator(t, &stubGenerator{reply: echo})
	sub, cancel := hub.Subscribe("s1")
	defer cancel()

	o.OnFinalResult("s1", session.Result{Text: "remember me"})
	waitFor(t, sub, protocol.TypeChatMessage)

	if err := o.Close(context.Background(), "s1"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	history, err := store.History(context.Background(), "s1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("history after Close = %+v, want empty", history)
	}
}

// gatedGenerator blocks until released and ignores cancellation, like a
// provider call that returns just as the session goes away.
type gatedGenerator struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedGenerator) Generate(_ context.Context, history []memory.Turn) (string, error) {
	g.entered <- struct{}{}
	<-g.release
	return echo(history)
}

func newOrchestratorWithSynth(t *testing.T, gen brain.Generator, engine voice.Synthesizer) (*Orchestrator, *events.Hub, *synthesis.Manager) {
	t.Helper()
	hub := events.NewHub(events.WithBuffer(2048))
	synth := synthesis.NewManager(engine, hub, nil, nil, synthesis.Config{})
	t.Cleanup(synth.Shutdown)
	o := NewOrchestrator(memory.NewInMemoryStore(50), gen, synth, nil, hub, nil, nil, Config{SynthesisTimeout: 10 * time.Second})
	t.Cleanup(o.Shutdown)
	return o, hub, synth
}

func TestCloseDuringGenerationStartsNoSynthesis(t *testing.T) {
	gen := &gatedGenerator{entered: make(chan struct{}, 1), release: make(chan struct{})}
	o, _, synth := newOrchestratorWithSynth(t, gen, voice.NewMockSynthesizer())

	o.OnFinalResult("s1", session.Result{Text: "are you there"})
	select {
	case <-gen.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("generator was not called")
	}

	closed := make(chan error, 1)
	go func() { closed <- o.Close(context.Background(), "s1") }()
	time.Sleep(20 * time.Millisecond)
	close(gen.release)

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Close() did not return")
	}
	for _, s := range synth.List() {
		if s.State == synthesis.StateActive {
			t.Fatalf("synthesis %s still active after Close", s.ID)
		}
	}
}

func TestCloseStopsReplyBeingSpoken(t *testing.T) {
	engine := &voice.MockSynthesizer{CharDuration: 55 * time.Millisecond, ChunkDelay: 200 * time.Millisecond}
	o, hub, synth := newOrchestratorWithSynth(t, &stubGenerator{reply: func([]memory.Turn) (string, error) {
		return "a long reply with many words to speak", nil
	}}, engine)
	sub, cancel := hub.Subscribe("s1")
	defer cancel()

	o.OnFinalResult("s1", session.Result{Text: "talk to me"})
	waitFor(t, sub, protocol.TypeTTSAudioChunk)

	if err := o.Close(context.Background(), "s1"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	s, ok := synth.Get("s1-reply-1")
	if !ok {
		t.Fatal("reply synthesis not retained")
	}
	if s.State == synthesis.StateActive {
		t.Fatal("reply synthesis still active after Close")
	}
	if n := o.ActiveWorkers(); n != 0 {
		t.Fatalf("ActiveWorkers() = %d after Close, want 0", n)
	}
}

func TestReleaseDrainsQueueThenExits(t *testing.T) {
	gen := &stubGenerator{reply: echo, delay: 20 * time.Millisecond}
	o, hub, store := newTestOrchestrator(t, gen)
	sub, cancel := hub.Subscribe("s1")
	defer cancel()

	o.OnFinalResult("s1", session.Result{Text: "one"})
	o.OnFinalResult("s1", session.Result{Text: "two"})
	o.Release("s1")

	waitFor(t, sub, protocol.TypeChatMessage)
	if got := waitFor(t, sub, protocol.TypeChatMessage).Payload.(protocol.ChatMessage).Message.Content; got != "reply to two" {
		t.Fatalf("second reply = %q", got)
	}

	deadline := time.Now().Add(3 * time.Second)
	for o.ActiveWorkers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ActiveWorkers() = %d, want 0 after release", o.ActiveWorkers())
		}
		time.Sleep(10 * time.Millisecond)
	}
	history, err := store.History(context.Background(), "s1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("history has %d turns after release, want 4", len(history))
	}

	// A later final starts a fresh worker and keeps numbering replies.
	o.OnFinalResult("s1", session.Result{Text: "three"})
	done := waitFor(t, sub, protocol.TypeTTSSynthesisComplete)
	for done.Payload.(protocol.TTSSynthesisComplete).SessionID != "s1-reply-3" {
		done = waitFor(t, sub, protocol.TypeTTSSynthesisComplete)
	}
}
