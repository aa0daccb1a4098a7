package events

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func TestHubRoutesBySession(t *testing.T) {
	hub := NewHub()
	s1, cancel1 := hub.Subscribe("s1")
	defer cancel1()
	s2, cancel2 := hub.Subscribe("s2")
	defer cancel2()

	hub.Publish(Event{SessionID: "s1", Type: "a", Payload: 1})
	hub.Publish(Event{SessionID: "s2", Type: "b", Payload: 2})

	select {
	case ev := <-s1:
		if ev.Type != "a" {
			t.Fatalf("s1 event type = %q, want %q", ev.Type, "a")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for s1 event")
	}
	select {
	case ev := <-s2:
		if ev.Type != "b" {
			t.Fatalf("s2 event type = %q, want %q", ev.Type, "b")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for s2 event")
	}
	select {
	case ev := <-s1:
		t.Fatalf("unexpected extra s1 event: %+v", ev)
	default:
	}
}

func TestHubPreservesPublishOrder(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("s1")
	defer cancel()
	for i := 0; i < 10; i++ {
		hub.Publish(Event{SessionID: "s1", Payload: i})
	}
	for i := 0; i < 10; i++ {
		ev := <-ch
		if ev.Payload.(int) != i {
			t.Fatalf("event %d payload = %v", i, ev.Payload)
		}
	}
}

func TestHubDropsNonCriticalWhenFull(t *testing.T) {
	var drops atomic.Int32
	hub := NewHub(WithBuffer(1), WithDropHook(func(Event) { drops.Add(1) }))
	_, cancel := hub.Subscribe("s1")
	defer cancel()

	hub.Publish(Event{SessionID: "s1"})
	hub.Publish(Event{SessionID: "s1"})
	if got := drops.Load(); got != 1 {
		t.Fatalf("drops = %d, want 1", got)
	}
}

func TestHubCriticalWaitsForReader(t *testing.T) {
	hub := NewHub(WithBuffer(1), WithCriticalWait(time.Second))
	ch, cancel := hub.Subscribe("s1")
	defer cancel()

	hub.Publish(Event{SessionID: "s1", Payload: "first"})
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-ch
	}()
	hub.Publish(Event{SessionID: "s1", Payload: "second", Critical: true})

	select {
	case ev := <-ch:
		if ev.Payload != "second" {
			t.Fatalf("payload = %v, want second", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("critical event was not delivered")
	}
}

func TestHubLogsDroppedCriticalEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	var drops atomic.Int32
	hub := NewHub(
		WithBuffer(1),
		WithCriticalWait(20*time.Millisecond),
		WithLogger(logger),
		WithDropHook(func(Event) { drops.Add(1) }),
	)
	_, cancel := hub.Subscribe("s1")
	defer cancel()

	hub.Publish(Event{SessionID: "s1", Type: "tts_audio_chunk", Critical: true})
	hub.Publish(Event{SessionID: "s1", Type: "tts_audio_chunk", Critical: true})
	hub.Publish(Event{SessionID: "s1", Type: "recognition_result"})

	if got := drops.Load(); got != 2 {
		t.Fatalf("drops = %d, want 2", got)
	}
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("logged %d warn lines, want 1 for the critical drop:\n%s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["level"] != "WARN" || entry["session_id"] != "s1" || entry["type"] != "tts_audio_chunk" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
}

func TestHubCancelDetaches(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("s1")
	if hub.Subscribers("s1") != 1 {
		t.Fatalf("Subscribers() = %d, want 1", hub.Subscribers("s1"))
	}
	cancel()
	cancel()
	if hub.Subscribers("s1") != 0 {
		t.Fatalf("Subscribers() = %d, want 0", hub.Subscribers("s1"))
	}
	hub.Publish(Event{SessionID: "s1", Critical: true})
}

type recordingMirror struct{ events []Event }

func (m *recordingMirror) Mirror(ev Event) { m.events = append(m.events, ev) }

func TestHubMirrorsWithoutSubscribers(t *testing.T) {
	mirror := &recordingMirror{}
	hub := NewHub(WithMirror(mirror))
	hub.Publish(Event{SessionID: "s1", Type: "chat_message"})
	if len(mirror.events) != 1 {
		t.Fatalf("mirrored events = %d, want 1", len(mirror.events))
	}
}

func TestSubjectSanitisesTokens(t *testing.T) {
	got := Subject("talkinghead.events", Event{SessionID: "session.a b", Type: "tts_audio_chunk"})
	want := "talkinghead.events.session_a_b.tts_audio_chunk"
	if got != want {
		t.Fatalf("Subject() = %q, want %q", got, want)
	}
	if got := Subject("p", Event{}); got != "p._._" {
		t.Fatalf("Subject(empty) = %q, want %q", got, "p._._")
	}
}
