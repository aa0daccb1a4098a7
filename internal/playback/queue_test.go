package playback

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu      sync.Mutex
	played  []string
	release chan struct{}
}

func (s *recordingSink) Play(ctx context.Context, c Chunk) error {
	s.mu.Lock()
	s.played = append(s.played, c.UtteranceID)
	s.mu.Unlock()
	if s.release == nil {
		return nil
	}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.played...)
}

func TestQueuePlaysChunksInOrder(t *testing.T) {
	sink := &recordingSink{}
	var mu sync.Mutex
	var started []string
	q := NewQueue(sink, nil, func(c Chunk, _ time.Time) {
		mu.Lock()
		started = append(started, c.UtteranceID)
		mu.Unlock()
	}, nil)

	for _, id := range []string{"a", "b", "c"} {
		q.Enqueue(Chunk{UtteranceID: id})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	got := sink.snapshot()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("played = %v, want [a b c]", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(started) != 3 {
		t.Fatalf("start hook calls = %d, want 3", len(started))
	}
	if q.Playing() {
		t.Fatalf("queue still playing after draining")
	}
}

func TestQueuePauseDiscardsPending(t *testing.T) {
	sink := &recordingSink{release: make(chan struct{})}
	q := NewQueue(sink, nil, nil, nil)
	q.Enqueue(Chunk{UtteranceID: "a"})
	q.Enqueue(Chunk{UtteranceID: "b"})
	q.Enqueue(Chunk{UtteranceID: "c"})

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first chunk never started")
		}
		time.Sleep(time.Millisecond)
	}
	q.Pause()
	if q.Len() != 0 || q.Playing() {
		t.Fatalf("Len() = %d Playing() = %v after Pause", q.Len(), q.Playing())
	}
	time.Sleep(20 * time.Millisecond)
	if got := sink.snapshot(); len(got) != 1 {
		t.Fatalf("played = %v after Pause, want only the first chunk", got)
	}

	// Playback resumes with the next enqueue.
	close(sink.release)
	q.Enqueue(Chunk{UtteranceID: "d"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := sink.snapshot(); got[len(got)-1] != "d" {
		t.Fatalf("played = %v, want d last", got)
	}
}

func TestTimedSinkHonoursCancel(t *testing.T) {
	sink := NewTimedSink(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Play(ctx, Chunk{Duration: time.Hour}); err == nil {
		t.Fatalf("Play() error = nil, want context canceled")
	}
	if err := sink.Play(context.Background(), Chunk{Duration: time.Millisecond}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
}
