package playback

import (
	"testing"
	"time"

	"github.com/ent0n29/talkinghead/internal/voice"
)

func ms(n int64) int64 { return n * voice.TicksPerMillisecond }

func TestSchedulerHoldsVisemesUntilUtteranceStarts(t *testing.T) {
	clock := NewManualClock(time.Unix(1000, 0))
	anim := NewAnimator(100 * time.Millisecond)
	s := NewScheduler(clock, anim, nil)

	s.AddVisemes("u1", []voice.Viseme{{ID: 2, Offset: ms(0)}, {ID: 8, Offset: ms(300)}})
	if got := s.Stats().Held; got != 2 {
		t.Fatalf("Held = %d, want 2", got)
	}
	if anim.Pending() != 0 {
		t.Fatalf("animator has %d animations before the utterance started", anim.Pending())
	}

	clock.Advance(500 * time.Millisecond)
	s.UtteranceStarted("u1", clock.Now())
	stats := s.Stats()
	if stats.Held != 0 || stats.Scheduled != 2 || stats.Dropped != 0 {
		t.Fatalf("Stats() = %+v", stats)
	}

	clock.Advance(100 * time.Millisecond)
	if w := s.Tick(); w[PoseAa] != 1 {
		t.Fatalf("aa = %v at start+100ms, want 1", w[PoseAa])
	}
	clock.Advance(300 * time.Millisecond)
	if w := s.Tick(); w[PoseOh] != 0.9 || w[PoseAa] != 0 {
		t.Fatalf("weights = %v at start+400ms, want oh=0.9", w)
	}
}

func TestSchedulerLatePolicy(t *testing.T) {
	clock := NewManualClock(time.Unix(1000, 0))
	anim := NewAnimator(100 * time.Millisecond)
	s := NewScheduler(clock, anim, nil)

	start := clock.Now()
	s.UtteranceStarted("u1", start)
	clock.Advance(250 * time.Millisecond)

	s.AddVisemes("u1", []voice.Viseme{
		{ID: 2, Offset: ms(100)},  // 150ms late
		{ID: 6, Offset: ms(150)},  // exactly one crossfade late
		{ID: 4, Offset: ms(200)},  // 50ms late
		{ID: 7, Offset: ms(400)},  // on time
	})
	stats := s.Stats()
	if stats.Dropped != 2 || stats.Late != 1 || stats.Scheduled != 2 {
		t.Fatalf("Stats() = %+v, want dropped=2 late=1 scheduled=2", stats)
	}

	// The late viseme blends from now rather than from its original deadline.
	clock.Advance(50 * time.Millisecond)
	if w := s.Tick(); w[PoseEe] != 0.4 {
		t.Fatalf("ee = %v half way through the late blend, want 0.4", w[PoseEe])
	}
}

func TestSchedulerIgnoresRepeatedStarts(t *testing.T) {
	clock := NewManualClock(time.Unix(1000, 0))
	s := NewScheduler(clock, nil, nil)
	start := clock.Now()
	s.ChunkStarted(Chunk{UtteranceID: "u1"}, start)
	clock.Advance(time.Second)
	s.ChunkStarted(Chunk{UtteranceID: "u1"}, clock.Now())

	// Relative to the first chunk this viseme is 900ms late.
	s.AddVisemes("u1", []voice.Viseme{{ID: 2, Offset: ms(100)}})
	if got := s.Stats().Dropped; got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
}

func TestSchedulerResetForgetsUtterances(t *testing.T) {
	clock := NewManualClock(time.Unix(1000, 0))
	s := NewScheduler(clock, nil, nil)
	s.AddVisemes("u1", []voice.Viseme{{ID: 2}})
	s.UtteranceStarted("u2", clock.Now())
	s.Reset()

	if got := s.Stats().Held; got != 0 {
		t.Fatalf("Held = %d after Reset", got)
	}
	clock.Advance(10 * time.Second)
	s.UtteranceStarted("u2", clock.Now())
	s.AddVisemes("u2", []voice.Viseme{{ID: 2, Offset: 0}})
	if got := s.Stats().Dropped; got != 0 {
		t.Fatalf("Dropped = %d, want 0 after restarting u2", got)
	}
}
