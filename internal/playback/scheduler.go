package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ent0n29/talkinghead/internal/voice"
)

const maxTrackedUtterances = 32

// Stats counts what the scheduler did with the visemes it received.
type Stats struct {
	Scheduled int `json:"scheduled"`
	Late      int `json:"late"`
	Dropped   int `json:"dropped"`
	Held      int `json:"held"`
}

// Scheduler re-times viseme offsets against the moment their utterance began
// to play. A viseme is due at utterance start + offset. Visemes of an
// utterance that has not started yet are held until it does.
//
// A viseme whose deadline passed less than one crossfade ago starts blending
// immediately; one that is later than that is dropped.
type Scheduler struct {
	clock    Clock
	animator *Animator
	log      *slog.Logger

	mu     sync.Mutex
	starts map[string]time.Time
	held   map[string][]voice.Viseme
	order  []string
	stats  Stats
}

func NewScheduler(clock Clock, animator *Animator, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if animator == nil {
		animator = NewAnimator(DefaultCrossfade)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:    clock,
		animator: animator,
		log:      logger.With(slog.String("component", "viseme_scheduler")),
		starts:   make(map[string]time.Time),
		held:     make(map[string][]voice.Viseme),
	}
}

// ChunkStarted is the Queue start hook: the first chunk of an utterance fixes
// its start time.
func (s *Scheduler) ChunkStarted(c Chunk, at time.Time) {
	s.UtteranceStarted(c.UtteranceID, at)
}

// UtteranceStarted records when utteranceID began to play and releases its
// held visemes. Later calls for the same utterance are ignored.
func (s *Scheduler) UtteranceStarted(utteranceID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.starts[utteranceID]; ok {
		return
	}
	s.track(utteranceID)
	s.starts[utteranceID] = at
	held := s.held[utteranceID]
	delete(s.held, utteranceID)
	s.stats.Held -= len(held)
	for _, v := range held {
		s.schedule(at, v)
	}
}

func (s *Scheduler) AddVisemes(utteranceID string, visemes []voice.Viseme) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, ok := s.starts[utteranceID]
	if !ok {
		if _, seen := s.held[utteranceID]; !seen {
			s.track(utteranceID)
		}
		s.held[utteranceID] = append(s.held[utteranceID], visemes...)
		s.stats.Held += len(visemes)
		return
	}
	for _, v := range visemes {
		s.schedule(start, v)
	}
}

// Tick advances the animator to the current time.
func (s *Scheduler) Tick() Weights {
	return s.animator.Tick(s.clock.Now())
}

// Reset forgets every utterance and relaxes the mouth. Used when playback is
// paused.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.starts = make(map[string]time.Time)
	s.held = make(map[string][]voice.Viseme)
	s.order = nil
	s.stats.Held = 0
	s.mu.Unlock()
	s.animator.Reset()
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) schedule(start time.Time, v voice.Viseme) {
	deadline := start.Add(voice.DurationFromTicks(v.Offset))
	now := s.clock.Now()
	late := now.Sub(deadline)
	switch {
	case late >= s.animator.Crossfade():
		s.stats.Dropped++
		s.log.Debug("dropping late viseme",
			slog.Int("viseme_id", v.ID),
			slog.Duration("late", late),
		)
		return
	case late > 0:
		s.stats.Late++
		deadline = now
	}
	s.stats.Scheduled++
	s.animator.Schedule(deadline, v.ID)
}

func (s *Scheduler) track(utteranceID string) {
	s.order = append(s.order, utteranceID)
	for len(s.order) > maxTrackedUtterances {
		old := s.order[0]
		s.order = s.order[1:]
		s.stats.Held -= len(s.held[old])
		delete(s.starts, old)
		delete(s.held, old)
	}
}
