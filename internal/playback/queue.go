package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Chunk is one piece of synthesized PCM16LE audio of an utterance.
type Chunk struct {
	UtteranceID string
	Data        []byte
	Offset      int64
	Duration    time.Duration
}

// Sink sounds audio. Play returns once the chunk has finished playing or ctx is
// canceled.
type Sink interface {
	Play(ctx context.Context, c Chunk) error
}

// Queue plays chunks back to back on a sink. Playback starts with the first
// enqueued chunk and stops by itself once the queue drains.
type Queue struct {
	sink    Sink
	clock   Clock
	onStart func(Chunk, time.Time)
	log     *slog.Logger

	mu      sync.Mutex
	items   []Chunk
	playing bool
	gen     uint64
	cancel  context.CancelFunc
	idle    chan struct{}
}

// NewQueue builds a queue over sink. onStart, when set, is called as each
// chunk begins to sound.
func NewQueue(sink Sink, clock Clock, onStart func(Chunk, time.Time), logger *slog.Logger) *Queue {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		sink:    sink,
		clock:   clock,
		onStart: onStart,
		log:     logger.With(slog.String("component", "playback_queue")),
	}
}

func (q *Queue) Enqueue(c Chunk) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, c)
	if q.playing {
		return
	}
	q.playing = true
	q.idle = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	go q.run(ctx, q.gen)
}

// Pause cuts off the sounding chunk and discards everything queued.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.gen++
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	if q.playing {
		q.playing = false
		close(q.idle)
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Wait blocks until the queue has drained or was paused.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	if !q.playing {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run(ctx context.Context, gen uint64) {
	for {
		q.mu.Lock()
		if q.gen != gen {
			q.mu.Unlock()
			return
		}
		if len(q.items) == 0 {
			q.playing = false
			q.cancel = nil
			close(q.idle)
			q.mu.Unlock()
			return
		}
		c := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if q.onStart != nil {
			q.onStart(c, q.clock.Now())
		}
		if err := q.sink.Play(ctx, c); err != nil && ctx.Err() == nil {
			q.log.Warn("audio chunk playback failed",
				slog.String("utterance_id", c.UtteranceID),
				slog.Any("error", err),
			)
		}
	}
}

// TimedSink holds each chunk for its duration, optionally copying the raw
// samples to w. It stands in for a speaker on headless clients.
type TimedSink struct {
	w io.Writer
}

func NewTimedSink(w io.Writer) *TimedSink {
	return &TimedSink{w: w}
}

func (s *TimedSink) Play(ctx context.Context, c Chunk) error {
	if s.w != nil && len(c.Data) > 0 {
		if _, err := s.w.Write(c.Data); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
	}
	if c.Duration <= 0 {
		return nil
	}
	timer := time.NewTimer(c.Duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
