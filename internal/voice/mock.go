package voice

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockRecognizer is a deterministic recognizer used when no engine is configured
// for development and in tests. It reports Transcript as a final result every
// FinalEvery frames.
type MockRecognizer struct {
	Transcript  string
	Confidence  float64
	FinalEvery  int
	CancelAfter int
}

func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{Transcript: "hello", Confidence: 0.92, FinalEvery: 8}
}

func (m *MockRecognizer) StartRecognition(_ context.Context, cfg RecognitionConfig) (RecognitionStream, error) {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = SampleRate
	}
	every := m.FinalEvery
	if every <= 0 {
		every = 8
	}
	text := strings.TrimSpace(m.Transcript)
	if text == "" {
		text = "hello"
	}
	return &mockRecognitionStream{
		events:      make(chan RecognitionEvent, 256),
		sampleRate:  rate,
		finalEvery:  every,
		cancelAfter: m.CancelAfter,
		transcript:  text,
		confidence:  m.Confidence,
	}, nil
}

type mockRecognitionStream struct {
	mu          sync.Mutex
	events      chan RecognitionEvent
	closed      bool
	sampleRate  int
	finalEvery  int
	cancelAfter int
	transcript  string
	confidence  float64

	frames         int
	utterFrames    int
	pushedTicks    int64
	utteranceStart int64
}

func (s *mockRecognitionStream) Write(_ context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionInactive
	}
	samples := len(frame) / 2
	s.pushedTicks += TicksFromDuration(time.Duration(samples) * time.Second / time.Duration(s.sampleRate))
	s.frames++
	s.utterFrames++

	if s.cancelAfter > 0 && s.frames >= s.cancelAfter {
		s.events <- RecognitionEvent{Type: RecognitionCanceled, Code: "mock_canceled", Detail: "canceled by mock engine"}
		s.closeLocked()
		return nil
	}

	words := strings.Fields(s.transcript)
	n := s.utterFrames * len(words) / s.finalEvery
	if n < 1 {
		n = 1
	}
	if n > len(words) {
		n = len(words)
	}
	select {
	case s.events <- RecognitionEvent{
		Type:       RecognitionInterim,
		Text:       strings.Join(words[:n], " "),
		Confidence: s.confidence / 2,
		Offset:     s.utteranceStart,
		Duration:   s.pushedTicks - s.utteranceStart,
	}:
	default:
	}

	if s.utterFrames >= s.finalEvery {
		s.events <- RecognitionEvent{
			Type:       RecognitionFinal,
			Text:       s.transcript,
			Confidence: s.confidence,
			Offset:     s.utteranceStart,
			Duration:   s.pushedTicks - s.utteranceStart,
		}
		s.utterFrames = 0
		s.utteranceStart = s.pushedTicks
	}
	return nil
}

func (s *mockRecognitionStream) Events() <-chan RecognitionEvent { return s.events }

func (s *mockRecognitionStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.events <- RecognitionEvent{Type: RecognitionStopped, Offset: s.pushedTicks}
	s.closeLocked()
	return nil
}

func (s *mockRecognitionStream) closeLocked() {
	s.closed = true
	close(s.events)
}

// MockSynthesizer renders silent PCM16 audio and letter-derived visemes, one
// chunk per word.
type MockSynthesizer struct {
	CharDuration time.Duration
	ChunkDelay   time.Duration
	FailWith     string
}

func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{CharDuration: 55 * time.Millisecond}
}

func (m *MockSynthesizer) StartSynthesis(ctx context.Context, req SynthesisRequest) (SynthesisStream, error) {
	charDur := m.CharDuration
	if charDur <= 0 {
		charDur = 55 * time.Millisecond
	}
	s := &mockSynthesisStream{
		events: make(chan SynthesisEvent, 256),
		done:   make(chan struct{}),
	}
	go s.run(ctx, req.Text, charDur, m.ChunkDelay, m.FailWith)
	return s, nil
}

type mockSynthesisStream struct {
	events    chan SynthesisEvent
	done      chan struct{}
	closeOnce sync.Once
}

func (s *mockSynthesisStream) run(ctx context.Context, text string, charDur, delay time.Duration, failWith string) {
	defer close(s.events)

	var offset int64
	for _, word := range strings.Fields(text) {
		chars := make([]string, 0, len(word))
		starts := make([]float64, 0, len(word))
		for i, r := range word {
			chars = append(chars, string(r))
			starts = append(starts, float64(i)*float64(charDur)/float64(time.Millisecond))
		}
		for _, v := range VisemesFromAlignment(chars, starts, offset) {
			if !s.emit(ctx, SynthesisEvent{Type: SynthesisViseme, Viseme: v}) {
				return
			}
		}

		dur := time.Duration(len(chars)) * charDur
		samples := int(dur * SampleRate / time.Second)
		chunk := AudioChunk{
			Data:     make([]byte, samples*2),
			Format:   "pcm_16000",
			Offset:   offset,
			Duration: dur,
		}
		if !s.emit(ctx, SynthesisEvent{Type: SynthesisAudio, Audio: chunk}) {
			return
		}
		offset += TicksFromDuration(dur)

		if failWith != "" {
			s.emit(ctx, SynthesisEvent{Type: SynthesisCanceled, Code: failWith, Detail: "mock synthesis failure"})
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
	s.emit(ctx, SynthesisEvent{Type: SynthesisCompleted})
}

func (s *mockSynthesisStream) emit(ctx context.Context, ev SynthesisEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *mockSynthesisStream) Events() <-chan SynthesisEvent { return s.events }

func (s *mockSynthesisStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
