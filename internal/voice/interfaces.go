package voice

import (
	"context"
	"time"
)

// TicksPerMillisecond converts engine offsets (100ns ticks) to milliseconds.
const TicksPerMillisecond = 10_000

// Capture format shared by clients and recognizers.
const (
	SampleRate      = 16000
	SamplesPerFrame = 2048
)

// TicksFromDuration converts d to 100ns ticks.
func TicksFromDuration(d time.Duration) int64 {
	return int64(d / 100)
}

// DurationFromTicks converts 100ns ticks to a duration.
func DurationFromTicks(ticks int64) time.Duration {
	return time.Duration(ticks) * 100
}

type RecognitionEventType string

const (
	RecognitionInterim  RecognitionEventType = "interim"
	RecognitionFinal    RecognitionEventType = "final"
	RecognitionCanceled RecognitionEventType = "canceled"
	RecognitionStopped  RecognitionEventType = "stopped"
)

type RecognitionEvent struct {
	Type       RecognitionEventType
	Text       string
	Confidence float64
	// Offset and Duration are in ticks relative to the first pushed frame.
	Offset    int64
	Duration  int64
	Code      string
	Detail    string
	Retryable bool
}

type RecognitionConfig struct {
	SessionID   string
	Language    string
	AudioFormat string
	SampleRate  int
}

// RecognitionStream is one live recognizer instance. Events is closed when the
// stream terminates.
type RecognitionStream interface {
	Write(ctx context.Context, frame []byte) error
	Events() <-chan RecognitionEvent
	Close() error
}

type Recognizer interface {
	StartRecognition(ctx context.Context, cfg RecognitionConfig) (RecognitionStream, error)
}

type SynthesisEventType string

const (
	SynthesisAudio     SynthesisEventType = "audio"
	SynthesisViseme    SynthesisEventType = "viseme"
	SynthesisCompleted SynthesisEventType = "completed"
	SynthesisCanceled  SynthesisEventType = "canceled"
)

type AudioChunk struct {
	Data     []byte        `json:"-"`
	Format   string        `json:"format"`
	Offset   int64         `json:"offset"`
	Duration time.Duration `json:"duration"`
}

type Viseme struct {
	ID        int    `json:"id"`
	Offset    int64  `json:"offset"`
	Animation string `json:"animation,omitempty"`
}

type SynthesisEvent struct {
	Type      SynthesisEventType
	Audio     AudioChunk
	Viseme    Viseme
	Code      string
	Detail    string
	Retryable bool
}

type SynthesisRequest struct {
	SynthesisID string
	Text        string
	SSML        string
	VoiceName   string
	Language    string
	Rate        float64
	Pitch       float64
}

// SynthesisStream is one in-flight utterance. Events is closed after the
// completed or canceled event.
type SynthesisStream interface {
	Events() <-chan SynthesisEvent
	Close() error
}

type Synthesizer interface {
	StartSynthesis(ctx context.Context, req SynthesisRequest) (SynthesisStream, error)
}
