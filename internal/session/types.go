package session

import "time"

// State is the lifecycle state of a recognition session.
type State string

const (
	StateCreated  State = "created"
	StateActive   State = "active"
	StateStopping State = "stopping"
	StateClosed   State = "closed"
)

// VoiceParams selects the synthesis voice for replies in a session.
type VoiceParams struct {
	Name     string  `json:"name,omitempty" yaml:"name"`
	Language string  `json:"language,omitempty" yaml:"language"`
	Rate     float64 `json:"rate,omitempty" yaml:"rate"`
	Pitch    float64 `json:"pitch,omitempty" yaml:"pitch"`
}

// Result is one recognition result. Offset and Duration are in 100ns ticks
// from the first frame of the session.
type Result struct {
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Offset     int64     `json:"offset"`
	Duration   int64     `json:"duration"`
	SessionID  string    `json:"sessionId"`
	Timestamp  time.Time `json:"timestamp"`
	IsFinal    bool      `json:"isFinal"`
}

type Session struct {
	ID             string       `json:"id"`
	ClientID       string       `json:"clientId,omitempty"`
	Language       string       `json:"language"`
	AudioFormat    string       `json:"audioFormat"`
	State          State        `json:"state"`
	StartedAt      time.Time    `json:"startTime"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
	Voice          *VoiceParams `json:"voice,omitempty"`
	Results        []Result     `json:"results"`
	EvictedResults int          `json:"evictedResults,omitempty"`
}

// IsActive reports whether the session still accepts audio.
func (s *Session) IsActive() bool {
	return s.State == StateCreated || s.State == StateActive
}
