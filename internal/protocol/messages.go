package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/ent0n29/talkinghead/internal/session"
	"github.com/ent0n29/talkinghead/internal/voice"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client to server.
const (
	TypeStartRecognition MessageType = "start_recognition"
	TypeAudioChunk       MessageType = "audio_chunk"
	TypeStopRecognition  MessageType = "stop_recognition"
	TypeGetSessionStatus MessageType = "get_session_status"
	TypeStopSynthesis    MessageType = "stop_synthesis"
	TypeClearHistory     MessageType = "clear_history"
)

// Server to client.
const (
	TypeRecognitionStarted   MessageType = "recognition_started"
	TypeRecognitionError     MessageType = "recognition_error"
	TypeAudioChunkReceived   MessageType = "audio_chunk_received"
	TypeRecognitionStopped   MessageType = "recognition_stopped"
	TypeSessionStatus        MessageType = "session_status"
	TypeRecognitionResult    MessageType = "recognition_result"
	TypeTTSAudioChunk        MessageType = "tts_audio_chunk"
	TypeTTSVisemeData        MessageType = "tts_viseme_data"
	TypeTTSSynthesisComplete MessageType = "tts_synthesis_complete"
	TypeTTSError             MessageType = "tts_error"
	TypeChatMessage          MessageType = "chat_message"
	TypeChatError            MessageType = "chat_error"
)

// Error codes carried by recognition_error.
const (
	CodeStartError     = "START_ERROR"
	CodeAudioChunk     = "AUDIO_CHUNK_ERROR"
	CodeStopError      = "STOP_ERROR"
	CodeStatusError    = "STATUS_ERROR"
	CodeEngineCanceled = "ENGINE_CANCELED"
	CodeInvalidMessage = "INVALID_MESSAGE"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type StartRecognition struct {
	Type        MessageType          `json:"type"`
	Language    string               `json:"language"`
	AudioFormat string               `json:"audioFormat"`
	SessionID   string               `json:"sessionId,omitempty"`
	Voice       *session.VoiceParams `json:"voice,omitempty"`
}

type AudioChunk struct {
	Type      MessageType `json:"type"`
	AudioData string      `json:"audioData"`
	SessionID string      `json:"sessionId"`
	ChunkID   string      `json:"chunkId"`
}

type StopRecognition struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
}

type GetSessionStatus struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
}

type StopSynthesis struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
}

type ClearHistory struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
}

type RecognitionStarted struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp int64       `json:"timestamp"`
}

type RecognitionError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable,omitempty"`
}

type AudioChunkReceived struct {
	Type      MessageType `json:"type"`
	ChunkID   string      `json:"chunkId"`
	SessionID string      `json:"sessionId"`
	Timestamp int64       `json:"timestamp"`
}

type RecognitionStopped struct {
	Type      MessageType      `json:"type"`
	SessionID string           `json:"sessionId"`
	Results   []session.Result `json:"results"`
}

type SessionStatus struct {
	Type      MessageType      `json:"type"`
	SessionID string           `json:"sessionId"`
	Session   *session.Session `json:"session"`
}

// RecognitionResult flattens the result fields next to the type tag.
type RecognitionResult struct {
	Type MessageType `json:"type"`
	session.Result
}

// TTSAudioChunk carries one base64 encoded chunk. SessionID is the synthesis
// id; Offset is in ticks, Duration in milliseconds.
type TTSAudioChunk struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	AudioData string      `json:"audioData"`
	Format    string      `json:"format"`
	Offset    int64       `json:"offset"`
	Duration  float64     `json:"duration"`
	Timestamp int64       `json:"timestamp"`
}

type TTSVisemeData struct {
	Type       MessageType    `json:"type"`
	SessionID  string         `json:"sessionId"`
	VisemeData []voice.Viseme `json:"visemeData"`
	Timestamp  int64          `json:"timestamp"`
}

type TTSSynthesisComplete struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp int64       `json:"timestamp"`
}

type TTSError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable,omitempty"`
}

type ChatTurn struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"sessionId"`
}

type ChatMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Message   ChatTurn    `json:"message"`
}

type ChatError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
}

// ParseClientMessage decodes and validates one client frame.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeStartRecognition:
		var msg StartRecognition
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Language = strings.TrimSpace(msg.Language)
		msg.AudioFormat = strings.ToLower(strings.TrimSpace(msg.AudioFormat))
		if msg.AudioFormat == "" {
			msg.AudioFormat = "pcm"
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.AudioData == "" {
			return nil, errors.New("invalid audio_chunk")
		}
		return msg, nil
	case TypeStopRecognition:
		var msg StopRecognition
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeGetSessionStatus:
		var msg GetSessionStatus
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeStopSynthesis:
		var msg StopSynthesis
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid stop_synthesis")
		}
		return msg, nil
	case TypeClearHistory:
		var msg ClearHistory
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
