package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/talkinghead/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	WSBaseURL    string
	STTModelID   string
	TTSVoiceID   string
	TTSModelID   string
	OutputFormat string
}

// ElevenLabsEngine implements Recognizer and Synthesizer over the ElevenLabs
// realtime websocket APIs.
type ElevenLabsEngine struct {
	cfg    ElevenLabsConfig
	dialer *websocket.Dialer
}

func NewElevenLabsEngine(cfg ElevenLabsConfig) *ElevenLabsEngine {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v2_realtime"
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	return &ElevenLabsEngine{cfg: cfg, dialer: websocket.DefaultDialer}
}

func (e *ElevenLabsEngine) dial(ctx context.Context, path string, q url.Values) (*websocket.Conn, error) {
	if strings.TrimSpace(e.cfg.APIKey) == "" {
		return nil, ErrNotInitialized
	}
	u, err := url.Parse(strings.TrimRight(e.cfg.WSBaseURL, "/") + path)
	if err != nil {
		return nil, err
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", e.cfg.APIKey)
	conn, _, err := e.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (e *ElevenLabsEngine) StartRecognition(ctx context.Context, cfg RecognitionConfig) (RecognitionStream, error) {
	q := url.Values{}
	q.Set("model_id", e.cfg.STTModelID)
	q.Set("commit_strategy", "vad")
	q.Set("audio_format", "pcm_"+strconv.Itoa(sampleRateOr(cfg.SampleRate)))
	if lang := languageCode(cfg.Language); lang != "" {
		q.Set("language_code", lang)
	}
	conn, err := e.dial(ctx, "/v1/speech-to-text/realtime", q)
	if err != nil {
		return nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	s := &elevenRecognitionStream{
		conn:       conn,
		events:     make(chan RecognitionEvent, 256),
		sampleRate: sampleRateOr(cfg.SampleRate),
	}
	go s.readLoop()
	return s, nil
}

type elevenRecognitionStream struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	closing    atomic.Bool
	events     chan RecognitionEvent
	sampleRate int

	pushedTicks    atomic.Int64
	utteranceStart int64
}

func (s *elevenRecognitionStream) Write(_ context.Context, frame []byte) error {
	if s.closing.Load() {
		return ErrSessionInactive
	}
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(frame),
		"commit":        false,
		"sample_rate":   s.sampleRate,
	}

	s.writeMu.Lock()
	err := s.conn.WriteJSON(payload)
	s.writeMu.Unlock()
	if err != nil {
		return err
	}
	samples := len(frame) / 2
	s.pushedTicks.Add(TicksFromDuration(time.Duration(samples) * time.Second / time.Duration(s.sampleRate)))
	return nil
}

func (s *elevenRecognitionStream) Events() <-chan RecognitionEvent { return s.events }

func (s *elevenRecognitionStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				s.events <- RecognitionEvent{Type: RecognitionStopped, Offset: s.pushedTicks.Load()}
			} else {
				s.events <- RecognitionEvent{Type: RecognitionCanceled, Code: "connection_closed", Detail: err.Error(), Retryable: true}
			}
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		pushed := s.pushedTicks.Load()
		messageType := asString(raw["message_type"])
		switch messageType {
		case "partial_transcript":
			s.events <- RecognitionEvent{
				Type:     RecognitionInterim,
				Text:     asString(raw["text"]),
				Offset:   s.utteranceStart,
				Duration: pushed - s.utteranceStart,
			}
		case "committed_transcript", "committed_transcript_with_timestamps":
			s.events <- RecognitionEvent{
				Type:       RecognitionFinal,
				Text:       asString(raw["text"]),
				Confidence: asFloat(raw["confidence"], 1),
				Offset:     s.utteranceStart,
				Duration:   pushed - s.utteranceStart,
			}
			s.utteranceStart = pushed
		case "", "session_started", "input_audio_chunk":
		default:
			s.events <- RecognitionEvent{
				Type:      RecognitionCanceled,
				Code:      messageType,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(messageType),
			}
			_ = s.conn.Close()
			return
		}
	}
}

func (s *elevenRecognitionStream) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	s.writeMu.Lock()
	_ = s.conn.WriteJSON(map[string]any{"message_type": "input_audio_chunk", "audio_base_64": "", "commit": true, "sample_rate": s.sampleRate})
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (e *ElevenLabsEngine) StartSynthesis(ctx context.Context, req SynthesisRequest) (SynthesisStream, error) {
	voiceID := strings.TrimSpace(e.cfg.TTSVoiceID)
	if voiceID == "" {
		return nil, fmt.Errorf("voice_id is required: %w", ErrNotInitialized)
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, fmt.Errorf("synthesis text is empty")
	}

	q := url.Values{}
	q.Set("model_id", e.cfg.TTSModelID)
	q.Set("output_format", e.cfg.OutputFormat)
	q.Set("sync_alignment", "true")
	if lang := languageCode(req.Language); lang != "" {
		q.Set("language_code", lang)
	}
	conn, err := e.dial(ctx, "/v1/text-to-speech/"+url.PathEscape(voiceID)+"/stream-input", q)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &elevenSynthesisStream{
		conn:   conn,
		events: make(chan SynthesisEvent, 512),
		format: e.cfg.OutputFormat,
	}
	go s.readLoop()

	// The engine takes plain text; pitch has no equivalent and is dropped.
	writes := []map[string]any{
		{
			"text": " ",
			"voice_settings": map[string]any{
				"stability":        0.45,
				"similarity_boost": 0.8,
				"speed":            clampFloat(req.Rate, 0.7, 1.2, 1.0),
			},
		},
		{"text": text + " ", "try_trigger_generation": true},
		{"text": ""},
	}
	for _, payload := range writes {
		if err := s.writeJSON(payload); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("send tts text: %w", err)
		}
	}
	return s, nil
}

type elevenSynthesisStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closing atomic.Bool
	events  chan SynthesisEvent
	format  string

	offset int64
}

func (s *elevenSynthesisStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenSynthesisStream) Events() <-chan SynthesisEvent { return s.events }

func (s *elevenSynthesisStream) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	return s.conn.Close()
}

func (s *elevenSynthesisStream) readLoop() {
	defer close(s.events)
	defer s.conn.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			code := "connection_closed"
			if s.closing.Load() {
				code = "closed"
			}
			s.events <- SynthesisEvent{Type: SynthesisCanceled, Code: code, Detail: err.Error()}
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}

		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			s.events <- SynthesisEvent{Type: SynthesisCanceled, Code: code, Detail: errMsg, Retryable: reliability.IsRetryableRealtimeMessageType(code)}
			return
		}

		if audio := asString(raw["audio"]); audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(audio)
			if err != nil {
				continue
			}
			chars, starts, alignEnd := parseAlignment(raw["alignment"])
			for _, v := range VisemesFromAlignment(chars, starts, s.offset) {
				s.events <- SynthesisEvent{Type: SynthesisViseme, Viseme: v}
			}
			dur := audioDuration(s.format, len(pcm))
			if dur <= 0 {
				dur = time.Duration(alignEnd * float64(time.Millisecond))
			}
			s.events <- SynthesisEvent{Type: SynthesisAudio, Audio: AudioChunk{
				Data:     pcm,
				Format:   s.format,
				Offset:   s.offset,
				Duration: dur,
			}}
			s.offset += TicksFromDuration(dur)
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			s.events <- SynthesisEvent{Type: SynthesisCompleted}
			return
		}
	}
}

func parseAlignment(v any) (chars []string, starts []float64, end float64) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, nil, 0
	}
	rawChars, _ := obj["chars"].([]any)
	rawStarts, _ := obj["charStartTimesMs"].([]any)
	rawDurs, _ := obj["charDurationsMs"].([]any)
	for i, c := range rawChars {
		if i >= len(rawStarts) {
			break
		}
		chars = append(chars, asString(c))
		start := asFloat(rawStarts[i], 0)
		starts = append(starts, start)
		if i < len(rawDurs) {
			if e := start + asFloat(rawDurs[i], 0); e > end {
				end = e
			}
		}
	}
	return chars, starts, end
}

// audioDuration is only known for raw PCM output formats such as pcm_16000.
func audioDuration(format string, n int) time.Duration {
	rateStr, ok := strings.CutPrefix(format, "pcm_")
	if !ok {
		return 0
	}
	rate, err := strconv.Atoi(rateStr)
	if err != nil || rate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(rate)
}

func languageCode(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexByte(tag, '-'); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func sampleRateOr(rate int) int {
	if rate <= 0 {
		return SampleRate
	}
	return rate
}

func clampFloat(v, lo, hi, fallback float64) float64 {
	if v <= 0 {
		v = fallback
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asFloat(v any, fallback float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return fallback
		}
		return f
	default:
		return fallback
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
