package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings of the avatar service.
type Config struct {
	BindAddr                 string        `yaml:"bind_addr"`
	ShutdownTimeout          time.Duration `yaml:"shutdown_timeout"`
	SessionInactivityTimeout time.Duration `yaml:"session_inactivity_timeout"`
	MetricsNamespace         string        `yaml:"metrics_namespace"`
	AllowAnyOrigin           bool          `yaml:"allow_any_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	VoiceProvider     string `yaml:"voice_provider"`
	VoiceFallbackMock bool   `yaml:"voice_fallback_mock"`

	ElevenLabsAPIKey          string `yaml:"elevenlabs_api_key"`
	ElevenLabsWSBaseURL       string `yaml:"elevenlabs_ws_base_url"`
	ElevenLabsTTSVoice        string `yaml:"elevenlabs_tts_voice_id"`
	ElevenLabsTTSModel        string `yaml:"elevenlabs_tts_model_id"`
	ElevenLabsSTTModel        string `yaml:"elevenlabs_stt_model_id"`
	ElevenLabsTTSOutputFormat string `yaml:"elevenlabs_tts_output_format"`

	BrainProvider     string  `yaml:"brain_provider"`
	BrainSystemPrompt string  `yaml:"brain_system_prompt"`
	BrainHTTPURL      string  `yaml:"brain_http_url"`
	OpenAIAPIKey      string  `yaml:"openai_api_key"`
	OpenAIBaseURL     string  `yaml:"openai_base_url"`
	OpenAIModel       string  `yaml:"openai_model"`
	OpenAIMaxTokens   int     `yaml:"openai_max_tokens"`
	OpenAITemperature float64 `yaml:"openai_temperature"`
	GeminiAPIKey      string  `yaml:"gemini_api_key"`
	GeminiModel       string  `yaml:"gemini_model"`

	HistoryLimit   int           `yaml:"history_limit"`
	HistoryTTL     time.Duration `yaml:"history_ttl"`
	ResultLogLimit int           `yaml:"result_log_limit"`
	RedisURL       string        `yaml:"redis_url"`
	RedisPassword  string        `yaml:"redis_password"`
	DatabaseURL    string        `yaml:"database_url"`

	GenerationTimeout  time.Duration `yaml:"generation_timeout"`
	SynthesisTimeout   time.Duration `yaml:"synthesis_timeout"`
	AudioQueueSize     int           `yaml:"audio_queue_size"`
	TTSDefaultVoice    string        `yaml:"tts_default_voice"`
	TTSDefaultLanguage string        `yaml:"tts_default_language"`

	NATSURL           string `yaml:"nats_url"`
	NATSSubjectPrefix string `yaml:"nats_subject_prefix"`

	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

func Default() Config {
	return Config{
		BindAddr:                 ":8080",
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 2 * time.Minute,
		MetricsNamespace:         "talkinghead",
		LogLevel:                 "info",
		LogFormat:                "json",
		VoiceProvider:            "auto",
		ElevenLabsWSBaseURL:      "wss://api.elevenlabs.io",
		ElevenLabsTTSVoice:       "cgSgspJ2msm6clMCkdW9",
		ElevenLabsTTSModel:       "eleven_multilingual_v2",
		ElevenLabsSTTModel:       "scribe_v2_realtime",
		// PCM keeps chunk durations computable on the client.
		ElevenLabsTTSOutputFormat: "pcm_16000",
		BrainProvider:             "auto",
		OpenAIModel:               "gpt-3.5-turbo",
		OpenAIMaxTokens:           500,
		OpenAITemperature:         0.7,
		GeminiModel:               "gemini-2.0-flash",
		HistoryLimit:              50,
		HistoryTTL:                time.Hour,
		ResultLogLimit:            200,
		GenerationTimeout:         30 * time.Second,
		SynthesisTimeout:          60 * time.Second,
		AudioQueueSize:            64,
		TTSDefaultVoice:           "en-US-AriaNeural",
		TTSDefaultLanguage:        "en-US",
		NATSSubjectPrefix:         "talkinghead.events",
	}
}

// Load reads .env, the optional APP_CONFIG_FILE overlay and the environment,
// in that order of increasing precedence, and validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"APP_BIND_ADDR", &cfg.BindAddr},
		{"APP_METRICS_NAMESPACE", &cfg.MetricsNamespace},
		{"LOG_LEVEL", &cfg.LogLevel},
		{"LOG_FORMAT", &cfg.LogFormat},
		{"VOICE_PROVIDER", &cfg.VoiceProvider},
		{"ELEVENLABS_API_KEY", &cfg.ElevenLabsAPIKey},
		{"ELEVENLABS_WS_BASE_URL", &cfg.ElevenLabsWSBaseURL},
		{"ELEVENLABS_TTS_VOICE_ID", &cfg.ElevenLabsTTSVoice},
		{"ELEVENLABS_TTS_MODEL_ID", &cfg.ElevenLabsTTSModel},
		{"ELEVENLABS_STT_MODEL_ID", &cfg.ElevenLabsSTTModel},
		{"ELEVENLABS_TTS_OUTPUT_FORMAT", &cfg.ElevenLabsTTSOutputFormat},
		{"BRAIN_PROVIDER", &cfg.BrainProvider},
		{"BRAIN_SYSTEM_PROMPT", &cfg.BrainSystemPrompt},
		{"BRAIN_HTTP_URL", &cfg.BrainHTTPURL},
		{"OPENAI_API_KEY", &cfg.OpenAIAPIKey},
		{"OPENAI_BASE_URL", &cfg.OpenAIBaseURL},
		{"OPENAI_MODEL", &cfg.OpenAIModel},
		{"GEMINI_API_KEY", &cfg.GeminiAPIKey},
		{"GEMINI_MODEL", &cfg.GeminiModel},
		{"REDIS_URL", &cfg.RedisURL},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"TTS_DEFAULT_VOICE", &cfg.TTSDefaultVoice},
		{"TTS_DEFAULT_LANGUAGE", &cfg.TTSDefaultLanguage},
		{"NATS_URL", &cfg.NATSURL},
		{"NATS_SUBJECT_PREFIX", &cfg.NATSSubjectPrefix},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint},
	}
	for _, s := range strs {
		*s.dst = envOrDefault(s.key, *s.dst)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"HISTORY_TTL", &cfg.HistoryTTL},
		{"GENERATION_TIMEOUT", &cfg.GenerationTimeout},
		{"SYNTHESIS_TIMEOUT", &cfg.SynthesisTimeout},
	}
	for _, d := range durations {
		v, err := durationFromEnv(d.key, *d.dst)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"OPENAI_MAX_TOKENS", &cfg.OpenAIMaxTokens},
		{"HISTORY_LIMIT", &cfg.HistoryLimit},
		{"RESULT_LOG_LIMIT", &cfg.ResultLogLimit},
		{"AUDIO_QUEUE_SIZE", &cfg.AudioQueueSize},
	}
	for _, n := range ints {
		v, err := intFromEnv(n.key, *n.dst)
		if err != nil {
			return err
		}
		*n.dst = v
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"VOICE_FALLBACK_MOCK", &cfg.VoiceFallbackMock},
		{"OTEL_ENABLED", &cfg.OTelEnabled},
		{"OTEL_EXPORTER_OTLP_INSECURE", &cfg.OTLPInsecure},
	}
	for _, b := range bools {
		v, err := boolFromEnv(b.key, *b.dst)
		if err != nil {
			return err
		}
		*b.dst = v
	}

	temp, err := floatFromEnv("OPENAI_TEMPERATURE", cfg.OpenAITemperature)
	if err != nil {
		return err
	}
	cfg.OpenAITemperature = temp
	return nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.SessionInactivityTimeout < 5*time.Second {
		errs = append(errs, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.GenerationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("GENERATION_TIMEOUT must be positive"))
	}
	if c.SynthesisTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SYNTHESIS_TIMEOUT must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, fmt.Errorf("HISTORY_LIMIT must be positive"))
	}
	if c.ResultLogLimit <= 0 {
		errs = append(errs, fmt.Errorf("RESULT_LOG_LIMIT must be positive"))
	}
	if c.AudioQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("AUDIO_QUEUE_SIZE must be positive"))
	}
	if c.OpenAIMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("OPENAI_MAX_TOKENS must be positive"))
	}
	if c.OpenAITemperature < 0 || c.OpenAITemperature > 2 {
		errs = append(errs, fmt.Errorf("OPENAI_TEMPERATURE must be within [0, 2]"))
	}
	if !oneOf(c.LogLevel, "debug", "info", "warn", "error") {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if !oneOf(c.LogFormat, "json", "text") {
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q is not one of json, text", c.LogFormat))
	}
	if !oneOf(c.VoiceProvider, "auto", "elevenlabs", "mock") {
		errs = append(errs, fmt.Errorf("VOICE_PROVIDER %q is not one of auto, elevenlabs, mock", c.VoiceProvider))
	}
	if !oneOf(c.BrainProvider, "auto", "openai", "gemini", "http", "mock") {
		errs = append(errs, fmt.Errorf("BRAIN_PROVIDER %q is not one of auto, openai, gemini, http, mock", c.BrainProvider))
	}
	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
