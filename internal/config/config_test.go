package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" || cfg.MetricsNamespace != "talkinghead" {
		t.Fatalf("unexpected defaults: bind=%q namespace=%q", cfg.BindAddr, cfg.MetricsNamespace)
	}
	if cfg.OpenAIModel != "gpt-3.5-turbo" || cfg.OpenAIMaxTokens != 500 || cfg.OpenAITemperature != 0.7 {
		t.Fatalf("unexpected generation defaults: %+v", cfg)
	}
	if cfg.TTSDefaultVoice != "en-US-AriaNeural" || cfg.TTSDefaultLanguage != "en-US" {
		t.Fatalf("unexpected voice defaults: %q %q", cfg.TTSDefaultVoice, cfg.TTSDefaultLanguage)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("GENERATION_TIMEOUT", "5s")
	t.Setenv("HISTORY_LIMIT", "12")
	t.Setenv("VOICE_FALLBACK_MOCK", "yes")
	t.Setenv("OPENAI_TEMPERATURE", "0.2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.GenerationTimeout != 5*time.Second || cfg.HistoryLimit != 12 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if !cfg.VoiceFallbackMock || cfg.OpenAITemperature != 0.2 {
		t.Fatalf("overrides not applied: fallback=%v temperature=%v", cfg.VoiceFallbackMock, cfg.OpenAITemperature)
	}
}

func TestLoadConfigFileUnderEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "talkinghead.yaml")
	body := "bind_addr: \":7070\"\nsynthesis_timeout: 20s\nbrain_provider: mock\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("BRAIN_PROVIDER", "gemini")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7070" || cfg.SynthesisTimeout != 20*time.Second {
		t.Fatalf("file values not applied: bind=%q synthesis=%v", cfg.BindAddr, cfg.SynthesisTimeout)
	}
	if cfg.BrainProvider != "gemini" {
		t.Fatalf("BrainProvider = %q, env should win over file", cfg.BrainProvider)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_SESSION_INACTIVITY_TIMEOUT", "1s")
	t.Setenv("LOG_FORMAT", "xml")

	_, err := Load()
	if err == nil {
		t.Fatalf("Load() error = nil, want validation error")
	}
	for _, want := range []string{"APP_SESSION_INACTIVITY_TIMEOUT", "LOG_FORMAT"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("Load() error = %v, want mention of %s", err, want)
		}
	}
}

func TestLoadRejectsUnparsableEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AUDIO_QUEUE_SIZE", "lots")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "AUDIO_QUEUE_SIZE") {
		t.Fatalf("Load() error = %v, want AUDIO_QUEUE_SIZE parse error", err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"VOICE_PROVIDER",
		"VOICE_FALLBACK_MOCK",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_TTS_VOICE_ID",
		"ELEVENLABS_TTS_MODEL_ID",
		"ELEVENLABS_STT_MODEL_ID",
		"ELEVENLABS_TTS_OUTPUT_FORMAT",
		"BRAIN_PROVIDER",
		"BRAIN_SYSTEM_PROMPT",
		"BRAIN_HTTP_URL",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_MODEL",
		"OPENAI_MAX_TOKENS",
		"OPENAI_TEMPERATURE",
		"GEMINI_API_KEY",
		"GEMINI_MODEL",
		"HISTORY_LIMIT",
		"HISTORY_TTL",
		"RESULT_LOG_LIMIT",
		"REDIS_URL",
		"REDIS_PASSWORD",
		"DATABASE_URL",
		"GENERATION_TIMEOUT",
		"SYNTHESIS_TIMEOUT",
		"AUDIO_QUEUE_SIZE",
		"TTS_DEFAULT_VOICE",
		"TTS_DEFAULT_LANGUAGE",
		"NATS_URL",
		"NATS_SUBJECT_PREFIX",
		"OTEL_ENABLED",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_EXPORTER_OTLP_INSECURE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
