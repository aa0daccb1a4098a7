package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/talkinghead/internal/config"
	"github.com/ent0n29/talkinghead/internal/voice"
)

type voiceSetup struct {
	recognizer       voice.Recognizer
	synthesizer      voice.Synthesizer
	resolvedProvider string
	detail           string
}

func resolveVoiceEngines(cfg config.Config) (voiceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}

	mock := func(detail string) voiceSetup {
		return voiceSetup{
			recognizer:       voice.NewMockRecognizer(),
			synthesizer:      voice.NewMockSynthesizer(),
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	tryElevenLabs := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.ElevenLabsAPIKey) == "" {
			return voiceSetup{}, false
		}
		engine := voice.NewElevenLabsEngine(voice.ElevenLabsConfig{
			APIKey:       cfg.ElevenLabsAPIKey,
			WSBaseURL:    cfg.ElevenLabsWSBaseURL,
			STTModelID:   cfg.ElevenLabsSTTModel,
			TTSVoiceID:   cfg.ElevenLabsTTSVoice,
			TTSModelID:   cfg.ElevenLabsTTSModel,
			OutputFormat: cfg.ElevenLabsTTSOutputFormat,
		})
		setup := voiceSetup{
			recognizer:       engine,
			synthesizer:      engine,
			resolvedProvider: "elevenlabs",
			detail:           "elevenlabs realtime",
		}
		if cfg.VoiceFallbackMock {
			setup.recognizer, setup.synthesizer = voice.NewFailoverPair(
				engine, engine,
				voice.NewMockRecognizer(), voice.NewMockSynthesizer(),
			)
			setup.detail = "elevenlabs realtime (mock fallback)"
		}
		return setup, true
	}

	switch mode {
	case "elevenlabs":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		if cfg.VoiceFallbackMock {
			return mock("mock (elevenlabs unavailable)"), nil
		}
		return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=elevenlabs but ELEVENLABS_API_KEY is not set")
	case "mock":
		return mock("mock"), nil
	case "auto":
		if setup, ok := tryElevenLabs(); ok {
			return setup, nil
		}
		return mock("mock (no elevenlabs key)"), nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|elevenlabs|mock)", cfg.VoiceProvider)
	}
}
