package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ent0n29/talkinghead/internal/brain"
	"github.com/ent0n29/talkinghead/internal/config"
	"github.com/ent0n29/talkinghead/internal/conversation"
	"github.com/ent0n29/talkinghead/internal/events"
	"github.com/ent0n29/talkinghead/internal/httpapi"
	"github.com/ent0n29/talkinghead/internal/memory"
	"github.com/ent0n29/talkinghead/internal/observability"
	"github.com/ent0n29/talkinghead/internal/recognition"
	"github.com/ent0n29/talkinghead/internal/session"
	"github.com/ent0n29/talkinghead/internal/synthesis"
)

type VoiceInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Recognition  *recognition.Manager
	Synthesis    *synthesis.Manager
	Conversation *conversation.Orchestrator
	Metrics      *observability.Metrics
	Voice        VoiceInfo

	// Cleanup stops the pipeline and releases external resources (stores, NATS).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, memory.Options{
		Limit:         cfg.HistoryLimit,
		RedisURL:      cfg.RedisURL,
		RedisPassword: cfg.RedisPassword,
		TTL:           cfg.HistoryTTL,
		DatabaseURL:   cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	generator, err := brain.NewGenerator(ctx, brain.Config{
		Provider:      cfg.BrainProvider,
		SystemPrompt:  cfg.BrainSystemPrompt,
		MaxTokens:     cfg.OpenAIMaxTokens,
		Temperature:   cfg.OpenAITemperature,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAIModel,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		GeminiModel:   cfg.GeminiModel,
		HTTPURL:       cfg.BrainHTTPURL,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("brain init failed: %w", err)
	}

	setup, err := resolveVoiceEngines(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cfg.VoiceProvider = setup.resolvedProvider

	hubOpts := []events.Option{
		events.WithDropHook(func(ev events.Event) { metrics.HubDrop(ev.Type) }),
		events.WithLogger(logger.With(slog.String("component", "events"))),
	}
	var mirror *events.NATSMirror
	if cfg.NATSURL != "" {
		// The pipeline works without the mirror; a broker outage only loses
		// the external event feed.
		mirror, err = events.ConnectNATS(events.NATSConfig{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		}, logger)
		if err != nil {
			logger.Warn("nats mirror disabled", slog.Any("error", err))
			mirror = nil
		} else {
			hubOpts = append(hubOpts, events.WithMirror(mirror))
		}
	}
	hub := events.NewHub(hubOpts...)

	sessions := session.NewManager(cfg.SessionInactivityTimeout, cfg.ResultLogLimit)

	rec := recognition.NewManager(setup.recognizer, sessions, hub, metrics, logger, recognition.Config{
		QueueSize: cfg.AudioQueueSize,
	})
	syn := synthesis.NewManager(setup.synthesizer, hub, metrics, logger, synthesis.Config{
		DefaultVoice: session.VoiceParams{Name: cfg.TTSDefaultVoice, Language: cfg.TTSDefaultLanguage},
		Timeout:      cfg.SynthesisTimeout,
	})
	voices := func(sessionID string) *session.VoiceParams {
		s, err := rec.Get(sessionID)
		if err != nil {
			return nil
		}
		return s.Voice
	}
	conv := conversation.NewOrchestrator(store, generator, syn, voices, hub, metrics, logger, conversation.Config{
		GenerationTimeout: cfg.GenerationTimeout,
		SynthesisTimeout:  cfg.SynthesisTimeout,
	})
	rec.SetFinalHandler(conv.OnFinalResult)
	rec.SetEndHandler(conv.OnSessionEnd)

	api := httpapi.New(cfg, httpapi.Deps{
		Recognition:  rec,
		Synthesis:    syn,
		Conversation: conv,
		Hub:          hub,
		Metrics:      metrics,
		Logger:       logger,
	})

	cleanup := func() error {
		rec.Shutdown()
		conv.Shutdown()
		syn.Shutdown()
		if mirror != nil {
			mirror.Close()
		}
		if err := store.Close(); err != nil {
			return fmt.Errorf("close memory store: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Recognition:  rec,
		Synthesis:    syn,
		Conversation: conv,
		Metrics:      metrics,
		Voice: VoiceInfo{
			Provider: setup.resolvedProvider,
			Detail:   setup.detail,
		},
		Cleanup: cleanup,
	}, nil
}
