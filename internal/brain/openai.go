package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ent0n29/talkinghead/internal/memory"
)

// OpenAIGenerator calls an OpenAI-compatible chat completions endpoint.
type OpenAIGenerator struct {
	client       *openai.Client
	model        string
	systemPrompt string
	maxTokens    int
	temperature  float64
}

func NewOpenAIGenerator(cfg Config) (*OpenAIGenerator, error) {
	cfg = withDefaults(cfg)
	apiKey := strings.TrimSpace(cfg.OpenAIAPIKey)
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(cfg.OpenAIBaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)
	return &OpenAIGenerator{
		client:       &client,
		model:        cfg.OpenAIModel,
		systemPrompt: cfg.SystemPrompt,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
	}, nil
}

func (g *OpenAIGenerator) Generate(ctx context.Context, history []memory.Turn) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       g.model,
		Messages:    openAIMessages(g.systemPrompt, history),
		MaxTokens:   openai.Int(int64(g.maxTokens)),
		Temperature: openai.Float(g.temperature),
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func openAIMessages(systemPrompt string, history []memory.Turn) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	params = append(params, openai.SystemMessage(systemPrompt))
	for _, turn := range history {
		switch turn.Role {
		case memory.RoleUser:
			params = append(params, openai.UserMessage(turn.Content))
		case memory.RoleAssistant:
			params = append(params, openai.AssistantMessage(turn.Content))
		}
	}
	return params
}
