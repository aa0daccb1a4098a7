package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ent0n29/talkinghead/internal/memory"
)

// GeminiGenerator calls the Gemini API through the genai SDK.
type GeminiGenerator struct {
	client *genai.Client
	model  string
	config *genai.GenerateContentConfig
}

func NewGeminiGenerator(ctx context.Context, cfg Config) (*GeminiGenerator, error) {
	cfg = withDefaults(cfg)
	apiKey := strings.TrimSpace(cfg.GeminiAPIKey)
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("genai client: %w", err)
	}
	temperature := float32(cfg.Temperature)
	return &GeminiGenerator{
		client: client,
		model:  cfg.GeminiModel,
		config: &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(cfg.SystemPrompt)}},
			MaxOutputTokens:   int32(cfg.MaxTokens),
			Temperature:       &temperature,
		},
	}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, history []memory.Turn) (string, error) {
	contents := geminiContents(history)
	if len(contents) == 0 {
		return "", errors.New("gemini generate: empty history")
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, g.config)
	if err != nil {
		return "", fmt.Errorf("genai generate: %w", err)
	}

	var sb strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// geminiContents maps the turn log onto Gemini roles. The API names the
// assistant role "model".
func geminiContents(history []memory.Turn) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, turn := range history {
		role := "user"
		if turn.Role == memory.RoleAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{genai.NewPartFromText(turn.Content)},
		})
	}
	return out
}
