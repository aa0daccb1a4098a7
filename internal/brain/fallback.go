package brain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/talkinghead/internal/memory"
)

// FallbackGenerator tries primary first and falls back on error. Context
// cancellation is returned as is.
type FallbackGenerator struct {
	primary  Generator
	fallback Generator
}

func NewFallbackGenerator(primary, fallback Generator) *FallbackGenerator {
	return &FallbackGenerator{primary: primary, fallback: fallback}
}

func (g *FallbackGenerator) Generate(ctx context.Context, history []memory.Turn) (string, error) {
	if g.primary == nil {
		if g.fallback == nil {
			return "", errors.New("fallback generator misconfigured")
		}
		return g.fallback.Generate(ctx, history)
	}
	text, err := g.primary.Generate(ctx, history)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || g.fallback == nil {
		return "", err
	}
	text, fallbackErr := g.fallback.Generate(ctx, history)
	if fallbackErr != nil {
		return "", fmt.Errorf("primary generator error: %w; fallback generator error: %v", err, fallbackErr)
	}
	return text, nil
}
