package brain

import (
	"context"
	"fmt"

	"github.com/ent0n29/talkinghead/internal/memory"
)

// MockGenerator provides deterministic local replies when no model is
// configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, history []memory.Turn) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	base := lastUserText(history)
	if base == "" {
		base = "I am listening."
	}
	return fmt.Sprintf("I heard you: %s", base), nil
}
