package memory

import (
	"context"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one user or assistant message in a session's conversation.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`
}

// Store keeps the ordered, bounded turn log of each session. Appending beyond
// the limit evicts the oldest turns.
type Store interface {
	Append(ctx context.Context, turn Turn) error
	History(ctx context.Context, sessionID string) ([]Turn, error)
	Clear(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]string, error)
	Close() error
}
