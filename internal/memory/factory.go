package memory

import (
	"context"
	"strings"
	"time"
)

type Options struct {
	Limit         int
	RedisURL      string
	RedisPassword string
	TTL           time.Duration
	DatabaseURL   string
}

// NewStore picks redis when REDIS_URL is set, postgres when DATABASE_URL is
// set, and the in-process store otherwise.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch {
	case strings.TrimSpace(opts.RedisURL) != "":
		return NewRedisStore(ctx, opts.RedisURL, opts.RedisPassword, opts.Limit, opts.TTL)
	case strings.TrimSpace(opts.DatabaseURL) != "":
		return NewPostgresStore(ctx, opts.DatabaseURL, opts.Limit)
	default:
		return NewInMemoryStore(opts.Limit), nil
	}
}
