package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "talkinghead:history:"

// RedisStore keeps each session's turns in a capped list that expires after
// the configured idle TTL.
type RedisStore struct {
	client *redis.Client
	limit  int
	ttl    time.Duration
}

func NewRedisStore(ctx context.Context, rawURL, password string, limit int, ttl time.Duration) (*RedisStore, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	opts, err := redisOptions(rawURL, password)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, limit: limit, ttl: ttl}, nil
}

func redisOptions(rawURL, password string) (*redis.Options, error) {
	rawURL = strings.TrimSpace(rawURL)
	if strings.HasPrefix(rawURL, "redis://") || strings.HasPrefix(rawURL, "rediss://") {
		opts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		if password != "" {
			opts.Password = password
		}
		return opts, nil
	}
	return &redis.Options{Addr: rawURL, Password: password}, nil
}

func (s *RedisStore) Append(ctx context.Context, turn Turn) error {
	turn = normalize(turn)
	payload, err := sonic.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	key := redisKeyPrefix + turn.SessionID
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, int64(-s.limit), -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, sessionID string) ([]Turn, error) {
	raw, err := s.client.LRange(ctx, redisKeyPrefix+sessionID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := sonic.UnmarshalString(item, &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, redisKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

func (s *RedisStore) Sessions(ctx context.Context) ([]string, error) {
	var ids []string
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), redisKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
