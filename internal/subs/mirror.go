package subs

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisMirror mirrors the active-universe snapshot into a redis set so
// operator tooling can inspect it without touching the process. The
// mirror is best-effort; publish failures never block scheduling.
type RedisMirror struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisMirror connects to redis and verifies the connection.
func NewRedisMirror(ctx context.Context, addr, key string, ttl time.Duration) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect active-set mirror: %w", err)
	}
	log.Info().Str("addr", addr).Str("key", key).Msg("Redis mirror connected")
	return &RedisMirror{client: client, key: key, ttl: ttl}, nil
}

// PublishActive replaces the mirrored set atomically via a pipeline.
func (m *RedisMirror) PublishActive(ctx context.Context, symbols []string) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.key)
	if len(symbols) > 0 {
		members := make([]interface{}, len(symbols))
		for i, s := range symbols {
			members[i] = s
		}
		pipe.SAdd(ctx, m.key, members...)
	}
	if m.ttl > 0 {
		pipe.Expire(ctx, m.key, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish active set: %w", err)
	}
	return nil
}

// Close releases the redis connection.
func (m *RedisMirror) Close() error { return m.client.Close() }
