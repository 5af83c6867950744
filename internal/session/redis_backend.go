package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend persists sessions in Redis, keyed as
// "<prefix><conversation_id>" with a ":meta" sidecar key carrying
// tracking metadata, mirroring the original RedisSessionStorage.
type RedisBackend struct {
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
}

// NewRedisBackend builds a RedisBackend from a connection URL (e.g.
// "redis://localhost:6379/0"), per spec.md §6 storage config.
func NewRedisBackend(redisURL, keyPrefix string, defaultTTL time.Duration, maxConnections int) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("session: redis: parse url: %w", err)
	}
	if maxConnections > 0 {
		opts.PoolSize = maxConnections
	}
	return &RedisBackend{
		client:     redis.NewClient(opts),
		keyPrefix:  keyPrefix,
		defaultTTL: defaultTTL,
	}, nil
}

// Start is a no-op: Redis TTLs expire sessions natively, so there is no
// background sweep to run.
func (b *RedisBackend) Start(ctx context.Context, maxAge, sweepInterval time.Duration) error {
	return nil
}

func (b *RedisBackend) sessionKey(conversationID string) string {
	return b.keyPrefix + conversationID
}

func (b *RedisBackend) metaKey(conversationID string) string {
	return b.keyPrefix + conversationID + ":meta"
}

type redisMeta struct {
	ConversationID string `json:"conversation_id"`
	CreatedAt      int64  `json:"created_at"`
	LastActivity   int64  `json:"last_activity"`
	TTLSeconds     int64  `json:"ttl"`
}

func (b *RedisBackend) Store(ctx context.Context, conversationID string, data []byte) error {
	if err := b.client.Set(ctx, b.sessionKey(conversationID), data, b.defaultTTL).Err(); err != nil {
		return fmt.Errorf("session: redis: store: %w", err)
	}

	meta := redisMeta{
		ConversationID: conversationID,
		CreatedAt:      time.Now().Unix(),
		LastActivity:   time.Now().Unix(),
		TTLSeconds:     int64(b.defaultTTL.Seconds()),
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("session: redis: marshal meta: %w", err)
	}
	if err := b.client.Set(ctx, b.metaKey(conversationID), metaBytes, b.defaultTTL).Err(); err != nil {
		return fmt.Errorf("session: redis: store meta: %w", err)
	}
	return nil
}

func (b *RedisBackend) Retrieve(ctx context.Context, conversationID string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, b.sessionKey(conversationID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("session: redis: retrieve: %w", err)
	}

	_ = b.client.Expire(ctx, b.metaKey(conversationID), b.defaultTTL).Err()
	return data, true, nil
}

func (b *RedisBackend) Delete(ctx context.Context, conversationID string) (bool, error) {
	n, err := b.client.Del(ctx, b.sessionKey(conversationID), b.metaKey(conversationID)).Result()
	if err != nil {
		return false, fmt.Errorf("session: redis: delete: %w", err)
	}
	return n > 0, nil
}

func (b *RedisBackend) ListActive(ctx context.Context) ([]string, error) {
	pattern := b.keyPrefix + "*"
	var ids []string

	iter := b.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) >= 5 && key[len(key)-5:] == ":meta" {
			continue
		}
		ids = append(ids, key[len(b.keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("session: redis: list active: %w", err)
	}
	return ids, nil
}

// CleanupExpired is a no-op for Redis: TTLs perform expiry natively.
// Kept to satisfy Backend so callers don't need backend-specific logic.
func (b *RedisBackend) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

func (b *RedisBackend) Stats(ctx context.Context) (map[string]interface{}, error) {
	ids, err := b.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"backend":        "redis",
		"total_sessions": len(ids),
		"default_ttl":    b.defaultTTL.String(),
	}, nil
}

// Stop is a no-op, matching Start; use Close to release the connection
// pool itself.
func (b *RedisBackend) Stop() error {
	return nil
}

// Close releases the underlying Redis connection pool.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
