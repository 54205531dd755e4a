package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps whole session histories as JSON values with a sliding TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(addr, password string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		ttl: ttl,
	}
}

func sessionKey(sessionID string) string {
	return "chat:session:" + sessionID
}

func (c *RedisCache) Get(ctx context.Context, sessionID string) ([]Message, bool, error) {
	raw, err := c.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", sessionID, err)
	}

	var msgs []Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, false, fmt.Errorf("cache decode %s: %w", sessionID, err)
	}
	return msgs, true, nil
}

func (c *RedisCache) Set(ctx context.Context, sessionID string, msgs []Message) error {
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", sessionID, err)
	}
	if err := c.client.Set(ctx, sessionKey(sessionID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", sessionID, err)
	}
	return nil
}

func (c *RedisCache) Append(ctx context.Context, sessionID string, msg Message) error {
	msgs, _, err := c.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return c.Set(ctx, sessionID, append(msgs, msg))
}

func (c *RedisCache) Delete(ctx context.Context, sessionID string) error {
	if err := c.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", sessionID, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
