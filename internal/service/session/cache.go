package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
)

// RedisCache stores whole sessions as JSON under session:<id>.
type RedisCache struct {
	rdb *goredis.Client
	ttl time.Duration
}

// NewRedisClient parses url and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	rdb := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func NewRedisCache(rdb *goredis.Client, ttl time.Duration) *RedisCache {
	if ttl < time.Second {
		ttl = 2 * time.Hour
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func cacheKey(id string) string {
	return "session:" + id
}

// Get returns (nil, nil) on a cache miss.
func (c *RedisCache) Get(ctx context.Context, id string) (*chat.Session, error) {
	raw, err := c.rdb.Get(ctx, cacheKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess chat.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode cached session: %w", err)
	}
	return &sess, nil
}

func (c *RedisCache) Set(ctx context.Context, sess *chat.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, cacheKey(sess.ID), raw, c.ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, cacheKey(id)).Err()
}

func (c *RedisCache) Touch(ctx context.Context, id string) error {
	return c.rdb.Expire(ctx, cacheKey(id), c.ttl).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
