package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrCacheMiss = errors.New("cache miss")

const scanBatch = 200

// Cache is a disposable JSON read-through store. A nil *Cache behaves as an
// always-missing cache so callers can run without Redis.
type Cache struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

func New(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{client: client, ttl: ttl, logger: logger}
}

// Key builds "op:arg1:arg2". Entries of one operation share the "op:" prefix.
func Key(op string, args ...any) string {
	var b strings.Builder
	b.WriteString(op)
	for _, a := range args {
		b.WriteByte(':')
		fmt.Fprint(&b, a)
	}
	return b.String()
}

func (c *Cache) Get(ctx context.Context, key string, dest any) error {
	if c == nil {
		return ErrCacheMiss
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, v any) error {
	if c == nil {
		return nil
	}
	return c.SetTTL(ctx, key, v, c.ttl)
}

// SetTTL stores v under key for ttl instead of the cache default.
func (c *Cache) SetTTL(ctx context.Context, key string, v any, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if c == nil || len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix. It walks the keyspace
// with SCAN so large keyspaces do not block the server.
func (c *Cache) DeletePrefix(ctx context.Context, prefix string) error {
	if c == nil {
		return nil
	}
	iter := c.client.Scan(ctx, 0, escapePattern(prefix)+"*", scanBatch).Iterator()
	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := c.Delete(ctx, batch...); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan %s*: %w", prefix, err)
	}
	return c.Delete(ctx, batch...)
}

// Invalidate drops exact keys and key prefixes. Failures are logged only:
// the database stays authoritative and entries expire after the TTL anyway.
func (c *Cache) Invalidate(ctx context.Context, keys []string, prefixes ...string) {
	if c == nil {
		return
	}
	if err := c.Delete(ctx, keys...); err != nil {
		c.logger.Warn("cache invalidate keys", zap.Strings("keys", keys), zap.Error(err))
	}
	for _, p := range prefixes {
		if err := c.DeletePrefix(ctx, p); err != nil {
			c.logger.Warn("cache invalidate prefix", zap.String("prefix", p), zap.Error(err))
		}
	}
}

// Aside returns the cached value for key, or calls load and stores its result.
// Errors from load are returned as is and never cached.
//
// A load that started before a concurrent Invalidate may store its result
// after it. Such a stale entry lives until its TTL runs out, so values that
// change under concurrent writers should go through AsideTTL with a short ttl.
func Aside[T any](ctx context.Context, c *Cache, key string, load func(context.Context) (T, error)) (T, error) {
	var ttl time.Duration
	if c != nil {
		ttl = c.ttl
	}
	return AsideTTL(ctx, c, key, ttl, load)
}

// AsideTTL is Aside with an explicit expiry for the stored value.
func AsideTTL[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var v T
	err := c.Get(ctx, key, &v)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
	}

	v, err = load(ctx)
	if err != nil {
		return v, err
	}
	if err := c.SetTTL(ctx, key, v, ttl); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

func escapePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
