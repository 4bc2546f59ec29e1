package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"appforge/pkg/domain"
)

const (
	defaultRedisPrefix = "appforge:conversation"
	defaultSnapshotTTL = 24 * time.Hour
	redisOpTimeout     = 2 * time.Second
)

// RedisCache shares conversation snapshots across replicas. Failures degrade
// to a cache miss, which the resolver treats as fall-back-to-history.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects a snapshot cache to Redis.
func NewRedisCache(addr, password, prefix string, ttl time.Duration) *RedisCache {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if ttl <= 0 {
		ttl = defaultSnapshotTTL
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password}),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *RedisCache) key(traceID string) string {
	return c.prefix + ":" + traceID
}

func (c *RedisCache) Get(traceID string) (domain.ConversationSnapshot, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	raw, err := c.client.Get(ctx, c.key(traceID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("conversation cache get failed", "trace_id", traceID, "err", err)
		}
		return domain.ConversationSnapshot{}, false
	}
	var snap domain.ConversationSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		slog.Warn("conversation cache entry corrupt", "trace_id", traceID, "err", err)
		return domain.ConversationSnapshot{}, false
	}
	return snap, true
}

func (c *RedisCache) Set(traceID string, snapshot domain.ConversationSnapshot) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		slog.Warn("conversation cache encode failed", "trace_id", traceID, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := c.client.Set(ctx, c.key(traceID), raw, c.ttl).Err(); err != nil {
		slog.Warn("conversation cache set failed", "trace_id", traceID, "err", err)
	}
}

func (c *RedisCache) Rekey(oldTraceID, newTraceID string) {
	if oldTraceID == newTraceID {
		return
	}
	snap, ok := c.Get(oldTraceID)
	if !ok {
		return
	}
	c.Set(newTraceID, snap)
	c.Delete(oldTraceID)
}

func (c *RedisCache) Delete(traceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := c.client.Del(ctx, c.key(traceID)).Err(); err != nil {
		slog.Warn("conversation cache delete failed", "trace_id", traceID, "err", err)
	}
}
