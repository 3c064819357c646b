package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"volunteerops/internal/domain"
)

// AchievementCache holds per-user unlocked achievement lists. Misses and
// backend errors fall through to the database.
//
// Every Invalidate bumps the user's generation. A reader takes the
// generation before loading from the database and hands it to Set, which
// drops the list when an Invalidate ran in between.
type AchievementCache interface {
	Get(ctx context.Context, userID string) ([]domain.UserAchievement, bool)
	Generation(ctx context.Context, userID string) (int64, bool)
	Set(ctx context.Context, userID string, gen int64, list []domain.UserAchievement)
	Invalidate(ctx context.Context, userID string)
}

type MemoryCache struct {
	mu    sync.RWMutex
	items map[string][]domain.UserAchievement
	gens  map[string]int64
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string][]domain.UserAchievement), gens: make(map[string]int64)}
}

func (c *MemoryCache) Get(ctx context.Context, userID string) ([]domain.UserAchievement, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	list, ok := c.items[userID]
	return list, ok
}

func (c *MemoryCache) Generation(ctx context.Context, userID string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[userID], true
}

func (c *MemoryCache) Set(ctx context.Context, userID string, gen int64, list []domain.UserAchievement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[userID] != gen {
		return
	}
	c.items[userID] = list
}

func (c *MemoryCache) Invalidate(ctx context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, userID)
	c.gens[userID]++
}

// RedisCache shares the cache between bot and API processes.
type RedisCache struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string
	Logger *slog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{Client: client, TTL: ttl, Prefix: "achievements:"}
}

func (c *RedisCache) key(userID string) string { return c.Prefix + userID }

func (c *RedisCache) genKey(userID string) string { return c.Prefix + "gen:" + userID }

func (c *RedisCache) Get(ctx context.Context, userID string) ([]domain.UserAchievement, bool) {
	raw, err := c.Client.Get(ctx, c.key(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.warn("cache get", userID, err)
		}
		return nil, false
	}
	var list []domain.UserAchievement
	if err := json.Unmarshal(raw, &list); err != nil {
		c.warn("cache decode", userID, err)
		return nil, false
	}
	return list, true
}

func (c *RedisCache) Generation(ctx context.Context, userID string) (int64, bool) {
	gen, err := c.Client.Get(ctx, c.genKey(userID)).Int64()
	switch {
	case err == redis.Nil:
		return 0, true
	case err != nil:
		c.warn("cache generation", userID, err)
		return 0, false
	}
	return gen, true
}

// Set writes the list only while the generation key still reads gen. WATCH
// aborts the write when an Invalidate lands between the check and the SET.
func (c *RedisCache) Set(ctx context.Context, userID string, gen int64, list []domain.UserAchievement) {
	raw, err := json.Marshal(list)
	if err != nil {
		return
	}
	genKey := c.genKey(userID)
	err = c.Client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && err != redis.Nil {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(userID), raw, c.TTL)
			return nil
		})
		return err
	}, genKey)
	if err != nil && err != redis.TxFailedErr {
		c.warn("cache set", userID, err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, userID string) {
	_, err := c.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, c.genKey(userID))
		pipe.Del(ctx, c.key(userID))
		return nil
	})
	if err != nil {
		c.warn("cache invalidate", userID, err)
	}
}

func (c *RedisCache) warn(op, userID string, err error) {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Warn(op, "user", userID, "err", err)
}
