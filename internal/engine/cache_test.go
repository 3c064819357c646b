package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"volunteerops/internal/domain"
	"volunteerops/internal/engine"
)

func TestRedisCacheRoundTripAndInvalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cache := engine.NewRedisCache(client, time.Minute)
	ctx := context.Background()

	if _, ok := cache.Get(ctx, "v1"); ok {
		t.Fatalf("empty cache should miss")
	}
	cache.Set(ctx, "v1", 0, []domain.UserAchievement{{UserID: "v1", AchievementID: "first-steps", Title: "First steps"}})
	got, ok := cache.Get(ctx, "v1")
	if !ok || len(got) != 1 || got[0].AchievementID != "first-steps" {
		t.Fatalf("unexpected cached list %+v %v", got, ok)
	}
	mr.FastForward(2 * time.Minute)
	if _, ok := cache.Get(ctx, "v1"); ok {
		t.Fatalf("entry should expire with its ttl")
	}
	cache.Set(ctx, "v1", 0, nil)
	cache.Invalidate(ctx, "v1")
	if _, ok := cache.Get(ctx, "v1"); ok {
		t.Fatalf("invalidated entry should miss")
	}
}

func TestUnlockInvalidatesCachedList(t *testing.T) {
	env := newTestEnv(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	env.Engine.Achievements = engine.NewRedisCache(client, time.Hour)

	list, err := env.Engine.ListUserAchievements(env.Ctx, "v2")
	if err != nil || len(list) != 0 {
		t.Fatalf("expected empty list, got %+v %v", list, err)
	}
	if _, err := env.Engine.ApplyRatingDelta(env.Ctx, "v2", 5, "org"); err != nil {
		t.Fatal(err)
	}
	list, err = env.Engine.ListUserAchievements(env.Ctx, "v2")
	if err != nil || len(list) != 1 {
		t.Fatalf("cache should have been invalidated by the unlock, got %+v %v", list, err)
	}
}

func TestSetAfterInvalidateIsDropped(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	caches := map[string]engine.AchievementCache{
		"memory": engine.NewMemoryCache(),
		"redis":  engine.NewRedisCache(client, time.Minute),
	}
	stale := []domain.UserAchievement{}
	fresh := []domain.UserAchievement{{UserID: "v1", AchievementID: "first-steps"}}
	for name, cache := range caches {
		ctx := context.Background()
		gen, ok := cache.Generation(ctx, "v1")
		if !ok {
			t.Fatalf("%s: generation unavailable", name)
		}
		// An unlock lands while the reader is still loading the old list.
		cache.Invalidate(ctx, "v1")
		cache.Set(ctx, "v1", gen, stale)
		if _, ok := cache.Get(ctx, "v1"); ok {
			t.Fatalf("%s: list read before the invalidate should not be cached", name)
		}
		gen, _ = cache.Generation(ctx, "v1")
		cache.Set(ctx, "v1", gen, fresh)
		got, ok := cache.Get(ctx, "v1")
		if !ok || len(got) != 1 {
			t.Fatalf("%s: current generation should be cached, got %+v %v", name, got, ok)
		}
	}
}
