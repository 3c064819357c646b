package app

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"volunteerops/internal/config"
	"volunteerops/internal/delivery"
	"volunteerops/internal/domain"
	"volunteerops/internal/engine"
	"volunteerops/internal/session"
)

func writeConfig(t *testing.T, workspace, extra string) {
	t.Helper()
	data := config.GenerateDefault() + extra
	if err := os.WriteFile(config.Path(workspace), []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestOpenWiresRedisAndChannels(t *testing.T) {
	mr := miniredis.RunT(t)
	workspace := t.TempDir()
	writeConfig(t, workspace, "\nredis:\n  addr: "+mr.Addr()+"\n")

	chat := &delivery.MemoryChat{}
	a, err := Open(context.Background(), workspace, Options{Channels: true, Chat: chat})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()

	if _, ok := a.Engine.Achievements.(*engine.RedisCache); !ok {
		t.Fatalf("achievement cache should use redis, got %T", a.Engine.Achievements)
	}
	if _, ok := a.Sessions().Store.(*session.RedisStore); !ok {
		t.Fatalf("sessions should use redis")
	}
	achievements, err := a.Engine.Repo.ListAchievements(context.Background())
	if err != nil || len(achievements) == 0 {
		t.Fatalf("achievements should be seeded: %v %v", achievements, err)
	}

	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := a.Engine.Repo.UpsertUser(ctx, domain.User{ID: "v1", Name: "Vera", Role: domain.RoleVolunteer, ChatID: 10, CreatedAt: now}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rcpts, err := a.Engine.Recipients.ForUsers(ctx, []string{"v1"})
	if err != nil {
		t.Fatalf("recipients: %v", err)
	}
	rep := a.Engine.Dispatcher.Dispatch(ctx, rcpts, delivery.Message{Title: "Hi", Body: "there"}, []delivery.ChannelName{delivery.Chat})
	if len(rep.Failed) != 0 || len(chat.SentTo(10)) != 1 {
		t.Fatalf("chat channel not wired: %+v", rep)
	}

	if _, err := a.Handler(false); err == nil {
		t.Fatalf("handler without jwt secret should fail")
	}
	if _, err := a.Poller(); err == nil {
		t.Fatalf("poller without telegram token should fail")
	}
}

func TestOpenWithoutConfigUsesDefaults(t *testing.T) {
	a, err := Open(context.Background(), t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer a.Close()
	if a.Redis != nil || a.Chat != nil {
		t.Fatalf("no integrations expected: %+v", a)
	}
	if _, ok := a.Sessions().Store.(*session.MemoryStore); !ok {
		t.Fatalf("sessions should default to memory")
	}
}

func TestOpenRejectsUnreachableRedis(t *testing.T) {
	workspace := t.TempDir()
	writeConfig(t, workspace, "\nredis:\n  addr: 127.0.0.1:1\n")
	if _, err := Open(context.Background(), workspace, Options{}); err == nil || !strings.Contains(err.Error(), "redis") {
		t.Fatalf("want redis error, got %v", err)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "debug"
	var buf bytes.Buffer
	NewLogger(cfg, &buf).Debug("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"k":"v"`) {
		t.Fatalf("json log %q", buf.String())
	}
	buf.Reset()
	cfg.Log.Format = "text"
	cfg.Log.Level = "warn"
	NewLogger(cfg, &buf).Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn: %q", buf.String())
	}
}
