package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"volunteerops/internal/bot"
	"volunteerops/internal/campaign"
	"volunteerops/internal/config"
	"volunteerops/internal/db"
	"volunteerops/internal/delivery"
	"volunteerops/internal/dispatch"
	"volunteerops/internal/engine"
	"volunteerops/internal/media"
	"volunteerops/internal/migrate"
	"volunteerops/internal/server"
	"volunteerops/internal/session"
)

// Options control which outbound integrations Open connects. Commands that
// only read the database leave Channels off so they work without network
// credentials.
type Options struct {
	Channels bool
	Logger   *slog.Logger
	// Chat replaces the Telegram sender, mostly in tests.
	Chat delivery.ChatSender
}

// App is a fully wired process: database, engine, delivery channels and
// the background campaign runner.
type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Campaigns *campaign.Runner
	Redis     *redis.Client
	Telegram  *delivery.Telegram
	Chat      delivery.ChatSender
	Logger    *slog.Logger
}

// NewLogger builds the process logger from the log section of the config.
func NewLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Open loads the workspace config, migrates the database and wires the
// engine. The caller must Close the returned App.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: workspace, Config: cfg, DB: conn, Logger: logger}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts Options) error {
	if err := migrate.Migrate(a.DB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(a.DB, a.Config)
	eng.Logger = a.Logger

	store, err := media.New(ctx, a.Config.Media, a.Workspace)
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	eng.Media = store

	if addr := strings.TrimSpace(a.Config.Redis.Addr); addr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: addr, Password: a.Config.Redis.Password, DB: a.Config.Redis.DB})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", addr, err)
		}
		cache := engine.NewRedisCache(a.Redis, time.Hour)
		cache.Logger = a.Logger
		eng.Achievements = cache
	}

	var channels []delivery.Channel
	if opts.Channels {
		channels, err = a.channels(opts, eng)
		if err != nil {
			return err
		}
	}
	eng.Dispatcher = dispatch.New(a.Config.Dispatch.Workers, channels, dispatch.WithImages(eng.Media), dispatch.WithLogger(a.Logger))
	a.Engine = eng
	a.Campaigns = campaign.New(eng, a.Config.Dispatch.Workers)
	if err := eng.SeedAchievements(ctx); err != nil {
		return fmt.Errorf("seed achievements: %w", err)
	}
	return nil
}

// channels builds one delivery channel per configured provider. A provider
// without credentials is simply absent; its recipients count as skipped.
func (a *App) channels(opts Options, eng engine.Engine) ([]delivery.Channel, error) {
	retry := delivery.RetryPolicyFromConfig(a.Config.Dispatch)
	var out []delivery.Channel

	a.Chat = opts.Chat
	if a.Chat == nil && strings.TrimSpace(a.Config.Telegram.Token) != "" {
		tg, err := delivery.NewTelegram(a.Config.Telegram.Token)
		if err != nil {
			return nil, err
		}
		a.Telegram = tg
		a.Chat = tg
	}
	if a.Chat != nil {
		out = append(out, delivery.ChatChannel{Sender: a.Chat, Retry: retry})
	}
	if strings.TrimSpace(a.Config.Push.ServerKey) != "" {
		out = append(out, delivery.PushChannel{
			Sender: &delivery.FCM{Endpoint: a.Config.Push.Endpoint, ServerKey: a.Config.Push.ServerKey},
			Retry:  retry,
			Prune:  eng.Recipients.PruneTokens,
			Logger: a.Logger,
		})
	}
	if e := a.Config.Email; strings.TrimSpace(e.SMTPHost) != "" {
		out = append(out, delivery.EmailChannel{
			Sender: delivery.NewSMTP(e.SMTPHost, e.SMTPPort, e.SMTPUser, e.SMTPPassword, e.FromEmail),
			Retry:  retry,
		})
	}
	names := make([]string, 0, len(out))
	for _, ch := range out {
		names = append(names, string(ch.Name()))
	}
	a.Logger.Info("delivery channels", "channels", names)
	return out, nil
}

// Sessions returns the dialogue state machine, shared through Redis when
// configured.
func (a *App) Sessions() *session.Machine {
	var store session.Store = session.NewMemoryStore()
	if a.Redis != nil {
		store = session.NewRedisStore(a.Redis)
	}
	return session.NewMachine(store, a.Config.Session.Timeout)
}

// Handler builds the HTTP API.
func (a *App) Handler(devLogin bool) (http.Handler, error) {
	secret := a.Config.Server.JWTSecret
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("server.jwt_secret is required for bearer auth")
	}
	return server.New(server.Config{
		Engine:    a.Engine,
		Campaigns: a.Campaigns,
		BasePath:  a.Config.Server.BasePath,
		Auth:      server.AuthConfig{JWTSecret: secret, DevLogin: devLogin, Logger: a.Logger},
	})
}

// Poller builds the Telegram long-poll loop.
func (a *App) Poller() (*bot.Poller, error) {
	if a.Telegram == nil {
		return nil, errors.New("telegram.token is required to run the bot")
	}
	router := bot.NewRouter(a.Engine, a.Sessions(), a.Chat)
	return &bot.Poller{
		API:     a.Telegram.API,
		Router:  router,
		Workers: a.Config.Dispatch.Workers,
		Timeout: a.Config.Telegram.PollTimeout,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Webhooks builds the event relay for the configured hooks.
func (a *App) Webhooks() *server.WebhookRelay {
	return server.NewWebhookRelay(a.Engine.Repo, a.Config.Webhooks, a.Logger)
}

// RunSweeper closes overdue tasks every expiry interval until ctx ends.
func (a *App) RunSweeper(ctx context.Context) error {
	interval := a.Config.Expiry.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := a.Logger.With("component", "sweeper")
	for {
		res, err := a.Engine.ExpireOverdue(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("expire overdue", "err", err)
		} else if len(res.Closed) > 0 {
			log.Info("closed overdue tasks", "closed", len(res.Closed), "incomplete", res.ClosedIncomplete)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close waits for running campaigns and releases connections.
func (a *App) Close() error {
	if a.Campaigns != nil {
		a.Campaigns.Shutdown()
	}
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
