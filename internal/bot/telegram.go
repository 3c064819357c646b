package bot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sourcegraph/conc/pool"
)

const maxPhotoBytes = 20 << 20

// Poller feeds Telegram long-poll updates into a Router.
type Poller struct {
	API     *tgbotapi.BotAPI
	Router  *Router
	Workers int
	Timeout int
	HTTP    *http.Client
}

// Run polls until ctx is cancelled. Updates are handled concurrently; the
// router serialises updates that belong to the same chat.
func (p *Poller) Run(ctx context.Context) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = p.Timeout
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30
	}
	cfg.AllowedUpdates = []string{"message", "callback_query"}
	updates := p.API.GetUpdatesChan(cfg)
	defer p.API.StopReceivingUpdates()

	workers := p.Workers
	if workers <= 0 {
		workers = 4
	}
	wp := pool.New().WithMaxGoroutines(workers)
	defer wp.Wait()

	log := p.Router.logger()
	log.Info("bot polling", "account", p.API.Self.UserName, "workers", workers)
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-updates:
			if !ok {
				return nil
			}
			wp.Go(func() {
				u, ok := p.convert(ctx, raw)
				if !ok {
					return
				}
				if err := p.Router.Handle(ctx, u); err != nil {
					log.Error("handle update", "chat", u.ChatID, "update", raw.UpdateID, "err", err)
				}
			})
		}
	}
}

func (p *Poller) convert(ctx context.Context, raw tgbotapi.Update) (Update, bool) {
	if cq := raw.CallbackQuery; cq != nil {
		if _, err := p.API.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			p.Router.logger().Warn("answer callback", "err", err)
		}
		if cq.Message == nil {
			return Update{}, false
		}
		return Update{
			ChatID:    cq.Message.Chat.ID,
			Name:      cq.From.FirstName,
			ActionID:  cq.Data,
			Timestamp: time.Now(),
		}, true
	}
	m := raw.Message
	if m == nil {
		return Update{}, false
	}
	u := Update{
		ChatID:    m.Chat.ID,
		Text:      m.Text,
		Timestamp: m.Time(),
	}
	if m.From != nil {
		u.Name = m.From.FirstName
	}
	if m.IsCommand() {
		u.Command = m.Command()
		u.Args = m.CommandArguments()
	}
	if m.Location != nil {
		u.Location = &[2]float64{m.Location.Latitude, m.Location.Longitude}
	}
	if n := len(m.Photo); n > 0 {
		// the last size is the largest
		data, err := p.download(ctx, m.Photo[n-1].FileID)
		if err != nil {
			p.Router.logger().Warn("download photo", "chat", u.ChatID, "err", err)
			return Update{}, false
		}
		u.Image = data
		u.Filename = "photo.jpg"
		u.Text = m.Caption
	}
	return u, true
}

func (p *Poller) download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := p.API.GetFileDirectURL(fileID)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := p.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", fileID, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
}
