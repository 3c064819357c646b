package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends chat messages through the Bot API.
type Telegram struct {
	API *tgbotapi.BotAPI
}

func NewTelegram(token string) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	return &Telegram{API: api}, nil
}

func (t *Telegram) SendInteractiveMessage(ctx context.Context, chatID int64, text string, actions []Action) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if kb, ok := InlineKeyboard(actions); ok {
		msg.ReplyMarkup = kb
	}
	return callWithContext(ctx, func() error {
		_, err := t.API.Send(msg)
		return classifyTelegram(err)
	})
}

func (t *Telegram) SendPhoto(ctx context.Context, chatID int64, image []byte, caption string, actions []Action) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "photo.jpg", Bytes: image})
	photo.Caption = caption
	if kb, ok := InlineKeyboard(actions); ok {
		photo.ReplyMarkup = kb
	}
	return callWithContext(ctx, func() error {
		_, err := t.API.Send(photo)
		if err = classifyTelegram(err); err != nil && isImageFailure(err) {
			return Permanent(fmt.Errorf("%w: %v", ErrImageRejected, err))
		}
		return err
	})
}

// InlineKeyboard groups actions into rows by Action.Row.
func InlineKeyboard(actions []Action) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(actions) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	byRow := map[int][]tgbotapi.InlineKeyboardButton{}
	var order []int
	for _, a := range actions {
		if _, ok := byRow[a.Row]; !ok {
			order = append(order, a.Row)
		}
		byRow[a.Row] = append(byRow[a.Row], tgbotapi.NewInlineKeyboardButtonData(a.Label, a.ID))
	}
	sort.Ints(order)
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(order))
	for _, r := range order {
		rows = append(rows, byRow[r])
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

// classifyTelegram maps Bot API failures onto the retry taxonomy. Blocked
// bots and unknown chats never recover; rate limits and server errors do.
func classifyTelegram(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429 || apiErr.Code >= 500:
			return Transient(err)
		case apiErr.Code == 403 || apiErr.Code == 400 || apiErr.Code == 404:
			return Permanent(err)
		}
		return Transient(err)
	}
	return Transient(err)
}

func isImageFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"photo_invalid", "image_process_failed", "wrong file", "failed to get http url content", "photo_invalid_dimensions", "file is too big"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
