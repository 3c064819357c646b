package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ChatChannel sends interactive messages, attaching the image as a photo
// when one is present.
type ChatChannel struct {
	Sender ChatSender
	Retry  RetryPolicy
}

func (c ChatChannel) Name() ChannelName { return Chat }

func (c ChatChannel) HasEndpoint(r Recipient) bool { return r.ChatID != 0 }

func (c ChatChannel) Deliver(ctx context.Context, r Recipient, msg Message) (int, error) {
	if !c.HasEndpoint(r) {
		return 0, ErrNoEndpoint
	}
	text := chatText(msg)
	return c.Retry.Do(ctx, func(ctx context.Context) error {
		if len(msg.Image) > 0 {
			return c.Sender.SendPhoto(ctx, r.ChatID, msg.Image, text, msg.Actions)
		}
		return c.Sender.SendInteractiveMessage(ctx, r.ChatID, text, msg.Actions)
	})
}

func chatText(msg Message) string {
	if msg.Title == "" {
		return msg.Body
	}
	if msg.Body == "" {
		return msg.Title
	}
	return msg.Title + "\n\n" + msg.Body
}

// PushChannel multicasts to every device token of the recipient. Tokens the
// provider reports as unregistered are handed to Prune.
type PushChannel struct {
	Sender PushSender
	Retry  RetryPolicy
	Prune  func(ctx context.Context, tokens []string) error
	Logger *slog.Logger
}

func (c PushChannel) Name() ChannelName { return Push }

func (c PushChannel) HasEndpoint(r Recipient) bool { return len(r.DeviceTokens) > 0 }

func (c PushChannel) Deliver(ctx context.Context, r Recipient, msg Message) (int, error) {
	if !c.HasEndpoint(r) {
		return 0, ErrNoEndpoint
	}
	tokens := r.DeviceTokens
	var unregistered []string
	attempts, err := c.Retry.Do(ctx, func(ctx context.Context) error {
		res, err := c.Sender.SendPush(ctx, tokens, msg.Title, msg.Body, msg.Data)
		if err != nil {
			return err
		}
		unregistered = append(unregistered, res.Unregistered...)
		if res.Success > 0 {
			return nil
		}
		live := without(tokens, res.Unregistered)
		if len(live) == 0 {
			return Permanent(fmt.Errorf("all %d device tokens unregistered", len(tokens)))
		}
		tokens = live
		return Transient(fmt.Errorf("push failed for %d device tokens", res.Failure))
	})
	if len(unregistered) > 0 && c.Prune != nil {
		if perr := c.Prune(ctx, unregistered); perr != nil && c.Logger != nil {
			c.Logger.Warn("prune device tokens", "user", r.UserID, "count", len(unregistered), "error", perr)
		}
	}
	return attempts, err
}

func without(all, drop []string) []string {
	if len(drop) == 0 {
		return all
	}
	skip := make(map[string]bool, len(drop))
	for _, t := range drop {
		skip[t] = true
	}
	var res []string
	for _, t := range all {
		if !skip[t] {
			res = append(res, t)
		}
	}
	return res
}

// EmailChannel sends the message body as a plain email.
type EmailChannel struct {
	Sender EmailSender
	Retry  RetryPolicy
}

func (c EmailChannel) Name() ChannelName { return Email }

func (c EmailChannel) HasEndpoint(r Recipient) bool { return strings.Contains(r.Email, "@") }

func (c EmailChannel) Deliver(ctx context.Context, r Recipient, msg Message) (int, error) {
	if !c.HasEndpoint(r) {
		return 0, ErrNoEndpoint
	}
	subject := msg.Title
	if subject == "" {
		subject = "Notification"
	}
	return c.Retry.Do(ctx, func(ctx context.Context) error {
		return c.Sender.SendEmail(ctx, r.Email, subject, msg.Body)
	})
}

// IsImageRejected reports whether a failed send is worth repeating without
// the attachment.
func IsImageRejected(err error) bool {
	return errors.Is(err, ErrImageRejected)
}
