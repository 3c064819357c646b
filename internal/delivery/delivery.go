// Package delivery holds the channel adapters that put a message in front of
// one recipient: the Telegram chat, push notifications and email.
package delivery

import (
	"context"
	"errors"
	"fmt"
)

type ChannelName string

const (
	Chat  ChannelName = "chat"
	Push  ChannelName = "push"
	Email ChannelName = "email"
)

func ParseChannel(s string) (ChannelName, error) {
	switch ChannelName(s) {
	case Chat, Push, Email:
		return ChannelName(s), nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// Action is an interactive button. Buttons sharing a Row render side by side.
type Action struct {
	Label string `json:"label"`
	ID    string `json:"action_id"`
	Row   int    `json:"row,omitempty"`
}

// Recipient carries every endpoint a user can be reached on. Empty fields
// mean the user has no endpoint on that channel.
type Recipient struct {
	UserID       string
	Name         string
	City         string
	Rating       int
	ChatID       int64
	DeviceTokens []string
	Email        string
}

// Message is channel-neutral content. Image, when set, is attached where
// the channel supports it; ImageRef names a stored image to load instead.
type Message struct {
	Title    string
	Body     string
	Actions  []Action
	Image    []byte
	ImageRef string
	Data     map[string]string
}

// TextOnly drops the attachment.
func (m Message) TextOnly() Message {
	m.Image = nil
	m.ImageRef = ""
	return m
}

// Channel delivers one message to one recipient, retrying internally.
type Channel interface {
	Name() ChannelName
	HasEndpoint(r Recipient) bool
	Deliver(ctx context.Context, r Recipient, msg Message) (attempts int, err error)
}

// ChatSender is the conversational transport.
type ChatSender interface {
	SendInteractiveMessage(ctx context.Context, chatID int64, text string, actions []Action) error
	SendPhoto(ctx context.Context, chatID int64, image []byte, caption string, actions []Action) error
}

// PushResult mirrors the provider's multicast response.
type PushResult struct {
	Success      int
	Failure      int
	Unregistered []string
}

type PushSender interface {
	SendPush(ctx context.Context, tokens []string, title, body string, data map[string]string) (PushResult, error)
}

type EmailSender interface {
	SendEmail(ctx context.Context, address, subject, body string) error
}

var (
	// ErrNoEndpoint is reported when a recipient cannot be reached on a channel.
	ErrNoEndpoint = errors.New("recipient has no endpoint on this channel")
	// ErrImageRejected means the provider refused the attachment; a text-only
	// resend may still succeed.
	ErrImageRejected = errors.New("attachment rejected by provider")

	// ErrSendAbandoned means the attempt timed out while the provider call
	// was in flight. The message may still arrive, so it is not retried.
	ErrSendAbandoned = errors.New("send abandoned with unknown outcome")

	errNotConfigured = errors.New("channel not configured")
)

// TransientError wraps failures worth retrying, such as timeouts.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps failures that will not improve on retry, such as an
// unknown chat or an unregistered device.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p) || errors.Is(err, ErrNoEndpoint)
}

// callWithContext runs a blocking provider call and gives up when ctx ends.
// The call itself keeps running in the background until it returns, so an
// abandoned call fails permanently instead of being sent twice.
func callWithContext(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return Transient(err)
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return Permanent(fmt.Errorf("%w: %w", ErrSendAbandoned, ctx.Err()))
	}
}
