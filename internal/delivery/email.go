package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"

	"gopkg.in/gomail.v2"
)

// SMTP sends plain emails through a gomail dialer.
type SMTP struct {
	dialer *gomail.Dialer
	from   string
}

func NewSMTP(host string, port int, user, password, from string) *SMTP {
	return &SMTP{
		dialer: gomail.NewDialer(host, port, user, password),
		from:   from,
	}
}

func (s *SMTP) SendEmail(ctx context.Context, address, subject, body string) error {
	if s == nil || s.dialer == nil || s.dialer.Host == "" {
		return Permanent(errNotConfigured)
	}
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", address)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	return callWithContext(ctx, func() error {
		if err := s.dialer.DialAndSend(m); err != nil {
			return classifySMTP(fmt.Errorf("send email to %s: %w", address, err))
		}
		return nil
	})
}

// classifySMTP treats 5xx replies (unknown mailbox, rejected sender) as
// permanent and everything else as transient.
func classifySMTP(err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 500 {
		return Permanent(err)
	}
	return Transient(err)
}
