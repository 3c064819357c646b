package delivery

import (
	"context"
	"sync"
)

// ChatDelivery is a message captured by MemoryChat.
type ChatDelivery struct {
	ChatID    int64
	Text      string
	Actions   []Action
	WithImage bool
}

// MemoryChat records chat sends. Fail, when set, decides the outcome of
// each send.
type MemoryChat struct {
	mu    sync.Mutex
	Fail  func(chatID int64, withImage bool) error
	sent  []ChatDelivery
	calls int
}

func (m *MemoryChat) SendInteractiveMessage(ctx context.Context, chatID int64, text string, actions []Action) error {
	return m.record(ChatDelivery{ChatID: chatID, Text: text, Actions: actions})
}

func (m *MemoryChat) SendPhoto(ctx context.Context, chatID int64, image []byte, caption string, actions []Action) error {
	return m.record(ChatDelivery{ChatID: chatID, Text: caption, Actions: actions, WithImage: true})
}

func (m *MemoryChat) record(d ChatDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.Fail != nil {
		if err := m.Fail(d.ChatID, d.WithImage); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, d)
	return nil
}

// Sent returns a copy of successful deliveries.
func (m *MemoryChat) Sent() []ChatDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatDelivery, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentTo returns successful deliveries to one chat.
func (m *MemoryChat) SentTo(chatID int64) []ChatDelivery {
	var out []ChatDelivery
	for _, d := range m.Sent() {
		if d.ChatID == chatID {
			out = append(out, d)
		}
	}
	return out
}

// Calls counts every send attempt, failed ones included.
func (m *MemoryChat) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type PushDelivery struct {
	Tokens []string
	Title  string
	Body   string
	Data   map[string]string
}

// MemoryPush records push sends. Result, when set, overrides the default
// all-tokens-succeeded response.
type MemoryPush struct {
	mu     sync.Mutex
	Result func(tokens []string) (PushResult, error)
	sent   []PushDelivery
	calls  int
}

func (m *MemoryPush) SendPush(ctx context.Context, tokens []string, title, body string, data map[string]string) (PushResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	res := PushResult{Success: len(tokens)}
	if m.Result != nil {
		var err error
		res, err = m.Result(tokens)
		if err != nil {
			return res, err
		}
	}
	if res.Success > 0 {
		m.sent = append(m.sent, PushDelivery{Tokens: append([]string(nil), tokens...), Title: title, Body: body, Data: data})
	}
	return res, nil
}

func (m *MemoryPush) Sent() []PushDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PushDelivery, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MemoryPush) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type EmailDelivery struct {
	Address string
	Subject string
	Body    string
}

type MemoryEmail struct {
	mu   sync.Mutex
	Fail func(address string) error
	sent []EmailDelivery
}

func (m *MemoryEmail) SendEmail(ctx context.Context, address, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail(address); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, EmailDelivery{Address: address, Subject: subject, Body: body})
	return nil
}

func (m *MemoryEmail) Sent() []EmailDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailDelivery, len(m.sent))
	copy(out, m.sent)
	return out
}
