// Package session keeps per-user wizard state for multi-step chat flows.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is one user's position in a flow plus its scratch values.
type State struct {
	UserID    string            `json:"user_id"`
	Flow      string            `json:"flow"`
	Step      string            `json:"step"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`

	notice string
}

// Notice shows msg above the next prompt. It is not persisted.
func (s *State) Notice(msg string) { s.notice = msg }

func (s *State) Set(key, value string) {
	if s.Data == nil {
		s.Data = make(map[string]string)
	}
	s.Data[key] = value
}

func (s State) Get(key string) string { return s.Data[key] }

// Store holds at most one state per user. Entries vanish after their ttl.
type Store interface {
	Get(ctx context.Context, userID string) (State, bool, error)
	Put(ctx context.Context, s State, ttl time.Duration) error
	Delete(ctx context.Context, userID string) error
}

type memoryEntry struct {
	state   State
	expires time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	Now func() time.Time

	mu    sync.Mutex
	items map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{Now: time.Now, items: make(map[string]memoryEntry)}
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[userID]
	if !ok {
		return State{}, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.items, userID)
		return State{}, false, nil
	}
	return cloneState(e.state), true, nil
}

func (m *MemoryStore) Put(ctx context.Context, s State, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]memoryEntry)
	}
	m.items[s.UserID] = memoryEntry{state: cloneState(s), expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, userID)
	return nil
}

// Evict drops expired entries and reports how many were removed.
func (m *MemoryStore) Evict() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, e := range m.items {
		if !now.Before(e.expires) {
			delete(m.items, id)
			n++
		}
	}
	return n
}

func cloneState(s State) State {
	s.notice = ""
	if s.Data != nil {
		data := make(map[string]string, len(s.Data))
		for k, v := range s.Data {
			data[k] = v
		}
		s.Data = data
	}
	return s
}

// RedisStore keeps sessions in Redis so several bot replicas share them.
type RedisStore struct {
	Client *redis.Client
	Prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client, Prefix: "session:"}
}

func (r *RedisStore) key(userID string) string { return r.Prefix + userID }

func (r *RedisStore) Get(ctx context.Context, userID string) (State, bool, error) {
	raw, err := r.Client.Get(ctx, r.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, false, err
	}
	return s, true, nil
}

func (r *RedisStore) Put(ctx context.Context, s State, ttl time.Duration) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.Client.Set(ctx, r.key(s.UserID), raw, ttl).Err()
}

func (r *RedisStore) Delete(ctx context.Context, userID string) error {
	return r.Client.Del(ctx, r.key(userID)).Err()
}
