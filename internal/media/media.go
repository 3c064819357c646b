// Package media stores photo evidence and hands it back to the channels
// that attach it.
package media

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"volunteerops/internal/config"
)

var ErrNotFound = errors.New("media not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
	Load(ctx context.Context, ref string) ([]byte, error)
}

// New builds the store selected by cfg.Driver.
func New(ctx context.Context, cfg config.MediaConfig, workspace string) (Store, error) {
	switch cfg.Driver {
	case "", "local":
		root := cfg.Root
		if !filepath.IsAbs(root) {
			root = filepath.Join(workspace, root)
		}
		return &Local{Root: root}, nil
	case "s3":
		return NewS3(ctx, cfg)
	}
	return nil, fmt.Errorf("unknown media driver %q", cfg.Driver)
}

// Local keeps objects under a directory.
type Local struct {
	Root string
}

func (l *Local) Put(ctx context.Context, key string, data []byte) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	full := filepath.Join(l.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", err
	}
	return key, nil
}

func (l *Local) Load(ctx context.Context, ref string) ([]byte, error) {
	key, err := cleanKey(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.Root, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Memory is an in-process store used by tests and by the bot when no
// durable store is configured.
type Memory struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *Memory) Put(ctx context.Context, key string, data []byte) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = append([]byte(nil), data...)
	return key, nil
}

func (m *Memory) Load(ctx context.Context, ref string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" {
		return "", errors.New("media key required")
	}
	return strings.TrimPrefix(clean, "/"), nil
}

func contentType(key string) string {
	ct := mime.TypeByExtension(path.Ext(key))
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
