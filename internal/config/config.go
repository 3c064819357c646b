package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models volunteerops.yml.
type Config struct {
	Timezone string `yaml:"timezone"`
	Log      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Telegram struct {
		Token       string `yaml:"token"`
		PollTimeout int    `yaml:"poll_timeout"`
	} `yaml:"telegram"`
	Push struct {
		Endpoint  string `yaml:"endpoint"`
		ServerKey string `yaml:"server_key"`
	} `yaml:"push"`
	Email struct {
		SMTPHost     string `yaml:"smtp_host"`
		SMTPPort     int    `yaml:"smtp_port"`
		SMTPUser     string `yaml:"smtp_user"`
		SMTPPassword string `yaml:"smtp_password"`
		FromEmail    string `yaml:"from_email"`
	} `yaml:"email"`
	Media    MediaConfig    `yaml:"media"`
	Redis    RedisConfig    `yaml:"redis"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Session  struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"session"`
	Rating struct {
		UpperBound int         `yaml:"upper_bound"`
		Deltas     map[int]int `yaml:"deltas"`
	} `yaml:"rating"`
	Achievements []AchievementConfig `yaml:"achievements"`
	Expiry       struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"expiry"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type MediaConfig struct {
	Driver    string `yaml:"driver"`
	Root      string `yaml:"root"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DispatchConfig tunes fan-out concurrency and the per-send retry policy.
type DispatchConfig struct {
	Workers        int           `yaml:"workers"`
	Attempts       int           `yaml:"attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

type AchievementConfig struct {
	ID             string `yaml:"id"`
	Title          string `yaml:"title"`
	Description    string `yaml:"description"`
	RequiredRating int    `yaml:"required_rating"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with vo config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config.timezone: %w", err)
	}
	switch c.Media.Driver {
	case "local":
		if c.Media.Root == "" {
			return fmt.Errorf("config.media.root is required for the local driver")
		}
	case "s3":
		if c.Media.Bucket == "" {
			return fmt.Errorf("config.media.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("config.media.driver must be 'local' or 's3'")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("config.dispatch.workers must be positive")
	}
	if c.Dispatch.Attempts <= 0 {
		return fmt.Errorf("config.dispatch.attempts must be positive")
	}
	if c.Dispatch.BaseDelay < 0 || c.Dispatch.AttemptTimeout <= 0 {
		return fmt.Errorf("config.dispatch delays must be positive")
	}
	if c.Session.Timeout <= 0 {
		return fmt.Errorf("config.session.timeout must be positive")
	}
	if c.Rating.UpperBound <= 0 {
		return fmt.Errorf("config.rating.upper_bound must be positive")
	}
	for stars := range c.Rating.Deltas {
		if stars < 1 || stars > 5 {
			return fmt.Errorf("config.rating.deltas has key %d outside 1..5", stars)
		}
	}
	seen := map[string]bool{}
	for _, a := range c.Achievements {
		if a.ID == "" {
			return fmt.Errorf("config.achievements contains an entry without id")
		}
		if seen[a.ID] {
			return fmt.Errorf("achievement %s declared twice", a.ID)
		}
		seen[a.ID] = true
		if a.RequiredRating < 0 || a.RequiredRating > c.Rating.UpperBound {
			return fmt.Errorf("achievement %s required_rating out of range", a.ID)
		}
	}
	if c.Expiry.Interval <= 0 {
		return fmt.Errorf("config.expiry.interval must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Location returns the configured timezone; Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// RatingDelta maps a moderator star rating to a rating delta.
func (c *Config) RatingDelta(stars int) int {
	return c.Rating.Deltas[stars]
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "volunteerops.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Achievements = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Achievements == nil {
		cfg.Achievements = Default().Achievements
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `timezone: UTC

log:
  level: info
  format: text

server:
  addr: 127.0.0.1:8080
  base_path: /v1

telegram:
  poll_timeout: 60

push:
  endpoint: https://fcm.googleapis.com/fcm/send

email:
  smtp_port: 587

media:
  driver: local
  root: .volunteerops/media

dispatch:
  workers: 8
  attempts: 3
  base_delay: 500ms
  attempt_timeout: 10s

session:
  timeout: 10m

rating:
  upper_bound: 750
  deltas:
    1: 1
    2: 2
    3: 4
    4: 6
    5: 10

achievements:
  - id: first-steps
    title: First steps
    description: Earned the first rating points
    required_rating: 1
  - id: helping-hand
    title: Helping hand
    required_rating: 25
  - id: reliable
    title: Reliable volunteer
    required_rating: 100
  - id: pillar
    title: Pillar of the community
    required_rating: 300
  - id: legend
    title: Legend
    required_rating: 750

expiry:
  interval: 24h
`
