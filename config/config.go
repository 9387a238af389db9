// Package config loads the daemon configuration from a YAML file plus
// environment overrides. Secrets (API keys, bot token) come from the
// environment only and never live in the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Provider string `yaml:"provider"` // "anthropic" or "openai"; empty defers to HERALD_PROVIDER
	LogLevel string `yaml:"log_level"`

	Store    StoreConfig    `yaml:"store"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Agent    AgentConfig    `yaml:"agent"`
	Authz    AuthzConfig    `yaml:"authz"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type ScheduleConfig struct {
	PollInterval      Duration `yaml:"poll_interval"`
	InitialDelay      Duration `yaml:"initial_delay"`
	IdempotencyWindow Duration `yaml:"idempotency_window"`
	LockTTL           Duration `yaml:"lock_ttl"`
}

type AgentConfig struct {
	SystemPrompt    string   `yaml:"system_prompt"`
	MaxRounds       int      `yaml:"max_rounds"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
	ToolTimeout     Duration `yaml:"tool_timeout"`
	ParallelTools   bool     `yaml:"parallel_tools"`
}

type AuthzConfig struct {
	RedisAddr        string   `yaml:"redis_addr"`
	RedisKey         string   `yaml:"redis_key"`
	ManagementGroups []string `yaml:"management_groups"` // static fallback allow-list
}

type TelegramConfig struct {
	// Destinations maps the destination names stored on tasks to chat ids.
	Destinations  map[string]int64 `yaml:"destinations"`
	SendPerSecond float64          `yaml:"send_per_second"`
	SendBurst     int              `yaml:"send_burst"`
}

// Duration parses YAML scalars like "30s" or "2m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration must be >= 0, got %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Or(def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return time.Duration(d)
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Store:    StoreConfig{Path: "herald.db"},
		Telegram: TelegramConfig{
			SendPerSecond: 1,
			SendBurst:     3,
		},
	}
}

// Load reads the YAML file at path on top of defaults. A missing file is not
// an error when path is empty; a named file must exist. A .env file in the
// working directory is loaded first so file values can reference a clean
// environment.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg.withEnvOverrides(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg.withEnvOverrides(), nil
}

func (c Config) withEnvOverrides() Config {
	if v := strings.TrimSpace(os.Getenv("HERALD_PROVIDER")); v != "" {
		c.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("HERALD_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("HERALD_DB_PATH")); v != "" {
		c.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("HERALD_REDIS_ADDR")); v != "" {
		c.Authz.RedisAddr = v
	}
	return c
}

// TelegramToken returns the bot token from the environment. It is never read
// from the config file.
func TelegramToken() string {
	return strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
}
