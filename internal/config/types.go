// Package config loads, validates, and hot-reloads the bot configuration
// from a JSON or YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"readmark/internal/remind"
)

// Config is the full on-disk configuration.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Limits    LimitsConfig    `json:"limits,omitempty"`
	Reminders RemindersConfig `json:"reminders,omitempty"`
	Sweep     SweepConfig     `json:"sweep,omitempty"`
	Sentry    SentryConfig    `json:"sentry,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log records at or above MinLevel to the first
// owner chat, rate limited.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// LimitsConfig holds the per-category sliding-window budgets. Zero values
// fall back to 10 messages and 5 link saves per minute.
type LimitsConfig struct {
	MessageLimit   int    `json:"message_limit,omitempty"`
	MessageWindow  string `json:"message_window,omitempty"`
	LinkSaveLimit  int    `json:"link_save_limit,omitempty"`
	LinkSaveWindow string `json:"link_save_window,omitempty"`
}

// RemindersConfig bounds the scheduling engine.
type RemindersConfig struct {
	MaxSnoozes     int    `json:"max_snoozes,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	DeliverTimeout string `json:"deliver_timeout,omitempty"`
	ClaimTTL       string `json:"claim_ttl,omitempty"`
}

// SweepConfig controls the sweep trigger. Schedule accepts a cron
// expression or a Go duration.
type SweepConfig struct {
	Schedule      string `json:"schedule,omitempty"`
	Batch         int    `json:"batch,omitempty"`
	EvictInterval string `json:"evict_interval,omitempty"`
}

type SentryConfig struct {
	DSN         string `json:"dsn,omitempty"`
	Environment string `json:"environment,omitempty"`
}

// Validate rejects configurations that cannot produce a working bot. It is
// used both at startup and as the hot-reload gate.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"limits.message_window", cfg.Limits.MessageWindow},
		{"limits.link_save_window", cfg.Limits.LinkSaveWindow},
		{"reminders.deliver_timeout", cfg.Reminders.DeliverTimeout},
		{"reminders.claim_ttl", cfg.Reminders.ClaimTTL},
		{"sweep.evict_interval", cfg.Sweep.EvictInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if cfg.Limits.MessageLimit < 0 || cfg.Limits.LinkSaveLimit < 0 {
		return fmt.Errorf("limits: counts must be >= 0")
	}
	if s := strings.TrimSpace(cfg.Sweep.Schedule); s != "" {
		if _, err := remind.ParseSchedule(s); err != nil {
			return fmt.Errorf("sweep.schedule: %w", err)
		}
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		switch strings.ToLower(lvl) {
		case "trace", "debug", "info", "warn", "warning", "error":
		default:
			return fmt.Errorf("logging.level: unknown level %q", lvl)
		}
	}
	return nil
}

// PollTimeoutOrDefault returns the parsed long-poll timeout.
func (t TelegramConfig) PollTimeoutOrDefault() time.Duration {
	d, err := ParseDurationOrDefault("telegram.poll_timeout", t.PollTimeout, 10*time.Second)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
