package config

import (
	"errors"
	"fmt"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Broadcast BroadcastConfig `json:"broadcast,omitempty"`
}

type TelegramConfig struct {
	// Token authenticates the operator-facing control bot.
	Token string `json:"token"`
	// OwnerUserIDs lists the operators allowed to drive the bot.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// BroadcastConfig tunes the delivery pipeline. All durations are Go
// duration strings; zero values fall back to built-in defaults.
type BroadcastConfig struct {
	// WarmupDelay before the first run of a freshly scheduled job.
	WarmupDelay string `json:"warmup_delay,omitempty"`
	// MaxAttempts bounds transient retries within one delivery tick.
	MaxAttempts int `json:"max_attempts,omitempty"`
	// RetryDelay between attempts that failed without a wait hint.
	RetryDelay string `json:"retry_delay,omitempty"`
	// FloodMargin added on top of platform rate-limit wait hints.
	FloodMargin string `json:"flood_margin,omitempty"`
	// SendsPerMinute caps outbound sends per sender worker.
	SendsPerMinute int `json:"sends_per_minute,omitempty"`
}

// Validate checks the static constraints a config must satisfy before it is
// committed. Hot reloads reject configs that fail here.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram.token is required")
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		return errors.New("telegram.owner_user_ids must list at least one operator")
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"broadcast.warmup_delay", c.Broadcast.WarmupDelay},
		{"broadcast.retry_delay", c.Broadcast.RetryDelay},
		{"broadcast.flood_margin", c.Broadcast.FloodMargin},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Broadcast.MaxAttempts < 0 {
		return fmt.Errorf("broadcast.max_attempts must be >= 0")
	}
	if c.Broadcast.SendsPerMinute < 0 {
		return fmt.Errorf("broadcast.sends_per_minute must be >= 0")
	}
	return nil
}
