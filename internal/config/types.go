package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Telegram TelegramConfig `yaml:"telegram"`
	Storage  StorageConfig  `yaml:"storage"`
	Engine   EngineConfig   `yaml:"engine"`
}

type LoggingConfig struct {
	// Level is a zerolog level name ("debug", "info", ...). Empty means info.
	Level string `yaml:"level"`
	// Console switches to the human-readable console writer.
	Console bool `yaml:"console"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via the
	// TELEGRAM_TOKEN environment variable instead.
	Token string `yaml:"token"`
	// RatePerSec caps outgoing messages; 0 uses the channel default.
	RatePerSec int `yaml:"rate_per_sec"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `yaml:"busy_timeout"`
}

// EngineConfig tunes matching and scheduling. Cron fields use standard
// five-field patterns (plus @descriptors); they are validated against the
// same parser the schedule registry uses.
type EngineConfig struct {
	// FuzzyThreshold is the normalized edit-distance cutoff for title
	// keywords, in (0, 1]. Zero means the built-in default.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`

	// DefaultDigestCron is applied to recipients without a schedule of
	// their own.
	DefaultDigestCron string `yaml:"default_digest_cron"`

	// CleanupCron fires the expiry/quota cleanup pass.
	CleanupCron string `yaml:"cleanup_cron"`

	// TickTimeout bounds a single schedule tick. Go duration string;
	// empty disables the bound.
	TickTimeout string `yaml:"tick_timeout"`
}

// Validate checks everything that can be checked without collaborators.
// Cron patterns are validated by the caller's validator hook, which has
// the schedule parser.
func (c *Config) Validate() error {
	if c.Logging.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if c.Telegram.RatePerSec < 0 {
		return fmt.Errorf("telegram.rate_per_sec must be >= 0")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if t := c.Engine.FuzzyThreshold; t < 0 || t > 1 {
		return fmt.Errorf("engine.fuzzy_threshold must be in [0, 1]")
	}
	if _, err := ParseDurationField("engine.tick_timeout", c.Engine.TickTimeout); err != nil {
		return err
	}
	return nil
}

// BusyTimeout returns the parsed storage busy timeout, zero when unset.
// Validate has already rejected malformed values.
func (c *Config) BusyTimeout() time.Duration {
	d, _ := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	return d
}

// TickTimeout returns the parsed schedule tick bound, zero when unset.
func (c *Config) TickTimeout() time.Duration {
	d, _ := ParseDurationField("engine.tick_timeout", c.Engine.TickTimeout)
	return d
}

// DigestCron returns the configured default digest pattern, falling back
// to a daily 9:00 schedule.
func (c *Config) DigestCron() string {
	if p := strings.TrimSpace(c.Engine.DefaultDigestCron); p != "" {
		return p
	}
	return "0 9 * * *"
}

// CleanupCron returns the configured cleanup pattern, falling back to a
// nightly run.
func (c *Config) CleanupCron() string {
	if p := strings.TrimSpace(c.Engine.CleanupCron); p != "" {
		return p
	}
	return "0 3 * * *"
}

// ParseDurationField parses an optional Go duration string. Empty means
// zero; negative values are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
