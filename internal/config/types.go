package config

import (
	"errors"
	"fmt"
	"os"

	"chatsink/internal/payload"
	"chatsink/internal/record"
)

// Config is the relay daemon's file schema. It accepts JSON or YAML; both
// are decoded strictly, so unknown keys fail the load instead of being
// silently ignored.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Webhook    WebhookConfig     `json:"webhook"`
	Telegram   *TelegramConfig   `json:"telegram,omitempty"`
	Filter     FilterConfig      `json:"filter"`
	Payload    PayloadConfig     `json:"payload"`
	Delivery   DeliveryConfig    `json:"delivery"`
	DeadLetter *DeadLetterConfig `json:"dead_letter,omitempty"`
	Digest     DigestConfig      `json:"digest"`
	Logging    LoggingConfig     `json:"logging"`
}

// WebhookConfig is the primary destination. URL falls back to the
// CHATSINK_WEBHOOK_URL environment variable so the secret can stay out of
// the config file.
type WebhookConfig struct {
	URL      string `json:"url,omitempty"`
	Compress bool   `json:"compress,omitempty"`
	// Timeout bounds one send attempt.
	Timeout string `json:"timeout,omitempty"`
}

// TelegramConfig selects Telegram delivery instead of the HTTP webhook.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// FilterConfig gates which records are forwarded at all.
type FilterConfig struct {
	MinLevel string `json:"min_level"`
	// Patterns match the record target OR message.
	Patterns       []string `json:"patterns,omitempty"`
	TargetInclude  []string `json:"target_include,omitempty"`
	TargetExclude  []string `json:"target_exclude,omitempty"`
	MessageInclude []string `json:"message_include,omitempty"`
	MessageExclude []string `json:"message_exclude,omitempty"`
	FieldInclude   []string `json:"field_include,omitempty"`
	FieldExclude   []string `json:"field_exclude,omitempty"`
}

// PayloadConfig controls rendering. FieldExclude here strips keys from the
// output without dropping the record, unlike filter.field_exclude.
type PayloadConfig struct {
	Layout       string   `json:"layout,omitempty"` // "text" (default) or "blocks"
	BlockLimit   int      `json:"block_limit,omitempty"`
	Username     string   `json:"username,omitempty"`
	Channel      string   `json:"channel,omitempty"`
	IconEmoji    string   `json:"icon_emoji,omitempty"`
	FieldExclude []string `json:"field_exclude,omitempty"`
}

// DeliveryConfig tunes batching and retries.
type DeliveryConfig struct {
	QueueSize     int    `json:"queue_size,omitempty"`
	BatchMaxCount int    `json:"batch_max_count,omitempty"`
	BatchMaxAge   string `json:"batch_max_age,omitempty"`
	// RetryMax is the total attempt ceiling per payload, first try included.
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
}

// DeadLetterConfig persists abandoned batches for inspection.
type DeadLetterConfig struct {
	Driver      string `json:"driver"` // "file" or "sqlite"
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	MaxEntries  int    `json:"max_entries,omitempty"`
}

// DigestConfig schedules a periodic counters summary on a cron spec.
type DigestConfig struct {
	Enabled bool   `json:"enabled"`
	Cron    string `json:"cron,omitempty"` // default "0 * * * *"
}

// LoggingConfig controls the relay's own stderr diagnostics, not the
// records it forwards.
type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console,omitempty"`
}

// DefaultDigestCron fires at the top of every hour.
const DefaultDigestCron = "0 * * * *"

// Validate checks everything that can be checked without side effects:
// destination presence, enum values, and duration syntax. Regex compilation
// happens when the sink is built.
func (c *Config) Validate() error {
	if c.Webhook.URL == "" && os.Getenv("CHATSINK_WEBHOOK_URL") == "" &&
		(c.Telegram == nil || c.Telegram.Token == "") {
		return errors.New("config: no destination: set webhook.url, CHATSINK_WEBHOOK_URL, or telegram.token")
	}
	if c.Telegram != nil && c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return errors.New("config: telegram.chat_id is required with telegram.token")
	}

	if lvl := c.Filter.MinLevel; lvl != "" {
		if record.ParseLevel(lvl, record.Level(-1)) == record.Level(-1) {
			return fmt.Errorf("config: filter.min_level: unknown level %q", lvl)
		}
	}
	switch c.Payload.Layout {
	case "", "text", "blocks":
	default:
		return fmt.Errorf("config: payload.layout: unknown layout %q", c.Payload.Layout)
	}
	if c.Payload.BlockLimit > payload.DefaultMaxBlocks {
		return fmt.Errorf("config: payload.block_limit: %d exceeds the platform cap of %d",
			c.Payload.BlockLimit, payload.DefaultMaxBlocks)
	}

	for path, raw := range map[string]string{
		"webhook.timeout":          c.Webhook.Timeout,
		"delivery.batch_max_age":   c.Delivery.BatchMaxAge,
		"delivery.retry_base":      c.Delivery.RetryBase,
		"delivery.retry_max_delay": c.Delivery.RetryMaxDelay,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.DeadLetter != nil {
		switch c.DeadLetter.Driver {
		case "file", "sqlite":
			if c.DeadLetter.Path == "" {
				return errors.New("config: dead_letter.path is required")
			}
		case "", "none":
		default:
			return fmt.Errorf("config: dead_letter.driver: unknown driver %q", c.DeadLetter.Driver)
		}
		if _, err := ParseDurationField("dead_letter.busy_timeout", c.DeadLetter.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
