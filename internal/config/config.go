// Package config loads process configuration from the environment,
// matching the teacher's getEnv/getEnvInt/getEnvBool/getEnvDuration
// helper family (internal/config/config.go in the retrieved pack) but
// scoped to what this module's process wiring actually needs: the
// database DSN, the reaper's sweep period, and which Notifier
// implementations to compose. Scope loading mechanism (env vars vs. a
// config file) is named by spec.md §1 as an external collaborator's
// concern; the env-var contract itself is ambient stack this module
// still carries (SPEC_FULL.md, AMBIENT STACK section).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/forgecraft/tradepost/internal/reaper"
)

// NotifierKind names a Notifier implementation to compose at startup.
type NotifierKind string

const (
	NotifierLog      NotifierKind = "log"
	NotifierTelegram NotifierKind = "telegram"
	NotifierHub      NotifierKind = "hub"
)

// Config is the process-wide configuration for cmd/tradepostd.
type Config struct {
	Debug bool

	// DatabaseDSN selects the driver by prefix: postgres://... or
	// postgresql://... opens Postgres, anything else is treated as a
	// sqlite file path (internal/database.Open's dispatch).
	DatabaseDSN string

	// ReaperPeriod is how often the deadline sweep runs (spec.md §4.5
	// default: 60s).
	ReaperPeriod time.Duration

	// Notifiers lists which Notifier implementations cmd/tradepostd
	// should compose into a notifier.Multi. Defaults to [log] only,
	// since Telegram/websocket credentials are deployment-specific.
	Notifiers []NotifierKind

	TelegramToken  string
	TelegramChatID int64

	// HubListenAddr is where an external HTTP layer would mount
	// notifier.Hub.Upgrade; this module never listens itself (spec.md
	// §1 scopes the HTTP surface out), but the address is carried here
	// so cmd/tradepostd can log where the handler expects to live.
	HubListenAddr string
}

// Load reads Config from the environment. It never returns an error
// for missing optional fields — only a malformed TELEGRAM_CHAT_ID or
// an explicitly-requested telegram notifier without a token fails.
func Load() (*Config, error) {
	cfg := &Config{
		Debug:         getEnvBool("DEBUG", false),
		DatabaseDSN:   getEnv("DATABASE_DSN", "data/tradepost.db"),
		ReaperPeriod:  getEnvDuration("REAPER_PERIOD", reaper.DefaultPeriod),
		Notifiers:     parseNotifierKinds(getEnv("NOTIFIERS", string(NotifierLog))),
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		HubListenAddr: getEnv("HUB_LISTEN_ADDR", ":8081"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, &configError{msg: "invalid TELEGRAM_CHAT_ID: " + err.Error()}
		}
		cfg.TelegramChatID = id
	}

	for _, kind := range cfg.Notifiers {
		if kind == NotifierTelegram && cfg.TelegramToken == "" {
			return nil, &configError{msg: "NOTIFIERS includes telegram but TELEGRAM_BOT_TOKEN is unset"}
		}
	}

	return cfg, nil
}

type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func parseNotifierKinds(raw string) []NotifierKind {
	parts := strings.Split(raw, ",")
	out := make([]NotifierKind, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, NotifierKind(p))
	}
	if len(out) == 0 {
		return []NotifierKind{NotifierLog}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
