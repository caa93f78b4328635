// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	TelegramBotToken string
	DatabasePath     string
	LogLevel         string
	AllowedUsers     []int64
	HTTPAddr         string

	TickInterval  time.Duration
	Workers       int
	QueueSize     int
	ShutdownGrace time.Duration

	MinCallSpacing  time.Duration
	SessionTTL      time.Duration
	ProviderTimeout time.Duration
	ScanPageSize    int
	ScanMaxPages    int

	BrandCacheTTL    time.Duration
	CategoryCacheTTL time.Duration
	SeedCatalog      bool
	SeedSegments     []string

	MinCheckInterval int
	MaxCheckInterval int

	SlackWebhookURL string
	SendgridAPIKey  string
	MailFrom        string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		DatabasePath:     envOr("DATABASE_PATH", "./data/alerts.db"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		HTTPAddr:         envOr("HTTP_ADDR", ":8080"),
		SlackWebhookURL:  os.Getenv("SLACK_WEBHOOK_URL"),
		SendgridAPIKey:   os.Getenv("SENDGRID_API_KEY"),
		MailFrom:         os.Getenv("MAIL_FROM"),
		SeedSegments:     splitList(envOr("SEED_SEGMENTS", "fr,de,uk")),
	}

	var allowedUsers []int64
	for _, s := range splitList(os.Getenv("ALLOWED_USERS")) {
		uid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
		}
		allowedUsers = append(allowedUsers, uid)
	}
	cfg.AllowedUsers = allowedUsers
	if cfg.HTTPAddr == "-" {
		cfg.HTTPAddr = ""
	}

	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"TICK_INTERVAL", 60 * time.Second, &cfg.TickInterval},
		{"SHUTDOWN_GRACE", 30 * time.Second, &cfg.ShutdownGrace},
		{"MIN_CALL_SPACING", 30 * time.Second, &cfg.MinCallSpacing},
		{"SESSION_TTL", time.Hour, &cfg.SessionTTL},
		{"PROVIDER_TIMEOUT", 30 * time.Second, &cfg.ProviderTimeout},
		{"BRAND_CACHE_TTL", 30 * 24 * time.Hour, &cfg.BrandCacheTTL},
		{"CATEGORY_CACHE_TTL", 7 * 24 * time.Hour, &cfg.CategoryCacheTTL},
	}
	for _, d := range durations {
		v, err := durationEnv(d.key, d.def)
		if err != nil {
			return nil, err
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		def int
		min int
		dst *int
	}{
		{"WORKERS", 4, 1, &cfg.Workers},
		{"QUEUE_SIZE", 256, 1, &cfg.QueueSize},
		{"SCAN_PAGE_SIZE", 20, 1, &cfg.ScanPageSize},
		{"SCAN_MAX_PAGES", 1, 1, &cfg.ScanMaxPages},
		{"MIN_CHECK_INTERVAL", 5, 1, &cfg.MinCheckInterval},
		{"MAX_CHECK_INTERVAL", 1440, 1, &cfg.MaxCheckInterval},
	}
	for _, i := range ints {
		v, err := intEnv(i.key, i.def)
		if err != nil {
			return nil, err
		}
		if v < i.min {
			return nil, fmt.Errorf("%s must be at least %d, got %d", i.key, i.min, v)
		}
		*i.dst = v
	}

	if cfg.ScanPageSize > 96 {
		return nil, fmt.Errorf("SCAN_PAGE_SIZE must not exceed 96, got %d", cfg.ScanPageSize)
	}
	if cfg.MinCheckInterval > cfg.MaxCheckInterval {
		return nil, fmt.Errorf("MIN_CHECK_INTERVAL %d exceeds MAX_CHECK_INTERVAL %d", cfg.MinCheckInterval, cfg.MaxCheckInterval)
	}

	if cfg.SendgridAPIKey != "" && cfg.MailFrom == "" {
		return nil, fmt.Errorf("MAIL_FROM is required when SENDGRID_API_KEY is set")
	}

	seed, err := boolEnv("SEED_CATALOG", true)
	if err != nil {
		return nil, err
	}
	cfg.SeedCatalog = seed

	return cfg, nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q in %s: %w", raw, key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q in %s: %w", raw, key, err)
	}
	return v, nil
}

func boolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q in %s: %w", raw, key, err)
	}
	return v, nil
}
