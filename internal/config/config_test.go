package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var envKeys = []string{
	"TELEGRAM_BOT_TOKEN", "DATABASE_PATH", "LOG_LEVEL", "ALLOWED_USERS", "HTTP_ADDR",
	"TICK_INTERVAL", "WORKERS", "QUEUE_SIZE", "SHUTDOWN_GRACE",
	"MIN_CALL_SPACING", "SESSION_TTL", "PROVIDER_TIMEOUT", "SCAN_PAGE_SIZE", "SCAN_MAX_PAGES",
	"BRAND_CACHE_TTL", "CATEGORY_CACHE_TTL", "SEED_CATALOG", "SEED_SEGMENTS",
	"MIN_CHECK_INTERVAL", "MAX_CHECK_INTERVAL",
	"SLACK_WEBHOOK_URL", "SENDGRID_API_KEY", "MAIL_FROM",
}

func defaults() *Config {
	return &Config{
		DatabasePath:     "./data/alerts.db",
		LogLevel:         "info",
		HTTPAddr:         ":8080",
		TickInterval:     60 * time.Second,
		Workers:          4,
		QueueSize:        256,
		ShutdownGrace:    30 * time.Second,
		MinCallSpacing:   30 * time.Second,
		SessionTTL:       time.Hour,
		ProviderTimeout:  30 * time.Second,
		ScanPageSize:     20,
		ScanMaxPages:     1,
		BrandCacheTTL:    720 * time.Hour,
		CategoryCacheTTL: 168 * time.Hour,
		SeedCatalog:      true,
		SeedSegments:     []string{"fr", "de", "uk"},
		MinCheckInterval: 5,
		MaxCheckInterval: 1440,
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    func() *Config
		wantErr bool
	}{
		{
			name: "defaults applied",
			env:  map[string]string{},
			want: defaults,
		},
		{
			name: "all values set",
			env: map[string]string{
				"TELEGRAM_BOT_TOKEN": "tok",
				"DATABASE_PATH":      "/tmp/alerts.db",
				"LOG_LEVEL":          "debug",
				"ALLOWED_USERS":      "111,222,333",
				"HTTP_ADDR":          "127.0.0.1:9000",
				"TICK_INTERVAL":      "10s",
				"WORKERS":            "8",
				"MIN_CALL_SPACING":   "5s",
				"SCAN_PAGE_SIZE":     "96",
				"SCAN_MAX_PAGES":     "3",
				"SEED_CATALOG":       "false",
				"SEED_SEGMENTS":      "pl, it",
				"SLACK_WEBHOOK_URL":  "https://hooks.slack.com/services/x",
				"SENDGRID_API_KEY":   "sg-key",
				"MAIL_FROM":          "alerts@example.com",
			},
			want: func() *Config {
				c := defaults()
				c.TelegramBotToken = "tok"
				c.DatabasePath = "/tmp/alerts.db"
				c.LogLevel = "debug"
				c.AllowedUsers = []int64{111, 222, 333}
				c.HTTPAddr = "127.0.0.1:9000"
				c.TickInterval = 10 * time.Second
				c.Workers = 8
				c.MinCallSpacing = 5 * time.Second
				c.ScanPageSize = 96
				c.ScanMaxPages = 3
				c.SeedCatalog = false
				c.SeedSegments = []string{"pl", "it"}
				c.SlackWebhookURL = "https://hooks.slack.com/services/x"
				c.SendgridAPIKey = "sg-key"
				c.MailFrom = "alerts@example.com"
				return c
			},
		},
		{
			name: "allowed users with spaces",
			env:  map[string]string{"ALLOWED_USERS": " 10 , 20 , "},
			want: func() *Config {
				c := defaults()
				c.AllowedUsers = []int64{10, 20}
				return c
			},
		},
		{
			name: "http api disabled",
			env:  map[string]string{"HTTP_ADDR": "-"},
			want: func() *Config {
				c := defaults()
				c.HTTPAddr = ""
				return c
			},
		},
		{
			name:    "invalid user id",
			env:     map[string]string{"ALLOWED_USERS": "123,abc"},
			wantErr: true,
		},
		{
			name:    "invalid duration",
			env:     map[string]string{"TICK_INTERVAL": "soon"},
			wantErr: true,
		},
		{
			name:    "zero workers",
			env:     map[string]string{"WORKERS": "0"},
			wantErr: true,
		},
		{
			name:    "page size above provider maximum",
			env:     map[string]string{"SCAN_PAGE_SIZE": "200"},
			wantErr: true,
		},
		{
			name:    "inverted interval bounds",
			env:     map[string]string{"MIN_CHECK_INTERVAL": "60", "MAX_CHECK_INTERVAL": "30"},
			wantErr: true,
		},
		{
			name:    "sendgrid without sender",
			env:     map[string]string{"SENDGRID_API_KEY": "sg-key"},
			wantErr: true,
		},
		{
			name:    "invalid bool",
			env:     map[string]string{"SEED_CATALOG": "maybe"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range envKeys {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want(), got); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIsUserAllowed(t *testing.T) {
	tests := []struct {
		name         string
		allowedUsers []int64
		userID       int64
		want         bool
	}{
		{
			name:         "empty list allows everyone",
			allowedUsers: nil,
			userID:       42,
			want:         true,
		},
		{
			name:         "user in list",
			allowedUsers: []int64{10, 20, 30},
			userID:       20,
			want:         true,
		},
		{
			name:         "user not in list",
			allowedUsers: []int64{10, 20, 30},
			userID:       99,
			want:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{AllowedUsers: tt.allowedUsers}
			got := cfg.IsUserAllowed(tt.userID)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("IsUserAllowed() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
