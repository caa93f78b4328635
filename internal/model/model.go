// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
)

// Alert is a saved marketplace search owned by a user.
type Alert struct {
	ID              int64
	UserID          int64  `validate:"required"`
	Name            string `validate:"required,max=100"`
	Segment         string `validate:"required,len=2,lowercase"`
	SearchText      string `validate:"max=200"`
	BrandIDs        []int64
	BrandNames      []string
	CategoryIDs     []int64
	CategoryNames   []string
	SizeIDs         []int64
	ConditionIDs    []int64
	PriceMin        *float64 `validate:"omitempty,gte=0"`
	PriceMax        *float64 `validate:"omitempty,gte=0"`
	Currency        string   `validate:"required,len=3,uppercase"`
	IntervalMinutes int      `validate:"required,gte=1"`
	IsActive        bool
	LastCheckAt     *time.Time
	LastSuccessAt   *time.Time
	LastFoundCount  int
	TotalFoundCount int
	LastError       string
	Notifications   NotificationConfig
	CreatedAt       time.Time
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that the check interval lies
// within [minInterval, maxInterval] minutes.
func (a *Alert) Validate(minInterval, maxInterval int) error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("validate alert: %w", err)
	}
	if a.IntervalMinutes < minInterval || a.IntervalMinutes > maxInterval {
		return fmt.Errorf("interval must be between %d and %d minutes", minInterval, maxInterval)
	}
	if a.PriceMin != nil && a.PriceMax != nil && *a.PriceMin > *a.PriceMax {
		return fmt.Errorf("price_min %.2f exceeds price_max %.2f", *a.PriceMin, *a.PriceMax)
	}
	return nil
}

// IsDue reports whether the alert should be scanned at now.
func (a *Alert) IsDue(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.LastCheckAt == nil {
		return true
	}
	return now.Sub(*a.LastCheckAt) >= time.Duration(a.IntervalMinutes)*time.Minute
}

// ChannelKind names a notification channel.
type ChannelKind string

// Supported notification channels.
const (
	ChannelTelegram ChannelKind = "telegram"
	ChannelSlack    ChannelKind = "slack"
	ChannelEmail    ChannelKind = "email"
	ChannelLog      ChannelKind = "log"
)

// ChannelSettings holds per-channel delivery settings. Only the fields
// relevant to the channel are set.
type ChannelSettings struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
	To         string `json:"to,omitempty"`
}

// NotificationConfig maps channels to their settings.
type NotificationConfig map[ChannelKind]ChannelSettings

// Enabled returns the enabled channels in a stable order.
func (c NotificationConfig) Enabled() []ChannelKind {
	var out []ChannelKind
	for _, k := range []ChannelKind{ChannelTelegram, ChannelSlack, ChannelEmail, ChannelLog} {
		if s, ok := c[k]; ok && s.Enabled {
			out = append(out, k)
		}
	}
	var extra []ChannelKind
	for k, s := range c {
		if !s.Enabled || isKnownChannel(k) {
			continue
		}
		extra = append(extra, k)
	}
	slices.Sort(extra)
	return append(out, extra...)
}

func isKnownChannel(k ChannelKind) bool {
	switch k {
	case ChannelTelegram, ChannelSlack, ChannelEmail, ChannelLog:
		return true
	}
	return false
}

// CatalogKind distinguishes brands from categories.
type CatalogKind string

// Catalog entry kinds.
const (
	KindBrand    CatalogKind = "brand"
	KindCategory CatalogKind = "category"
)

// CatalogEntry is a brand or category known to the provider in one segment.
// ParentID, Level and Path are only meaningful for categories.
type CatalogEntry struct {
	Kind       CatalogKind
	ExternalID int64
	Segment    string
	Name       string
	Slug       string
	ParentID   int64
	Level      int
	Path       string
	ItemCount  int
	IsPopular  bool
	UpdatedAt  time.Time
}

// CategoryNode is a category with its nested children.
type CategoryNode struct {
	CatalogEntry
	Children []*CategoryNode
}

// Listing is an item returned by the provider search.
type Listing struct {
	ID        int64
	Title     string
	Price     float64
	Currency  string
	URL       string
	ImageURL  string
	BrandName string
	Size      string
	Condition string
}

// SeenListing records a listing already discovered for an alert.
type SeenListing struct {
	AlertID int64
	Listing Listing
	SeenAt  time.Time
}
