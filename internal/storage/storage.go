// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"market_alerts/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CatalogQuery selects catalog entries of one kind within a segment.
// An empty Text matches every entry; Exact requires a case-insensitive
// full-name match instead of a substring match. A non-empty IDs restricts
// the result to those external ids.
type CatalogQuery struct {
	Kind    model.CatalogKind
	Segment string
	Text    string
	Exact   bool
	IDs     []int64
	Limit   int
}

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateAlert(ctx context.Context, alert *model.Alert) error
	GetAlert(ctx context.Context, id int64) (*model.Alert, error)
	ListAlerts(ctx context.Context, userID int64) ([]model.Alert, error)
	ListDueAlerts(ctx context.Context, now time.Time) ([]model.Alert, error)
	UpdateAlert(ctx context.Context, alert *model.Alert) error
	RecordScan(ctx context.Context, id int64, checkedAt time.Time, found int, scanErr string) error
	DeleteAlert(ctx context.Context, id int64) error
	ResetAlertHistory(ctx context.Context, id int64) error

	UpsertCatalogEntries(ctx context.Context, entries []model.CatalogEntry) error
	SearchCatalog(ctx context.Context, q CatalogQuery) ([]model.CatalogEntry, error)
	ReplaceCategories(ctx context.Context, segment string, entries []model.CatalogEntry) error

	InsertSeen(ctx context.Context, seen model.SeenListing) (bool, error)
	IsSeen(ctx context.Context, alertID, listingID int64) (bool, error)
	ListSeen(ctx context.Context, alertID int64, limit int) ([]model.SeenListing, error)

	Close() error
}
