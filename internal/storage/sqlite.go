package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"market_alerts/internal/model"
	"market_alerts/migrations"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

const alertColumns = `id, user_id, name, segment, search_text, brand_ids, brand_names,
	category_ids, category_names, size_ids, condition_ids, price_min, price_max, currency,
	interval_minutes, is_active, last_check_at, last_success_at, last_found_count,
	total_found_count, last_error, notification_config, created_at`

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// An in-memory database exists per connection.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateAlert inserts a new alert and populates its ID and CreatedAt.
func (s *SQLite) CreateAlert(ctx context.Context, alert *model.Alert) error {
	cols, err := encodeAlert(alert)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts (user_id, name, segment, search_text, brand_ids, brand_names,
		     category_ids, category_names, size_ids, condition_ids, price_min, price_max,
		     currency, interval_minutes, is_active, notification_config, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.UserID, alert.Name, alert.Segment, alert.SearchText,
		cols.brandIDs, cols.brandNames, cols.categoryIDs, cols.categoryNames,
		cols.sizeIDs, cols.conditionIDs, alert.PriceMin, alert.PriceMax,
		alert.Currency, alert.IntervalMinutes, boolToInt(alert.IsActive), cols.notifications, now,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	alert.ID = id
	alert.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetAlert returns a single alert by its ID.
func (s *SQLite) GetAlert(ctx context.Context, id int64) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %d: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAlerts returns all alerts belonging to the given user.
func (s *SQLite) ListAlerts(ctx context.Context, userID int64) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE user_id = ? ORDER BY id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAlerts(rows)
}

// ListDueAlerts returns active alerts whose interval has elapsed at now.
// Never-checked alerts come first, then the longest-waiting ones.
func (s *SQLite) ListDueAlerts(ctx context.Context, now time.Time) ([]model.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+`
		 FROM alerts
		 WHERE is_active = 1
		   AND (last_check_at IS NULL
		        OR CAST(ROUND((julianday(?) - julianday(last_check_at)) * 86400000) AS INTEGER)
		           >= interval_minutes * 60000)
		 ORDER BY last_check_at IS NOT NULL, last_check_at, id`,
		now.UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query due alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAlerts(rows)
}

// UpdateAlert persists user-editable fields of an existing alert.
// Scan bookkeeping is written by RecordScan only.
func (s *SQLite) UpdateAlert(ctx context.Context, alert *model.Alert) error {
	cols, err := encodeAlert(alert)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET name = ?, segment = ?, search_text = ?, brand_ids = ?, brand_names = ?,
		     category_ids = ?, category_names = ?, size_ids = ?, condition_ids = ?,
		     price_min = ?, price_max = ?, currency = ?, interval_minutes = ?, is_active = ?,
		     notification_config = ?
		 WHERE id = ?`,
		alert.Name, alert.Segment, alert.SearchText, cols.brandIDs, cols.brandNames,
		cols.categoryIDs, cols.categoryNames, cols.sizeIDs, cols.conditionIDs,
		alert.PriceMin, alert.PriceMax, alert.Currency, alert.IntervalMinutes,
		boolToInt(alert.IsActive), cols.notifications, alert.ID,
	)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	return requireRow(res, "alert", alert.ID)
}

// RecordScan stores the outcome of a completed scan. The check time always
// advances; counters and the success time only move when scanErr is empty.
func (s *SQLite) RecordScan(ctx context.Context, id int64, checkedAt time.Time, found int, scanErr string) error {
	at := checkedAt.UTC().Format(timeLayout)
	var res sql.Result
	var err error
	if scanErr != "" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE alerts SET last_check_at = ?, last_error = ? WHERE id = ?`,
			at, scanErr, id,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE alerts SET last_check_at = ?, last_success_at = ?, last_error = '',
			     last_found_count = ?, total_found_count = total_found_count + ?
			 WHERE id = ?`,
			at, at, found, found, id,
		)
	}
	if err != nil {
		return fmt.Errorf("record scan: %w", err)
	}
	return requireRow(res, "alert", id)
}

// DeleteAlert removes an alert and its seen listings.
func (s *SQLite) DeleteAlert(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM seen_listings WHERE alert_id = ?`, id); err != nil {
		return fmt.Errorf("delete seen_listings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM alerts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete alert: %w", err)
	}
	return tx.Commit()
}

// ResetAlertHistory forgets every listing seen for an alert and clears its
// check times, so the next scan records a fresh baseline.
func (s *SQLite) ResetAlertHistory(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM seen_listings WHERE alert_id = ?`, id); err != nil {
		return fmt.Errorf("delete seen_listings: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE alerts SET last_check_at = NULL, last_success_at = NULL, last_found_count = 0 WHERE id = ?`,
		id,
	)
	if err != nil {
		return fmt.Errorf("reset alert: %w", err)
	}
	if err := requireRow(res, "alert", id); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertSeen records a listing for an alert unless it is already present.
// It reports whether a new row was written; a duplicate is not an error.
func (s *SQLite) InsertSeen(ctx context.Context, seen model.SeenListing) (bool, error) {
	l := seen.Listing
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO seen_listings (alert_id, listing_id, title, price, currency, url,
		     image_url, brand, size, condition, seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(alert_id, listing_id) DO NOTHING`,
		seen.AlertID, l.ID, l.Title, l.Price, l.Currency, l.URL,
		l.ImageURL, l.BrandName, l.Size, l.Condition, seen.SeenAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return false, fmt.Errorf("insert seen listing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// IsSeen checks whether a listing was already recorded for an alert.
func (s *SQLite) IsSeen(ctx context.Context, alertID, listingID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seen_listings WHERE alert_id = ? AND listing_id = ?`,
		alertID, listingID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check seen: %w", err)
	}
	return count > 0, nil
}

// ListSeen returns the most recently discovered listings of an alert.
func (s *SQLite) ListSeen(ctx context.Context, alertID int64, limit int) ([]model.SeenListing, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT alert_id, listing_id, title, price, currency, url, image_url, brand, size, condition, seen_at
		 FROM seen_listings WHERE alert_id = ?
		 ORDER BY seen_at DESC, listing_id DESC LIMIT ?`,
		alertID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query seen listings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SeenListing
	for rows.Next() {
		var sl model.SeenListing
		var seenAt string
		l := &sl.Listing
		if err := rows.Scan(&sl.AlertID, &l.ID, &l.Title, &l.Price, &l.Currency, &l.URL,
			&l.ImageURL, &l.BrandName, &l.Size, &l.Condition, &seenAt); err != nil {
			return nil, fmt.Errorf("scan seen listing: %w", err)
		}
		sl.SeenAt, _ = time.Parse(timeLayout, seenAt)
		out = append(out, sl)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

type alertJSONColumns struct {
	brandIDs, brandNames, categoryIDs, categoryNames string
	sizeIDs, conditionIDs, notifications             string
}

func encodeAlert(a *model.Alert) (alertJSONColumns, error) {
	var c alertJSONColumns
	fields := []struct {
		dst *string
		v   any
	}{
		{&c.brandIDs, nonNil(a.BrandIDs)},
		{&c.brandNames, nonNil(a.BrandNames)},
		{&c.categoryIDs, nonNil(a.CategoryIDs)},
		{&c.categoryNames, nonNil(a.CategoryNames)},
		{&c.sizeIDs, nonNil(a.SizeIDs)},
		{&c.conditionIDs, nonNil(a.ConditionIDs)},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.v)
		if err != nil {
			return c, fmt.Errorf("encode alert facets: %w", err)
		}
		*f.dst = string(b)
	}

	notifications := a.Notifications
	if notifications == nil {
		notifications = model.NotificationConfig{}
	}
	b, err := json.Marshal(notifications)
	if err != nil {
		return c, fmt.Errorf("encode notification config: %w", err)
	}
	c.notifications = string(b)
	return c, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAlert(row scannable) (*model.Alert, error) {
	var a model.Alert
	var isActive int
	var priceMin, priceMax sql.NullFloat64
	var lastCheck, lastSuccess sql.NullString
	var created string
	var brandIDs, brandNames, categoryIDs, categoryNames, sizeIDs, conditionIDs, notifications string
	err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Segment, &a.SearchText,
		&brandIDs, &brandNames, &categoryIDs, &categoryNames, &sizeIDs, &conditionIDs,
		&priceMin, &priceMax, &a.Currency, &a.IntervalMinutes, &isActive,
		&lastCheck, &lastSuccess, &a.LastFoundCount, &a.TotalFoundCount, &a.LastError,
		&notifications, &created,
	)
	if err != nil {
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	a.IsActive = isActive == 1
	if priceMin.Valid {
		a.PriceMin = &priceMin.Float64
	}
	if priceMax.Valid {
		a.PriceMax = &priceMax.Float64
	}
	a.LastCheckAt = parseNullTime(lastCheck)
	a.LastSuccessAt = parseNullTime(lastSuccess)
	a.CreatedAt, _ = time.Parse(timeLayout, created)

	fields := []struct {
		raw string
		dst any
	}{
		{brandIDs, &a.BrandIDs},
		{brandNames, &a.BrandNames},
		{categoryIDs, &a.CategoryIDs},
		{categoryNames, &a.CategoryNames},
		{sizeIDs, &a.SizeIDs},
		{conditionIDs, &a.ConditionIDs},
		{notifications, &a.Notifications},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode alert %d: %w", a.ID, err)
		}
	}
	normalizeAlert(&a)
	return &a, nil
}

// normalizeAlert maps empty JSON collections back to nil.
func normalizeAlert(a *model.Alert) {
	if len(a.BrandIDs) == 0 {
		a.BrandIDs = nil
	}
	if len(a.BrandNames) == 0 {
		a.BrandNames = nil
	}
	if len(a.CategoryIDs) == 0 {
		a.CategoryIDs = nil
	}
	if len(a.CategoryNames) == 0 {
		a.CategoryNames = nil
	}
	if len(a.SizeIDs) == 0 {
		a.SizeIDs = nil
	}
	if len(a.ConditionIDs) == 0 {
		a.ConditionIDs = nil
	}
	if len(a.Notifications) == 0 {
		a.Notifications = nil
	}
}

func scanAlerts(rows *sql.Rows) ([]model.Alert, error) {
	var alerts []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return nil
	}
	return &t
}
