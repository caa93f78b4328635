package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"market_alerts/internal/model"
)

// upsertBatch keeps statements well below SQLite's bound-parameter limit.
const upsertBatch = 200

var catalogColumns = []string{
	"kind", "external_id", "segment", "name", "slug", "parent_external_id",
	"level", "path", "item_count", "is_popular", "updated_at",
}

const catalogConflict = `ON CONFLICT(kind, external_id, segment) DO UPDATE SET
	name = excluded.name,
	slug = CASE WHEN excluded.slug = '' THEN catalog_entries.slug ELSE excluded.slug END,
	parent_external_id = excluded.parent_external_id,
	level = excluded.level,
	path = excluded.path,
	item_count = excluded.item_count,
	is_popular = MAX(catalog_entries.is_popular, excluded.is_popular),
	updated_at = excluded.updated_at`

// UpsertCatalogEntries inserts entries or refreshes existing ones matched on
// (kind, external id, segment). A popular entry stays popular.
func (s *SQLite) UpsertCatalogEntries(ctx context.Context, entries []model.CatalogEntry) error {
	for start := 0; start < len(entries); start += upsertBatch {
		end := min(start+upsertBatch, len(entries))
		query, args, err := upsertCatalogSQL(entries[start:end])
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert catalog entries: %w", err)
		}
	}
	return nil
}

// ReplaceCategories drops every cached category of a segment and stores
// entries in their place, atomically.
func (s *SQLite) ReplaceCategories(ctx context.Context, segment string, entries []model.CatalogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM catalog_entries WHERE kind = ? AND segment = ?`,
		string(model.KindCategory), segment,
	); err != nil {
		return fmt.Errorf("delete categories: %w", err)
	}

	for start := 0; start < len(entries); start += upsertBatch {
		end := min(start+upsertBatch, len(entries))
		query, args, err := upsertCatalogSQL(entries[start:end])
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert categories: %w", err)
		}
	}
	return tx.Commit()
}

// SearchCatalog returns entries matching q. Exact name matches rank first,
// then prefix matches, then other substring matches; ties are ordered by
// popularity and then alphabetically.
func (s *SQLite) SearchCatalog(ctx context.Context, q CatalogQuery) ([]model.CatalogEntry, error) {
	text := strings.ToLower(strings.TrimSpace(q.Text))

	b := sq.Select(catalogColumns...).
		From("catalog_entries").
		Where(sq.Eq{"kind": string(q.Kind), "segment": q.Segment})
	if len(q.IDs) > 0 {
		b = b.Where(sq.Eq{"external_id": q.IDs})
	}

	switch {
	case text == "":
	case q.Exact:
		b = b.Where("LOWER(name) = ?", text)
	default:
		b = b.Where(`LOWER(name) LIKE ? ESCAPE '\'`, "%"+escapeLike(text)+"%")
	}

	if text != "" {
		b = b.OrderByClause(
			`CASE WHEN LOWER(name) = ? THEN 0 WHEN LOWER(name) LIKE ? ESCAPE '\' THEN 1 ELSE 2 END`,
			text, escapeLike(text)+"%",
		)
	}
	b = b.OrderBy("is_popular DESC", "name COLLATE NOCASE ASC", "external_id ASC")
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build catalog query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.CatalogEntry
	for rows.Next() {
		var e model.CatalogEntry
		var kind, updated string
		var popular int
		if err := rows.Scan(&kind, &e.ExternalID, &e.Segment, &e.Name, &e.Slug, &e.ParentID,
			&e.Level, &e.Path, &e.ItemCount, &popular, &updated); err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		e.Kind = model.CatalogKind(kind)
		e.IsPopular = popular == 1
		e.UpdatedAt, _ = time.Parse(timeLayout, updated)
		out = append(out, e)
	}
	return out, rows.Err()
}

func upsertCatalogSQL(entries []model.CatalogEntry) (string, []any, error) {
	b := sq.Insert("catalog_entries").Columns(catalogColumns...)
	for _, e := range entries {
		updated := e.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		b = b.Values(string(e.Kind), e.ExternalID, e.Segment, e.Name, e.Slug, e.ParentID,
			e.Level, e.Path, e.ItemCount, boolToInt(e.IsPopular), updated.UTC().Format(timeLayout))
	}
	query, args, err := b.Suffix(catalogConflict).ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build catalog upsert: %w", err)
	}
	return query, args, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
