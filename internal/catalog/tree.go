package catalog

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"market_alerts/internal/model"
	"market_alerts/internal/provider"
	"market_alerts/internal/storage"
)

// Tree returns the category hierarchy of a segment. The cached rows are used
// unless they are missing, older than the category TTL, or force is set.
// A failed refresh serves the cached tree if there is one and an empty
// SourceNone tree otherwise.
func (c *Cache) Tree(ctx context.Context, segment string, force bool) ([]*model.CategoryNode, Source, error) {
	rows, err := c.store.SearchCatalog(ctx, storage.CatalogQuery{Kind: model.KindCategory, Segment: segment})
	if err != nil {
		return nil, "", fmt.Errorf("list categories: %w", err)
	}

	source := SourceCache
	if force || len(rows) == 0 || c.stale(rows) {
		if err := c.refreshTree(ctx, segment); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, "", ctxErr
			}
			c.log.Warn("refresh category tree", "segment", segment, "error", err)
			if len(rows) == 0 {
				return nil, SourceNone, nil
			}
		} else {
			rows, err = c.store.SearchCatalog(ctx, storage.CatalogQuery{Kind: model.KindCategory, Segment: segment})
			if err != nil {
				return nil, "", fmt.Errorf("list categories: %w", err)
			}
			source = SourceLive
		}
	}

	roots, dropped := Build(rows)
	if dropped > 0 {
		c.log.Warn("inconsistent category rows skipped", "segment", segment, "count", dropped)
	}
	return roots, source, nil
}

// stale reports whether the newest cached row is past the category TTL.
func (c *Cache) stale(rows []model.CatalogEntry) bool {
	var newest time.Time
	for _, r := range rows {
		if r.UpdatedAt.After(newest) {
			newest = r.UpdatedAt
		}
	}
	return c.now().Sub(newest) >= c.categoryTTL
}

func (c *Cache) refreshTree(ctx context.Context, segment string) error {
	_, err, _ := c.group.Do("tree:"+segment, func() (any, error) {
		cats, err := c.provider.Categories(ctx, segment)
		if err != nil {
			return nil, err
		}
		if len(cats) == 0 {
			return nil, fmt.Errorf("empty category tree for %s", segment)
		}
		rows := Flatten(segment, cats, c.now())
		if err := c.store.ReplaceCategories(ctx, segment, rows); err != nil {
			return nil, fmt.Errorf("store categories: %w", err)
		}
		c.log.Info("category tree refreshed", "segment", segment, "categories", len(rows))
		return nil, nil
	})
	return err
}

// Flatten turns a provider tree into rows with parent links, depth (roots
// are level 0) and a materialized path such as "/Women/Shoes".
func Flatten(segment string, cats []provider.Category, updatedAt time.Time) []model.CatalogEntry {
	var out []model.CatalogEntry
	var walk func(nodes []provider.Category, parentID int64, level int, prefix string)
	walk = func(nodes []provider.Category, parentID int64, level int, prefix string) {
		for _, n := range nodes {
			path := prefix + "/" + strings.ReplaceAll(n.Title, "/", "-")
			out = append(out, model.CatalogEntry{
				Kind:       model.KindCategory,
				ExternalID: n.ID,
				Segment:    segment,
				Name:       n.Title,
				Slug:       n.Slug,
				ParentID:   parentID,
				Level:      level,
				Path:       path,
				ItemCount:  n.ItemCount,
				UpdatedAt:  updatedAt,
			})
			walk(n.Children, n.ID, level+1, path)
		}
	}
	walk(cats, 0, 0, "")
	return out
}

// Build reconstructs the nested tree from flat rows. A row is attached only
// when its parent exists one level above it, so the result never contains
// a cycle. Rows that cannot be attached are dropped and counted. Siblings
// are ordered by name.
func Build(rows []model.CatalogEntry) ([]*model.CategoryNode, int) {
	sorted := slices.Clone(rows)
	slices.SortStableFunc(sorted, func(a, b model.CatalogEntry) int {
		if a.Level != b.Level {
			return a.Level - b.Level
		}
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ExternalID, b.ExternalID)
	})

	nodes := make(map[int64]*model.CategoryNode, len(sorted))
	var roots []*model.CategoryNode
	dropped := 0
	for _, r := range sorted {
		if _, dup := nodes[r.ExternalID]; dup {
			dropped++
			continue
		}
		n := &model.CategoryNode{CatalogEntry: r}
		if r.ParentID == 0 {
			if r.Level != 0 {
				dropped++
				continue
			}
			roots = append(roots, n)
			nodes[r.ExternalID] = n
			continue
		}
		parent, ok := nodes[r.ParentID]
		if !ok || parent.Level != r.Level-1 {
			dropped++
			continue
		}
		parent.Children = append(parent.Children, n)
		nodes[r.ExternalID] = n
	}
	return roots, dropped
}
