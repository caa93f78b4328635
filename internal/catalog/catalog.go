// Package catalog resolves brand and category names to provider identifiers,
// caching them locally with a per-kind freshness window.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"market_alerts/internal/model"
	"market_alerts/internal/provider"
	"market_alerts/internal/storage"
)

// ErrCacheMissUnresolvable is returned when a name matches nothing, either
// cached or live.
var ErrCacheMissUnresolvable = errors.New("catalog entry not found")

// Source tells where lookup results came from.
type Source string

// Lookup sources. SourceNone means the cache was cold and the live fetch failed.
const (
	SourceCache Source = "cache"
	SourceLive  Source = "live"
	SourceNone  Source = "none"
)

// Store is the persistence used by the cache.
type Store interface {
	UpsertCatalogEntries(ctx context.Context, entries []model.CatalogEntry) error
	SearchCatalog(ctx context.Context, q storage.CatalogQuery) ([]model.CatalogEntry, error)
	ReplaceCategories(ctx context.Context, segment string, entries []model.CatalogEntry) error
}

// Provider fetches catalog data from the marketplace.
type Provider interface {
	SearchBrands(ctx context.Context, segment, keyword string) ([]model.CatalogEntry, error)
	Categories(ctx context.Context, segment string) ([]provider.Category, error)
}

// Result is the outcome of a lookup.
type Result struct {
	Entries []model.CatalogEntry
	Source  Source
}

// Cache is the catalog lookup service.
type Cache struct {
	store       Store
	provider    Provider
	log         *slog.Logger
	brandTTL    time.Duration
	categoryTTL time.Duration
	now         func() time.Time
	group       singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the freshness windows for brands and categories.
func WithTTL(brand, category time.Duration) Option {
	return func(c *Cache) {
		c.brandTTL = brand
		c.categoryTTL = category
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a Cache.
func New(store Store, p Provider, log *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:       store,
		provider:    p,
		log:         log,
		brandTTL:    30 * 24 * time.Hour,
		categoryTTL: 7 * 24 * time.Hour,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns entries of kind in segment whose name contains query.
// Fresh cached matches are served as SourceCache. Otherwise, or when force
// is set, the provider is asked and the results are stored and served as
// SourceLive. A failing live fetch falls back to stale matches, or to an
// empty SourceNone result on a cold cache.
func (c *Cache) Lookup(ctx context.Context, kind model.CatalogKind, query, segment string, limit int, force bool) (Result, error) {
	cached, err := c.store.SearchCatalog(ctx, storage.CatalogQuery{Kind: kind, Segment: segment, Text: query})
	if err != nil {
		return Result{}, fmt.Errorf("search cached %s: %w", kind, err)
	}

	if !force {
		if fresh := c.freshOnly(kind, cached); len(fresh) > 0 {
			return Result{Entries: truncate(fresh, limit), Source: SourceCache}, nil
		}
	}

	live, err := c.fetch(ctx, kind, query, segment)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		c.log.Warn("live catalog lookup failed", "kind", kind, "segment", segment, "query", query, "error", err)
		if len(cached) > 0 {
			return Result{Entries: truncate(cached, limit), Source: SourceCache}, nil
		}
		return Result{Source: SourceNone}, nil
	}
	return Result{Entries: truncate(live, limit), Source: SourceLive}, nil
}

// Resolve maps display names to catalog entries. Categories may also be
// given by path, e.g. "/Women/Shoes". Every unmatched name is reported in
// an ErrCacheMissUnresolvable error.
func (c *Cache) Resolve(ctx context.Context, kind model.CatalogKind, segment string, names []string) ([]model.CatalogEntry, error) {
	var out []model.CatalogEntry
	var missing []string

	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		e, ok, err := c.resolveOne(ctx, kind, segment, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, name)
			continue
		}
		out = append(out, e)
	}

	if len(missing) > 0 {
		return out, fmt.Errorf("%w: %s %s", ErrCacheMissUnresolvable, kind, strings.Join(missing, ", "))
	}
	return out, nil
}

func (c *Cache) resolveOne(ctx context.Context, kind model.CatalogKind, segment, name string) (model.CatalogEntry, bool, error) {
	if kind == model.KindCategory {
		if _, _, err := c.Tree(ctx, segment, false); err != nil {
			return model.CatalogEntry{}, false, err
		}
		rows, err := c.store.SearchCatalog(ctx, storage.CatalogQuery{Kind: kind, Segment: segment})
		if err != nil {
			return model.CatalogEntry{}, false, fmt.Errorf("list categories: %w", err)
		}
		e, ok := matchCategory(rows, name)
		return e, ok, nil
	}

	exact, err := c.store.SearchCatalog(ctx, storage.CatalogQuery{Kind: kind, Segment: segment, Text: name, Exact: true, Limit: 1})
	if err != nil {
		return model.CatalogEntry{}, false, fmt.Errorf("search cached %s: %w", kind, err)
	}
	if len(exact) > 0 {
		return exact[0], true, nil
	}

	res, err := c.Lookup(ctx, kind, name, segment, 0, true)
	if err != nil {
		return model.CatalogEntry{}, false, err
	}
	for _, e := range res.Entries {
		if strings.EqualFold(e.Name, name) {
			return e, true, nil
		}
	}
	return model.CatalogEntry{}, false, nil
}

// matchCategory prefers a path match, then the shallowest name match.
func matchCategory(rows []model.CatalogEntry, name string) (model.CatalogEntry, bool) {
	if strings.HasPrefix(name, "/") {
		for _, e := range rows {
			if strings.EqualFold(e.Path, name) {
				return e, true
			}
		}
		return model.CatalogEntry{}, false
	}

	var best *model.CatalogEntry
	for i := range rows {
		e := &rows[i]
		if !strings.EqualFold(e.Name, name) {
			continue
		}
		if best == nil || e.Level < best.Level {
			best = e
		}
	}
	if best == nil {
		return model.CatalogEntry{}, false
	}
	return *best, true
}

func (c *Cache) fetch(ctx context.Context, kind model.CatalogKind, query, segment string) ([]model.CatalogEntry, error) {
	switch kind {
	case model.KindBrand:
		v, err, _ := c.group.Do("brand:"+segment+":"+strings.ToLower(query), func() (any, error) {
			entries, err := c.provider.SearchBrands(ctx, segment, query)
			if err != nil {
				return nil, err
			}
			now := c.now()
			for i := range entries {
				entries[i].UpdatedAt = now
			}
			if err := c.store.UpsertCatalogEntries(ctx, entries); err != nil {
				return nil, fmt.Errorf("store brands: %w", err)
			}
			if len(entries) == 0 {
				return []model.CatalogEntry(nil), nil
			}
			// Stored rows carry the popularity flag the provider never reports.
			ids := make([]int64, len(entries))
			for i, e := range entries {
				ids[i] = e.ExternalID
			}
			stored, err := c.store.SearchCatalog(ctx, storage.CatalogQuery{Kind: model.KindBrand, Segment: segment, IDs: ids})
			if err != nil {
				return nil, fmt.Errorf("reload brands: %w", err)
			}
			return stored, nil
		})
		if err != nil {
			return nil, err
		}
		entries := slices.Clone(v.([]model.CatalogEntry))
		Rank(entries, query)
		return entries, nil

	case model.KindCategory:
		if err := c.refreshTree(ctx, segment); err != nil {
			return nil, err
		}
		return c.store.SearchCatalog(ctx, storage.CatalogQuery{Kind: kind, Segment: segment, Text: query})
	}
	return nil, fmt.Errorf("unknown catalog kind %q", kind)
}

func (c *Cache) ttl(kind model.CatalogKind) time.Duration {
	if kind == model.KindCategory {
		return c.categoryTTL
	}
	return c.brandTTL
}

func (c *Cache) freshOnly(kind model.CatalogKind, entries []model.CatalogEntry) []model.CatalogEntry {
	cutoff := c.now().Add(-c.ttl(kind))
	var out []model.CatalogEntry
	for _, e := range entries {
		if e.UpdatedAt.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Rank orders entries by match quality against query (exact, prefix,
// substring, other), then popularity, then name.
func Rank(entries []model.CatalogEntry, query string) {
	q := strings.ToLower(strings.TrimSpace(query))
	score := func(name string) int {
		n := strings.ToLower(name)
		switch {
		case q == "":
			return 0
		case n == q:
			return 0
		case strings.HasPrefix(n, q):
			return 1
		case strings.Contains(n, q):
			return 2
		}
		return 3
	}
	slices.SortStableFunc(entries, func(a, b model.CatalogEntry) int {
		if d := score(a.Name) - score(b.Name); d != 0 {
			return d
		}
		if a.IsPopular != b.IsPopular {
			if a.IsPopular {
				return -1
			}
			return 1
		}
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
}

func truncate(entries []model.CatalogEntry, limit int) []model.CatalogEntry {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}
