package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"market_alerts/internal/model"
)

func brand(id int64, name string, popular bool) model.CatalogEntry {
	return model.CatalogEntry{Kind: model.KindBrand, ExternalID: id, Segment: "fr", Name: name, IsPopular: popular}
}

func entryNames(entries []model.CatalogEntry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestSearchCatalogRanking(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	entries := []model.CatalogEntry{
		brand(1, "Nike", true),
		brand(2, "Nike ACG", false),
		brand(3, "Nikeland", true),
		brand(4, "Vintage Nike", false),
		brand(5, "Adidas", true),
		brand(6, "100%_cotton", false),
		{Kind: model.KindBrand, ExternalID: 7, Segment: "de", Name: "Nike"},
		{Kind: model.KindCategory, ExternalID: 8, Segment: "fr", Name: "Nike shoes"},
	}
	if err := s.UpsertCatalogEntries(ctx, entries); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	tests := []struct {
		name  string
		query CatalogQuery
		want  []string
	}{
		{
			name:  "exact then popular prefix then prefix then substring",
			query: CatalogQuery{Kind: model.KindBrand, Segment: "fr", Text: "nike"},
			want:  []string{"Nike", "Nikeland", "Nike ACG", "Vintage Nike"},
		},
		{
			name:  "limit",
			query: CatalogQuery{Kind: model.KindBrand, Segment: "fr", Text: "NIKE", Limit: 2},
			want:  []string{"Nike", "Nikeland"},
		},
		{
			name:  "exact only",
			query: CatalogQuery{Kind: model.KindBrand, Segment: "fr", Text: "nike acg", Exact: true},
			want:  []string{"Nike ACG"},
		},
		{
			name:  "like wildcards are literal",
			query: CatalogQuery{Kind: model.KindBrand, Segment: "fr", Text: "%_"},
			want:  []string{"100%_cotton"},
		},
		{
			name:  "empty text lists popular first",
			query: CatalogQuery{Kind: model.KindBrand, Segment: "fr", Limit: 3},
			want:  []string{"Adidas", "Nike", "Nikeland"},
		},
		{
			name:  "restricted to ids",
			query: CatalogQuery{Kind: model.KindBrand, Segment: "fr", IDs: []int64{2, 5, 7}},
			want:  []string{"Adidas", "Nike ACG"},
		},
		{
			name:  "ids and text",
			query: CatalogQuery{Kind: model.KindBrand, Segment: "fr", Text: "nike", IDs: []int64{2, 3, 4}},
			want:  []string{"Nikeland", "Nike ACG", "Vintage Nike"},
		},
		{
			name:  "no match",
			query: CatalogQuery{Kind: model.KindBrand, Segment: "fr", Text: "gucci"},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.SearchCatalog(ctx, tt.query)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if diff := cmp.Diff(tt.want, entryNames(got)); diff != "" {
				t.Errorf("SearchCatalog mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestUpsertCatalogKeepsPopularity(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seeded := brand(53, "Nike", true)
	seeded.UpdatedAt = old
	if err := s.UpsertCatalogEntries(ctx, []model.CatalogEntry{seeded}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	fresh := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	live := brand(53, "NIKE", false)
	live.ItemCount = 1200
	live.UpdatedAt = fresh
	if err := s.UpsertCatalogEntries(ctx, []model.CatalogEntry{live}); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got, err := s.SearchCatalog(ctx, CatalogQuery{Kind: model.KindBrand, Segment: "fr", Text: "nike"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	want := []model.CatalogEntry{{
		Kind: model.KindBrand, ExternalID: 53, Segment: "fr", Name: "NIKE",
		ItemCount: 1200, IsPopular: true, UpdatedAt: fresh,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("after upsert (-want +got):\n%s", diff)
	}
}

func TestReplaceCategories(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	first := []model.CatalogEntry{
		{Kind: model.KindCategory, ExternalID: 1, Segment: "fr", Name: "Women", Path: "/Women"},
		{Kind: model.KindCategory, ExternalID: 2, Segment: "fr", Name: "Shoes", ParentID: 1, Level: 1, Path: "/Women/Shoes"},
		{Kind: model.KindCategory, ExternalID: 1, Segment: "de", Name: "Damen", Path: "/Damen"},
	}
	if err := s.UpsertCatalogEntries(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	second := []model.CatalogEntry{
		{Kind: model.KindCategory, ExternalID: 1, Segment: "fr", Name: "Women", Path: "/Women"},
		{Kind: model.KindCategory, ExternalID: 3, Segment: "fr", Name: "Bags", ParentID: 1, Level: 1, Path: "/Women/Bags"},
	}
	if err := s.ReplaceCategories(ctx, "fr", second); err != nil {
		t.Fatalf("replace: %v", err)
	}

	fr, err := s.SearchCatalog(ctx, CatalogQuery{Kind: model.KindCategory, Segment: "fr"})
	if err != nil {
		t.Fatalf("search fr: %v", err)
	}
	if diff := cmp.Diff([]string{"Bags", "Women"}, entryNames(fr)); diff != "" {
		t.Errorf("fr categories (-want +got):\n%s", diff)
	}

	de, err := s.SearchCatalog(ctx, CatalogQuery{Kind: model.KindCategory, Segment: "de"})
	if err != nil {
		t.Fatalf("search de: %v", err)
	}
	if diff := cmp.Diff([]string{"Damen"}, entryNames(de)); diff != "" {
		t.Errorf("de categories untouched (-want +got):\n%s", diff)
	}
}
