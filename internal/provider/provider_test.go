package provider

import (
	"context"
	"errors"
	"net/url"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"

	"market_alerts/internal/model"
	"market_alerts/internal/session"
)

type mockCaller struct {
	body    string
	err     error
	segment string
	req     session.Request
}

func (m *mockCaller) Call(_ context.Context, segment string, req session.Request) (*session.Response, error) {
	m.segment = segment
	m.req = req
	if m.err != nil {
		return nil, m.err
	}
	return &session.Response{StatusCode: 200, Body: []byte(m.body)}, nil
}

func loadFixture(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test-only fixture loading
	if err != nil {
		t.Fatalf("read fixture %s: %v", path, err)
	}
	return string(data)
}

func ptr[T any](v T) *T { return &v }

func TestSearchQueryValues(t *testing.T) {
	tests := []struct {
		name  string
		query SearchQuery
		want  url.Values
	}{
		{
			name:  "defaults",
			query: SearchQuery{},
			want: url.Values{
				"per_page": {"20"},
				"page":     {"1"},
				"order":    {"newest_first"},
			},
		},
		{
			name: "all facets",
			query: SearchQuery{
				Text:         "air max",
				BrandIDs:     []int64{53, 14},
				CategoryIDs:  []int64{1231},
				SizeIDs:      []int64{776, 777},
				ConditionIDs: []int64{6},
				PriceMin:     ptr(20.0),
				PriceMax:     ptr(99.5),
				Currency:     "EUR",
				Page:         2,
				PerPage:      500,
			},
			want: url.Values{
				"per_page":    {"96"},
				"page":        {"2"},
				"order":       {"newest_first"},
				"search_text": {"air max"},
				"brand_ids":   {"53,14"},
				"catalog_ids": {"1231"},
				"size_ids":    {"776,777"},
				"status_ids":  {"6"},
				"price_from":  {"20"},
				"price_to":    {"99.5"},
				"currency":    {"EUR"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, tt.query.Values()); diff != "" {
				t.Errorf("Values() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestQueryForAlert(t *testing.T) {
	a := &model.Alert{
		SearchText:  "jacket",
		BrandIDs:    []int64{1},
		CategoryIDs: []int64{2},
		PriceMax:    ptr(50.0),
		Currency:    "GBP",
	}

	want := SearchQuery{
		Text:        "jacket",
		BrandIDs:    []int64{1},
		CategoryIDs: []int64{2},
		PriceMax:    ptr(50.0),
		Currency:    "GBP",
		Order:       "newest_first",
		Page:        1,
		PerPage:     20,
	}
	if diff := cmp.Diff(want, QueryForAlert(a, 20)); diff != "" {
		t.Errorf("QueryForAlert mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchItems(t *testing.T) {
	caller := &mockCaller{body: loadFixture(t, "../../testdata/items.json")}
	c := New(caller)

	page, err := c.SearchItems(context.Background(), "fr", SearchQuery{Text: "nike"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if caller.segment != "fr" || caller.req.Path != "/api/v2/catalog/items" {
		t.Errorf("unexpected call %s %s", caller.segment, caller.req.Path)
	}
	if got := caller.req.Query.Get("search_text"); got != "nike" {
		t.Errorf("search_text = %q, want %q", got, "nike")
	}

	want := &SearchPage{
		Page:       1,
		TotalPages: 7,
		Items: []model.Listing{
			{
				ID:        4012345678,
				Title:     "Nike Air Max 90",
				Price:     45,
				Currency:  "EUR",
				URL:       "https://www.vinted.fr/items/4012345678-nike-air-max-90",
				ImageURL:  "https://images1.vinted.net/t/01_air_max.jpeg",
				BrandName: "Nike",
				Size:      "42",
				Condition: "Very good",
			},
			{
				ID:        4012345601,
				Title:     "Veste en jean",
				Price:     15.5,
				Currency:  "EUR",
				URL:       "https://www.vinted.fr/items/4012345601-veste-en-jean",
				BrandName: "Levi's",
				Size:      "M",
				Condition: "Good",
			},
			{
				ID:        4012345555,
				Title:     "Sac",
				Price:     120,
				Currency:  "EUR",
				URL:       "https://www.vinted.fr/items/4012345555",
				Condition: "New with tags",
			},
		},
	}
	if diff := cmp.Diff(want, page); diff != "" {
		t.Errorf("SearchItems mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchItemsErrors(t *testing.T) {
	sessionErr := &session.SessionError{Segment: "fr", Err: errors.New("rejected")}

	tests := []struct {
		name   string
		caller *mockCaller
		check  func(error) bool
	}{
		{
			name:   "session error is preserved",
			caller: &mockCaller{err: sessionErr},
			check: func(err error) bool {
				var se *session.SessionError
				return errors.As(err, &se)
			},
		},
		{
			name:   "invalid json",
			caller: &mockCaller{body: "<html>captcha</html>"},
			check:  func(err error) bool { return err != nil },
		},
		{
			name:   "invalid price",
			caller: &mockCaller{body: `{"items":[{"id":1,"price":"free"}]}`},
			check:  func(err error) bool { return err != nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.caller).SearchItems(context.Background(), "fr", SearchQuery{})
			if !tt.check(err) {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

func TestSearchBrands(t *testing.T) {
	caller := &mockCaller{body: loadFixture(t, "../../testdata/brands.json")}

	got, err := New(caller).SearchBrands(context.Background(), "de", "nike")
	if err != nil {
		t.Fatalf("search brands: %v", err)
	}
	if got := caller.req.Query.Get("keyword"); got != "nike" {
		t.Errorf("keyword = %q, want %q", got, "nike")
	}

	want := []model.CatalogEntry{
		{Kind: model.KindBrand, ExternalID: 53, Segment: "de", Name: "Nike", Slug: "nike", ItemCount: 1523041},
		{Kind: model.KindBrand, ExternalID: 2319, Segment: "de", Name: "Nike ACG", Slug: "nike-acg", ItemCount: 10233},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SearchBrands mismatch (-want +got):\n%s", diff)
	}
}

func TestCategories(t *testing.T) {
	caller := &mockCaller{body: loadFixture(t, "../../testdata/catalogs.json")}

	got, err := New(caller).Categories(context.Background(), "fr")
	if err != nil {
		t.Fatalf("categories: %v", err)
	}

	want := []Category{
		{
			ID: 1904, Title: "Women", Slug: "women_root", ItemCount: 900,
			Children: []Category{
				{
					ID: 16, Title: "Shoes", Slug: "women_shoes", ItemCount: 300,
					Children: []Category{{ID: 2632, Title: "Boots", Slug: "women_boots", ItemCount: 120}},
				},
				{ID: 19, Title: "Bags", Slug: "women_bags", ItemCount: 200},
			},
		},
		{
			ID: 5, Title: "Men", Slug: "men_root", ItemCount: 500,
			Children: []Category{{ID: 1231, Title: "Shoes", Slug: "men_shoes", ItemCount: 250}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Categories mismatch (-want +got):\n%s", diff)
	}
}
