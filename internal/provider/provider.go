// Package provider speaks the marketplace catalog API on top of a segment
// session.
package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"market_alerts/internal/model"
	"market_alerts/internal/session"
)

// MaxPerPage is the largest page size the search endpoint accepts.
const MaxPerPage = 96

// Caller executes a request within a segment session.
type Caller interface {
	Call(ctx context.Context, segment string, req session.Request) (*session.Response, error)
}

// SearchQuery is a catalog search built from alert facets.
type SearchQuery struct {
	Text         string
	BrandIDs     []int64
	CategoryIDs  []int64
	SizeIDs      []int64
	ConditionIDs []int64
	PriceMin     *float64
	PriceMax     *float64
	Currency     string
	Order        string
	Page         int
	PerPage      int
}

// QueryForAlert builds the first-page search for an alert, newest first.
func QueryForAlert(a *model.Alert, perPage int) SearchQuery {
	return SearchQuery{
		Text:         a.SearchText,
		BrandIDs:     a.BrandIDs,
		CategoryIDs:  a.CategoryIDs,
		SizeIDs:      a.SizeIDs,
		ConditionIDs: a.ConditionIDs,
		PriceMin:     a.PriceMin,
		PriceMax:     a.PriceMax,
		Currency:     a.Currency,
		Order:        "newest_first",
		Page:         1,
		PerPage:      perPage,
	}
}

// Values encodes the query as URL parameters.
func (q SearchQuery) Values() url.Values {
	v := url.Values{}
	perPage := q.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	v.Set("per_page", strconv.Itoa(min(perPage, MaxPerPage)))
	v.Set("page", strconv.Itoa(max(q.Page, 1)))
	order := q.Order
	if order == "" {
		order = "newest_first"
	}
	v.Set("order", order)
	if q.Text != "" {
		v.Set("search_text", q.Text)
	}
	setIDs(v, "brand_ids", q.BrandIDs)
	setIDs(v, "catalog_ids", q.CategoryIDs)
	setIDs(v, "size_ids", q.SizeIDs)
	setIDs(v, "status_ids", q.ConditionIDs)
	if q.PriceMin != nil {
		v.Set("price_from", strconv.FormatFloat(*q.PriceMin, 'f', -1, 64))
	}
	if q.PriceMax != nil {
		v.Set("price_to", strconv.FormatFloat(*q.PriceMax, 'f', -1, 64))
	}
	if q.Currency != "" {
		v.Set("currency", q.Currency)
	}
	return v
}

func setIDs(v url.Values, key string, ids []int64) {
	if len(ids) == 0 {
		return
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	v.Set(key, strings.Join(parts, ","))
}

// SearchPage is one page of search results in provider order.
type SearchPage struct {
	Items      []model.Listing
	Page       int
	TotalPages int
}

// Category is a node of the provider category tree.
type Category struct {
	ID        int64
	Title     string
	Slug      string
	ItemCount int
	Children  []Category
}

// Client calls the marketplace API.
type Client struct {
	caller Caller
}

// New creates a Client issuing requests through caller.
func New(caller Caller) *Client {
	return &Client{caller: caller}
}

// SearchItems returns one page of listings matching q.
func (c *Client) SearchItems(ctx context.Context, segment string, q SearchQuery) (*SearchPage, error) {
	var body itemsResponse
	if err := c.get(ctx, segment, "/api/v2/catalog/items", q.Values(), &body); err != nil {
		return nil, fmt.Errorf("search items: %w", err)
	}

	base, _ := session.BaseURL(segment)
	page := &SearchPage{
		Page:       body.Pagination.CurrentPage,
		TotalPages: body.Pagination.TotalPages,
		Items:      make([]model.Listing, 0, len(body.Items)),
	}
	for _, it := range body.Items {
		page.Items = append(page.Items, it.listing(base))
	}
	return page, nil
}

// SearchBrands returns brands whose name matches keyword.
func (c *Client) SearchBrands(ctx context.Context, segment, keyword string) ([]model.CatalogEntry, error) {
	var body brandsResponse
	q := url.Values{"keyword": {keyword}}
	if err := c.get(ctx, segment, "/api/v2/brands", q, &body); err != nil {
		return nil, fmt.Errorf("search brands: %w", err)
	}

	out := make([]model.CatalogEntry, 0, len(body.Brands))
	for _, b := range body.Brands {
		out = append(out, model.CatalogEntry{
			Kind:       model.KindBrand,
			ExternalID: b.ID,
			Segment:    segment,
			Name:       b.Title,
			Slug:       b.Slug,
			ItemCount:  b.ItemCount,
		})
	}
	return out, nil
}

// Categories returns the full category tree of a segment.
func (c *Client) Categories(ctx context.Context, segment string) ([]Category, error) {
	var body catalogsResponse
	if err := c.get(ctx, segment, "/api/v2/catalogs", nil, &body); err != nil {
		return nil, fmt.Errorf("fetch categories: %w", err)
	}
	return convertCategories(body.Catalogs), nil
}

func (c *Client) get(ctx context.Context, segment, path string, q url.Values, dst any) error {
	resp, err := c.caller.Call(ctx, segment, session.Request{Method: http.MethodGet, Path: path, Query: q})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

type itemsResponse struct {
	Items      []itemJSON `json:"items"`
	Pagination struct {
		CurrentPage int `json:"current_page"`
		TotalPages  int `json:"total_pages"`
	} `json:"pagination"`
}

type itemJSON struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	Price      priceJSON `json:"price"`
	Currency   string    `json:"currency"`
	URL        string    `json:"url"`
	Photo      *struct {
		URL string `json:"url"`
	} `json:"photo"`
	BrandTitle string `json:"brand_title"`
	SizeTitle  string `json:"size_title"`
	Status     string `json:"status"`
}

func (it itemJSON) listing(base string) model.Listing {
	l := model.Listing{
		ID:        it.ID,
		Title:     it.Title,
		Price:     it.Price.Amount,
		Currency:  it.Currency,
		URL:       it.URL,
		BrandName: it.BrandTitle,
		Size:      it.SizeTitle,
		Condition: it.Status,
	}
	if l.Currency == "" {
		l.Currency = it.Price.Currency
	}
	if it.Photo != nil {
		l.ImageURL = it.Photo.URL
	}
	if l.URL == "" {
		l.URL = fmt.Sprintf("%s/items/%d", base, it.ID)
	} else if strings.HasPrefix(l.URL, "/") {
		l.URL = base + l.URL
	}
	return l
}

// priceJSON accepts either a decimal string or an {amount, currency_code} object.
type priceJSON struct {
	Amount   float64
	Currency string
}

func (p *priceJSON) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}

	switch b[0] {
	case '{':
		var obj struct {
			Amount       json.RawMessage `json:"amount"`
			CurrencyCode string          `json:"currency_code"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return fmt.Errorf("decode price object: %w", err)
		}
		var amount priceJSON
		if err := amount.UnmarshalJSON(obj.Amount); err != nil {
			return err
		}
		p.Amount = amount.Amount
		p.Currency = obj.CurrencyCode
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("decode price string: %w", err)
		}
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("parse price %q: %w", s, err)
		}
		p.Amount = v
		return nil
	default:
		v, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			return fmt.Errorf("parse price %s: %w", b, err)
		}
		p.Amount = v
		return nil
	}
}

type brandsResponse struct {
	Brands []struct {
		ID        int64  `json:"id"`
		Title     string `json:"title"`
		Slug      string `json:"slug"`
		ItemCount int    `json:"item_count"`
	} `json:"brands"`
}

type catalogJSON struct {
	ID        int64         `json:"id"`
	Title     string        `json:"title"`
	Code      string        `json:"code"`
	ItemCount int           `json:"item_count"`
	Catalogs  []catalogJSON `json:"catalogs"`
}

type catalogsResponse struct {
	Catalogs []catalogJSON `json:"catalogs"`
}

func convertCategories(in []catalogJSON) []Category {
	if len(in) == 0 {
		return nil
	}
	out := make([]Category, 0, len(in))
	for _, c := range in {
		out = append(out, Category{
			ID:        c.ID,
			Title:     c.Title,
			Slug:      strings.ToLower(c.Code),
			ItemCount: c.ItemCount,
			Children:  convertCategories(c.Catalogs),
		})
	}
	return out
}
