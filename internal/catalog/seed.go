package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"market_alerts/internal/model"
)

//go:embed seed.yaml
var seedYAML []byte

type seedFile struct {
	Brands []struct {
		ID   int64  `yaml:"id"`
		Name string `yaml:"name"`
		Slug string `yaml:"slug"`
	} `yaml:"brands"`
}

// SeedEntries parses seed data into popular brand entries for each segment.
func SeedEntries(data []byte, segments []string, updatedAt time.Time) ([]model.CatalogEntry, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}

	var out []model.CatalogEntry
	for _, seg := range segments {
		for _, b := range f.Brands {
			if b.ID == 0 || b.Name == "" {
				return nil, fmt.Errorf("seed brand %q: id and name are required", b.Name)
			}
			out = append(out, model.CatalogEntry{
				Kind:       model.KindBrand,
				ExternalID: b.ID,
				Segment:    seg,
				Name:       b.Name,
				Slug:       b.Slug,
				IsPopular:  true,
				UpdatedAt:  updatedAt,
			})
		}
	}
	return out, nil
}

// Seed upserts the embedded popular brands for segments.
func (c *Cache) Seed(ctx context.Context, segments []string) error {
	entries, err := SeedEntries(seedYAML, segments, c.now())
	if err != nil {
		return err
	}
	if err := c.store.UpsertCatalogEntries(ctx, entries); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	c.log.Info("catalog seeded", "segments", len(segments), "entries", len(entries))
	return nil
}
