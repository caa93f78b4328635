// Package filter re-checks provider results against alert criteria on the
// client side.
package filter

import (
	"strings"

	"market_alerts/internal/model"
)

// Match reports whether a listing satisfies the alert's price bounds and,
// when the alert names brands and the listing reports one, its brand set.
// Bounds are inclusive.
func Match(l model.Listing, a *model.Alert) bool {
	if a.PriceMin != nil && l.Price < *a.PriceMin {
		return false
	}
	if a.PriceMax != nil && l.Price > *a.PriceMax {
		return false
	}
	return brandAllowed(l.BrandName, a.BrandNames)
}

// Apply returns the listings that pass Match, preserving order, and the
// number that were dropped.
func Apply(items []model.Listing, a *model.Alert) ([]model.Listing, int) {
	kept := make([]model.Listing, 0, len(items))
	for _, l := range items {
		if Match(l, a) {
			kept = append(kept, l)
		}
	}
	return kept, len(items) - len(kept)
}

func brandAllowed(brand string, allowed []string) bool {
	if len(allowed) == 0 || brand == "" {
		return true
	}
	for _, name := range allowed {
		if strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(brand)) {
			return true
		}
	}
	return false
}
