package bot

import (
	"fmt"
	"strings"

	"market_alerts/internal/catalog"
	"market_alerts/internal/model"
	"market_alerts/internal/notify"
	"market_alerts/internal/scheduler"
)

const (
	statusActive = "active"
	statusPaused = "paused"
	timeFormat   = "2006-01-02 15:04 UTC"
)

func alertStatus(a *model.Alert) string {
	if a.IsActive {
		return statusActive
	}
	return statusPaused
}

// FormatAlertList formats a list of alerts for display.
func FormatAlertList(alerts []model.Alert) string {
	if len(alerts) == 0 {
		return "You have no alerts yet. Use /add <segment> <text> to create one."
	}
	var b strings.Builder
	b.WriteString("Your alerts:\n")
	for i := range alerts {
		a := &alerts[i]
		fmt.Fprintf(&b, "\n#%d %s  [%s, every %d min] [%s]\n", a.ID, a.Name, a.Segment, a.IntervalMinutes, alertStatus(a))
		if a.LastError != "" {
			b.WriteString("   last check failed\n")
		} else {
			fmt.Fprintf(&b, "   %d found in total\n", a.TotalFoundCount)
		}
	}
	return b.String()
}

// FormatAlertInfo formats detailed information about a single alert.
func FormatAlertInfo(a *model.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s [%s]\n", a.ID, a.Name, alertStatus(a))
	fmt.Fprintf(&b, "Segment: %s\n", a.Segment)
	if a.SearchText != "" {
		fmt.Fprintf(&b, "Search: %s\n", a.SearchText)
	}
	if len(a.BrandNames) > 0 {
		fmt.Fprintf(&b, "Brands: %s\n", strings.Join(a.BrandNames, ", "))
	}
	if len(a.CategoryNames) > 0 {
		fmt.Fprintf(&b, "Categories: %s\n", strings.Join(a.CategoryNames, ", "))
	}
	if p := formatPriceRange(a); p != "" {
		fmt.Fprintf(&b, "Price: %s\n", p)
	}
	fmt.Fprintf(&b, "Interval: every %d min\n", a.IntervalMinutes)
	if chans := a.Notifications.Enabled(); len(chans) > 0 {
		names := make([]string, len(chans))
		for i, c := range chans {
			names[i] = string(c)
		}
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(names, ", "))
	}
	if a.LastCheckAt != nil {
		fmt.Fprintf(&b, "Last check: %s\n", a.LastCheckAt.Format(timeFormat))
	}
	fmt.Fprintf(&b, "Found: %d last check, %d total\n", a.LastFoundCount, a.TotalFoundCount)
	return b.String()
}

func formatPriceRange(a *model.Alert) string {
	switch {
	case a.PriceMin != nil && a.PriceMax != nil:
		return fmt.Sprintf("%s to %s", notify.FormatPrice(*a.PriceMin, a.Currency), notify.FormatPrice(*a.PriceMax, a.Currency))
	case a.PriceMin != nil:
		return "from " + notify.FormatPrice(*a.PriceMin, a.Currency)
	case a.PriceMax != nil:
		return "up to " + notify.FormatPrice(*a.PriceMax, a.Currency)
	}
	return ""
}

// FormatStatus combines the persisted check state with the live scan state.
func FormatStatus(a *model.Alert, st scheduler.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s: %s\n", a.ID, a.Name, st.Phase)
	if a.LastCheckAt != nil {
		fmt.Fprintf(&b, "Last check: %s\n", a.LastCheckAt.Format(timeFormat))
	} else {
		b.WriteString("Not checked yet\n")
	}
	if a.LastSuccessAt != nil {
		fmt.Fprintf(&b, "Last success: %s\n", a.LastSuccessAt.Format(timeFormat))
	}
	if a.LastError != "" {
		fmt.Fprintf(&b, "Error: %s\n", a.LastError)
	}
	if !st.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "Last run found %d new\n", st.LastNewItems)
	}
	return b.String()
}

// FormatHistory lists recently recorded listings, newest first.
func FormatHistory(a *model.Alert, seen []model.SeenListing) string {
	if len(seen) == 0 {
		return fmt.Sprintf("Nothing recorded for #%d \"%s\" yet.", a.ID, a.Name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recent listings for #%d \"%s\":\n", a.ID, a.Name)
	for _, s := range seen {
		l := s.Listing
		fmt.Fprintf(&b, "\n%s  %s (%s)", s.SeenAt.Format(timeFormat), l.Title, notify.FormatPrice(l.Price, l.Currency))
		if l.URL != "" {
			fmt.Fprintf(&b, "\n%s", l.URL)
		}
	}
	return b.String()
}

// FormatCatalog formats lookup results.
func FormatCatalog(kind model.CatalogKind, query string, res catalog.Result) string {
	if len(res.Entries) == 0 {
		if res.Source == catalog.SourceNone {
			return fmt.Sprintf("Could not look up %s right now, try again later.", plural(kind))
		}
		return fmt.Sprintf("No %s matches \"%s\".", kind, query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s matching \"%s\" (%s):\n", plural(kind), query, res.Source)
	for _, e := range res.Entries {
		name := e.Name
		if kind == model.KindCategory && e.Path != "" {
			name = e.Path
		}
		fmt.Fprintf(&b, "\n%s (id %d)", name, e.ExternalID)
		if e.ItemCount > 0 {
			fmt.Fprintf(&b, ", %d items", e.ItemCount)
		}
	}
	return b.String()
}

func plural(kind model.CatalogKind) string {
	if kind == model.KindCategory {
		return "categories"
	}
	return string(kind) + "s"
}
