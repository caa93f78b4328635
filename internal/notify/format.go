package notify

import (
	"fmt"
	"strconv"
	"strings"

	"market_alerts/internal/model"
)

// FormatPrice renders a price with its currency, e.g. "49.9 EUR".
func FormatPrice(price float64, currency string) string {
	p := strconv.FormatFloat(price, 'f', -1, 64)
	if currency == "" {
		return p
	}
	return p + " " + currency
}

// FormatListing formats a listing as a plain-text chat message.
func FormatListing(alert *model.Alert, item model.Listing) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n\n", alert.Name)
	b.WriteString(item.Title)
	b.WriteString("\n")
	b.WriteString(FormatPrice(item.Price, item.Currency))
	if details := listingDetails(item); details != "" {
		b.WriteString("\n")
		b.WriteString(details)
	}
	if item.URL != "" {
		b.WriteString("\n\n")
		b.WriteString(item.URL)
	}
	return b.String()
}

// DigestSubject is the subject line of an email digest.
func DigestSubject(alert *model.Alert, n int) string {
	if n == 1 {
		return fmt.Sprintf("[%s] 1 new listing", alert.Name)
	}
	return fmt.Sprintf("[%s] %d new listings", alert.Name, n)
}

// FormatDigest formats items as a plain-text digest.
func FormatDigest(alert *model.Alert, items []model.Listing) string {
	var b strings.Builder
	b.WriteString(DigestSubject(alert, len(items)))
	b.WriteString("\n")
	for _, it := range items {
		fmt.Fprintf(&b, "\n- %s (%s)", it.Title, FormatPrice(it.Price, it.Currency))
		if d := listingDetails(it); d != "" {
			fmt.Fprintf(&b, "\n  %s", d)
		}
		if it.URL != "" {
			fmt.Fprintf(&b, "\n  %s", it.URL)
		}
	}
	return b.String()
}

func listingDetails(item model.Listing) string {
	var parts []string
	for _, p := range []string{item.BrandName, item.Size, item.Condition} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " · ")
}
