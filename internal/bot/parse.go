package bot

import (
	"fmt"
	"strconv"
	"strings"

	"market_alerts/internal/session"
)

// AddArgs holds the parsed arguments of /add.
type AddArgs struct {
	Segment    string
	Text       string
	Brands     []string
	Categories []string
	PriceMin   *float64
	PriceMax   *float64
	Interval   int
}

var addOptions = map[string]bool{
	"brand": true,
	"cat":   true,
	"price": true,
	"every": true,
}

// ParseAddArgs parses arguments for /add.
// Format: <segment> [text...] [brand=A, B] [cat=C] [price=MIN-MAX] [every=MINUTES]
// Option values run until the next option, so brand names may contain spaces.
func ParseAddArgs(args string) (AddArgs, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return AddArgs{}, fmt.Errorf("usage: /add <segment> <text> [brand=..] [cat=..] [price=min-max] [every=min]")
	}

	out := AddArgs{Segment: strings.ToLower(parts[0])}
	if !session.KnownSegment(out.Segment) {
		return AddArgs{}, fmt.Errorf("unknown segment %q", parts[0])
	}

	var text []string
	values := map[string][]string{}
	current := ""
	for _, p := range parts[1:] {
		if key, val, ok := strings.Cut(p, "="); ok && addOptions[key] {
			if _, dup := values[key]; dup {
				return AddArgs{}, fmt.Errorf("option %s given twice", key)
			}
			current = key
			values[key] = nil
			if val != "" {
				values[key] = append(values[key], val)
			}
			continue
		}
		if current == "" {
			text = append(text, p)
			continue
		}
		values[current] = append(values[current], p)
	}
	out.Text = strings.Join(text, " ")
	out.Brands = splitNames(strings.Join(values["brand"], " "))
	out.Categories = splitNames(strings.Join(values["cat"], " "))

	if v, ok := values["price"]; ok {
		lo, hi, err := ParsePriceRange(strings.Join(v, ""))
		if err != nil {
			return AddArgs{}, err
		}
		out.PriceMin, out.PriceMax = lo, hi
	}
	if v, ok := values["every"]; ok {
		mins, err := strconv.Atoi(strings.Join(v, ""))
		if err != nil {
			return AddArgs{}, fmt.Errorf("invalid interval %q", strings.Join(v, " "))
		}
		out.Interval = mins
	}

	if out.Text == "" && len(out.Brands) == 0 && len(out.Categories) == 0 {
		return AddArgs{}, fmt.Errorf("give search text, a brand or a category")
	}
	return out, nil
}

// ParsePriceRange parses "20-100", "20-" or "-100".
func ParsePriceRange(s string) (*float64, *float64, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok || (lo == "" && hi == "") {
		return nil, nil, fmt.Errorf("price must look like 20-100, 20- or -100")
	}
	parse := func(v string) (*float64, error) {
		if v == "" {
			return nil, nil
		}
		f, err := strconv.ParseFloat(strings.ReplaceAll(v, ",", "."), 64)
		if err != nil || f < 0 {
			return nil, fmt.Errorf("invalid price %q", v)
		}
		return &f, nil
	}
	lower, err := parse(lo)
	if err != nil {
		return nil, nil, err
	}
	upper, err := parse(hi)
	if err != nil {
		return nil, nil, err
	}
	if lower != nil && upper != nil && *lower > *upper {
		return nil, nil, fmt.Errorf("minimum price is above maximum")
	}
	return lower, upper, nil
}

func splitNames(s string) []string {
	var out []string
	for _, n := range strings.Split(s, ",") {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// LookupArgs holds the parsed arguments of /brands and /categories.
type LookupArgs struct {
	Segment string
	Query   string
}

// ParseLookupArgs parses "<segment> <query...>".
func ParseLookupArgs(args string) (LookupArgs, error) {
	seg, query, _ := strings.Cut(strings.TrimSpace(args), " ")
	seg = strings.ToLower(seg)
	query = strings.TrimSpace(query)
	if seg == "" || query == "" {
		return LookupArgs{}, fmt.Errorf("usage: <segment> <name>")
	}
	if !session.KnownSegment(seg) {
		return LookupArgs{}, fmt.Errorf("unknown segment %q", seg)
	}
	return LookupArgs{Segment: seg, Query: query}, nil
}

// ParseIDArg extracts a numeric ID from a command argument string.
func ParseIDArg(args string) (int64, error) {
	s := strings.TrimSpace(args)
	if s == "" {
		return 0, fmt.Errorf("alert ID is required")
	}
	id, err := strconv.ParseInt(strings.Fields(s)[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid alert ID %q", s)
	}
	return id, nil
}

// ParseRenameArgs extracts an alert ID and new name from command arguments.
func ParseRenameArgs(args string) (int64, string, error) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if len(parts) < 2 {
		return 0, "", fmt.Errorf("usage: /rename <id> <new_name>")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid alert ID %q", parts[0])
	}
	name := strings.TrimSpace(parts[1])
	if name == "" {
		return 0, "", fmt.Errorf("new name cannot be empty")
	}
	return id, name, nil
}

// ParseIntervalArgs extracts an alert ID and interval in minutes within
// [minMins, maxMins].
func ParseIntervalArgs(args string, minMins, maxMins int) (int64, int, error) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("usage: /interval <id> <minutes>")
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid alert ID %q", parts[0])
	}
	mins, err := strconv.Atoi(parts[1])
	if err != nil || mins < minMins || mins > maxMins {
		return 0, 0, fmt.Errorf("interval must be between %d and %d minutes", minMins, maxMins)
	}
	return id, mins, nil
}

// ParseHistoryArgs extracts an alert ID and an optional count (default 10,
// at most 50).
func ParseHistoryArgs(args string) (int64, int, error) {
	id, err := ParseIDArg(args)
	if err != nil {
		return 0, 0, err
	}
	n := 10
	if parts := strings.Fields(args); len(parts) > 1 {
		n, err = strconv.Atoi(parts[1])
		if err != nil || n < 1 {
			return 0, 0, fmt.Errorf("invalid count %q", parts[1])
		}
	}
	return id, min(n, 50), nil
}
