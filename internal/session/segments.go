package session

import (
	"fmt"
	"slices"
)

type segmentInfo struct {
	host     string
	currency string
}

var segments = map[string]segmentInfo{
	"fr": {"www.vinted.fr", "EUR"},
	"de": {"www.vinted.de", "EUR"},
	"uk": {"www.vinted.co.uk", "GBP"},
	"pl": {"www.vinted.pl", "PLN"},
	"es": {"www.vinted.es", "EUR"},
	"it": {"www.vinted.it", "EUR"},
	"be": {"www.vinted.be", "EUR"},
	"nl": {"www.vinted.nl", "EUR"},
	"at": {"www.vinted.at", "EUR"},
	"cz": {"www.vinted.cz", "CZK"},
	"lt": {"www.vinted.lt", "EUR"},
	"lu": {"www.vinted.lu", "EUR"},
	"pt": {"www.vinted.pt", "EUR"},
	"se": {"www.vinted.se", "SEK"},
	"us": {"www.vinted.com", "USD"},
	"ro": {"www.vinted.ro", "RON"},
	"gr": {"www.vinted.gr", "EUR"},
	"hr": {"www.vinted.hr", "EUR"},
	"hu": {"www.vinted.hu", "HUF"},
	"sk": {"www.vinted.sk", "EUR"},
	"si": {"www.vinted.si", "EUR"},
	"fi": {"www.vinted.fi", "EUR"},
	"dk": {"www.vinted.dk", "DKK"},
	"ee": {"www.vinted.ee", "EUR"},
	"lv": {"www.vinted.lv", "EUR"},
	"ie": {"www.vinted.ie", "EUR"},
}

// BaseURL returns the marketplace origin serving a segment.
func BaseURL(segment string) (string, error) {
	info, ok := segments[segment]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSegment, segment)
	}
	return "https://" + info.host, nil
}

// Segments returns every supported segment code, sorted.
func Segments() []string {
	out := make([]string, 0, len(segments))
	for s := range segments {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// KnownSegment reports whether segment is supported.
func KnownSegment(segment string) bool {
	_, ok := segments[segment]
	return ok
}

// Currency returns the currency listings of a segment are priced in.
func Currency(segment string) string {
	return segments[segment].currency
}
