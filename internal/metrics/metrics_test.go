package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserve(t *testing.T) {
	m := New()

	m.ObserveScan("fr", "ok", 3, 2*time.Second)
	m.ObserveScan("fr", "ok", 0, time.Second)
	m.ObserveScan("fr", "error", 0, time.Second)
	m.ObserveNotification("slack", "error")
	m.ObserveProviderCall("de", "2xx")

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"ok scans", testutil.ToFloat64(m.scans.WithLabelValues("fr", "ok")), 2},
		{"failed scans", testutil.ToFloat64(m.scans.WithLabelValues("fr", "error")), 1},
		{"new listings", testutil.ToFloat64(m.newListings.WithLabelValues("fr")), 3},
		{"notifications", testutil.ToFloat64(m.notifications.WithLabelValues("slack", "error")), 1},
		{"provider calls", testutil.ToFloat64(m.providerCalls.WithLabelValues("de", "2xx")), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveScan("fr", "ok", 1, time.Second)
	m.ObserveNotification("log", "ok")
	m.ObserveProviderCall("fr", "2xx")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil handler status = %d, want 404", rec.Code)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveScan("uk", "ok", 1, time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`market_alerts_scans_total{outcome="ok",segment="uk"} 1`,
		`market_alerts_scan_new_listings_total{segment="uk"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
