// Package session owns the per-segment marketplace sessions and serializes
// outbound provider calls so that each segment honours a minimum spacing.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

const (
	maxBodySize   = 10 << 20
	maxRetryAfter = 2 * time.Minute
	userAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// Doer executes HTTP requests.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CallObserver is notified of every outbound request.
type CallObserver interface {
	ObserveProviderCall(segment, outcome string)
}

// Request is a provider API call relative to the segment origin.
type Request struct {
	Method string
	Path   string
	Query  url.Values
}

// Response is a fully read provider response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Handle describes an established session without exposing its credentials.
type Handle struct {
	Segment       string
	EstablishedAt time.Time
}

// Manager keeps one session per segment. All calls for a segment pass
// through that segment's gate; different segments never wait on each other.
type Manager struct {
	client   Doer
	log      *slog.Logger
	spacing  time.Duration
	ttl      time.Duration
	attempts uint64
	backoff  time.Duration
	now      func() time.Time
	observer CallObserver

	mu    sync.Mutex
	gates map[string]*gate
}

// Option configures a Manager.
type Option func(*Manager)

// WithSpacing sets the minimum interval between two calls of one segment.
func WithSpacing(d time.Duration) Option {
	return func(m *Manager) { m.spacing = d }
}

// WithSessionTTL sets how long an established session is reused.
func WithSessionTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

// WithRetry sets the total attempt count and the base exponential backoff.
func WithRetry(attempts uint64, base time.Duration) Option {
	return func(m *Manager) {
		m.attempts = max(attempts, 1)
		m.backoff = base
	}
}

// WithObserver reports call outcomes to o.
func WithObserver(o CallObserver) Option {
	return func(m *Manager) { m.observer = o }
}

// WithClock overrides the time source used for session expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager that sends requests through client.
func NewManager(client Doer, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		client:   client,
		log:      log,
		spacing:  30 * time.Second,
		ttl:      time.Hour,
		attempts: 3,
		backoff:  time.Second,
		now:      time.Now,
		gates:    make(map[string]*gate),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type gate struct {
	slot    chan struct{}
	limiter *rate.Limiter
	base    string

	// Guarded by slot.
	cookies       map[string]*http.Cookie
	csrf          string
	establishedAt time.Time
}

func (g *gate) lock(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) unlock() { <-g.slot }

func (g *gate) invalidate() {
	g.cookies = nil
	g.csrf = ""
	g.establishedAt = time.Time{}
}

func (g *gate) mergeCookies(cs []*http.Cookie) {
	if len(cs) == 0 {
		return
	}
	if g.cookies == nil {
		g.cookies = make(map[string]*http.Cookie)
	}
	for _, c := range cs {
		if c.MaxAge < 0 || c.Value == "" {
			delete(g.cookies, c.Name)
			continue
		}
		g.cookies[c.Name] = c
	}
}

func (m *Manager) gate(segment string) (*gate, error) {
	base, err := BaseURL(segment)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.gates[segment]
	if !ok {
		limit := rate.Inf
		if m.spacing > 0 {
			limit = rate.Every(m.spacing)
		}
		g = &gate{
			slot:    make(chan struct{}, 1),
			limiter: rate.NewLimiter(limit, 1),
			base:    base,
		}
		m.gates[segment] = g
	}
	return g, nil
}

// Acquire returns a usable session for segment, establishing one if absent
// or expired.
func (m *Manager) Acquire(ctx context.Context, segment string) (Handle, error) {
	g, err := m.gate(segment)
	if err != nil {
		return Handle{}, err
	}
	if err := g.lock(ctx); err != nil {
		return Handle{}, err
	}
	defer g.unlock()

	if err := m.ensure(ctx, segment, g); err != nil {
		return Handle{}, err
	}
	return Handle{Segment: segment, EstablishedAt: g.establishedAt}, nil
}

// Call executes req with the segment session. It waits until the segment's
// spacing has elapsed, retries transient failures with exponential backoff,
// and re-establishes the session once if the provider rejects it.
func (m *Manager) Call(ctx context.Context, segment string, req Request) (*Response, error) {
	g, err := m.gate(segment)
	if err != nil {
		return nil, err
	}
	if err := g.lock(ctx); err != nil {
		return nil, err
	}
	defer g.unlock()

	if err := m.ensure(ctx, segment, g); err != nil {
		return nil, err
	}

	resp, err := m.attempt(ctx, segment, g, req)
	var rejected *rejectedError
	if !errors.As(err, &rejected) {
		return resp, err
	}

	m.log.Warn("session rejected, re-establishing", "segment", segment, "status", rejected.status)
	g.invalidate()
	if err := m.ensure(ctx, segment, g); err != nil {
		return nil, err
	}

	// The resend after re-authentication gets a fresh transient budget.
	resp, err = m.attempt(ctx, segment, g, req)
	if errors.As(err, &rejected) {
		return nil, &SessionError{Segment: segment, Err: fmt.Errorf("rejected with status %d after re-authentication", rejected.status)}
	}
	return resp, err
}

// rejectedError reports a 401 or 403 from the provider.
type rejectedError struct{ status int }

func (e *rejectedError) Error() string {
	return fmt.Sprintf("rejected with status %d", e.status)
}

// attempt sends req, retrying transient failures. A session rejection ends
// the attempt with a *rejectedError.
func (m *Manager) attempt(ctx context.Context, segment string, g *gate, req Request) (*Response, error) {
	return retry.DoValue(ctx, m.newBackoff(), func(ctx context.Context) (*Response, error) {
		resp, err := m.send(ctx, segment, g, req)
		if err != nil {
			return nil, m.classify(ctx, err)
		}

		switch code := resp.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return nil, &rejectedError{status: code}
		case code >= http.StatusBadRequest:
			return nil, m.classify(ctx, &ProviderError{
				Segment:    segment,
				StatusCode: code,
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
				Err:        fmt.Errorf("%s %s", methodOf(req), req.Path),
			})
		}
		return resp, nil
	})
}

// ensure establishes the segment session unless a live one exists.
// The caller must hold the gate.
func (m *Manager) ensure(ctx context.Context, segment string, g *gate) error {
	if !g.establishedAt.IsZero() && m.now().Sub(g.establishedAt) < m.ttl {
		return nil
	}
	g.invalidate()

	err := retry.Do(ctx, m.newBackoff(), func(ctx context.Context) error {
		resp, err := m.send(ctx, segment, g, Request{Path: "/"})
		if err != nil {
			return m.classify(ctx, err)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return m.classify(ctx, &ProviderError{
				Segment:    segment,
				StatusCode: resp.StatusCode,
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
				Err:        errors.New("establish session"),
			})
		}

		g.csrf = csrfToken(resp.Body)
		if len(g.cookies) == 0 && g.csrf == "" {
			return errors.New("no session material in homepage response")
		}
		g.establishedAt = m.now()
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &SessionError{Segment: segment, Err: err}
	}

	m.log.Debug("session established", "segment", segment, "cookies", len(g.cookies))
	return nil
}

// send performs one HTTP round trip after waiting for the segment limiter.
func (m *Manager) send(ctx context.Context, segment string, g *gate, req Request) (*Response, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for segment %s: %w", segment, err)
	}

	target := g.base + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, methodOf(req), target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if req.Path == "/" {
		httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	} else {
		httpReq.Header.Set("Accept", "application/json, text/plain, */*")
		httpReq.Header.Set("Referer", g.base+"/")
		if g.csrf != "" {
			httpReq.Header.Set("X-CSRF-Token", g.csrf)
		}
	}
	names := make([]string, 0, len(g.cookies))
	for name := range g.cookies {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		httpReq.AddCookie(&http.Cookie{Name: name, Value: g.cookies[name].Value})
	}

	m.log.Debug("provider call", "segment", segment, "path", req.Path)

	resp, err := m.client.Do(httpReq)
	if err != nil {
		m.observe(segment, "error")
		return nil, &ProviderError{Segment: segment, Err: fmt.Errorf("%s %s: %w", methodOf(req), req.Path, err)}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		m.observe(segment, "error")
		return nil, &ProviderError{Segment: segment, Err: fmt.Errorf("read body: %w", err)}
	}
	m.observe(segment, statusClass(resp.StatusCode))
	g.mergeCookies(resp.Cookies())

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// classify marks temporary provider errors retryable, honouring Retry-After.
func (m *Manager) classify(ctx context.Context, err error) error {
	var pe *ProviderError
	if !errors.As(err, &pe) || !pe.Temporary() {
		return err
	}
	m.log.Warn("provider call failed, will retry", "segment", pe.Segment, "status", pe.StatusCode, "error", err)
	if pe.RetryAfter > 0 {
		t := time.NewTimer(min(pe.RetryAfter, maxRetryAfter))
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return retry.RetryableError(err)
}

func (m *Manager) newBackoff() retry.Backoff {
	return retry.WithMaxRetries(m.attempts-1, retry.NewExponential(m.backoff))
}

func (m *Manager) observe(segment, outcome string) {
	if m.observer != nil {
		m.observer.ObserveProviderCall(segment, outcome)
	}
}

func csrfToken(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	return doc.Find(`meta[name="csrf-token"]`).AttrOr("content", "")
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func methodOf(req Request) string {
	if req.Method == "" {
		return http.MethodGet
	}
	return req.Method
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
