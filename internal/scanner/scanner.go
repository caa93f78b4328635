// Package scanner runs a single alert query and records what it finds.
package scanner

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/qmuntal/stateless"

	"market_alerts/internal/filter"
	"market_alerts/internal/model"
	"market_alerts/internal/provider"
)

// State is a phase of one scan.
type State string

const (
	StateIdle      State = "idle"
	StateQuerying  State = "querying"
	StateFiltering State = "filtering"
	StateRecording State = "recording"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

type trigger string

const (
	triggerQuery  trigger = "query"
	triggerFilter trigger = "filter"
	triggerRecord trigger = "record"
	triggerFinish trigger = "finish"
	triggerFail   trigger = "fail"
)

// Searcher fetches one page of listings.
type Searcher interface {
	SearchItems(ctx context.Context, segment string, q provider.SearchQuery) (*provider.SearchPage, error)
}

// Store records discovered listings.
type Store interface {
	IsSeen(ctx context.Context, alertID, listingID int64) (bool, error)
	InsertSeen(ctx context.Context, seen model.SeenListing) (bool, error)
}

// Result is the outcome of one scan. NewItems is empty on failure and on
// the baseline run of an alert that never completed a scan.
type Result struct {
	AlertID    int64
	NewItems   []model.Listing
	Candidates int
	Dropped    int
	Baseline   bool
	State      State
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Executor runs scans.
type Executor struct {
	search   Searcher
	store    Store
	log      *slog.Logger
	pageSize int
	maxPages int
	now      func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithPages sets the page size and the number of pages fetched per scan.
func WithPages(size, pages int) Option {
	return func(e *Executor) {
		if size > 0 {
			e.pageSize = min(size, provider.MaxPerPage)
		}
		if pages > 0 {
			e.maxPages = pages
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New creates an Executor.
func New(search Searcher, store Store, log *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		search:   search,
		store:    store,
		log:      log,
		pageSize: 20,
		maxPages: 1,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newMachine() *stateless.StateMachine {
	sm := stateless.NewStateMachine(StateIdle)
	sm.Configure(StateIdle).
		Permit(triggerQuery, StateQuerying)
	sm.Configure(StateQuerying).
		Permit(triggerFilter, StateFiltering).
		Permit(triggerFail, StateFailed)
	sm.Configure(StateFiltering).
		Permit(triggerRecord, StateRecording).
		Permit(triggerFail, StateFailed)
	sm.Configure(StateRecording).
		Permit(triggerFinish, StateDone)
	return sm
}

// Run executes the alert's query once. Candidates are collapsed by id,
// checked against the alert's price and brand bounds and recorded newest
// id first. Cancellation is honoured up to the recording phase; once
// recording starts it runs to completion.
func (e *Executor) Run(ctx context.Context, alert *model.Alert) Result {
	res := Result{
		AlertID:   alert.ID,
		Baseline:  alert.LastSuccessAt == nil,
		StartedAt: e.now(),
	}
	sm := newMachine()
	log := e.log.With("alert_id", alert.ID, "segment", alert.Segment)

	fail := func(err error) Result {
		e.fire(sm, triggerFail, log)
		res.Err = err
		res.NewItems = nil
		res.State = state(sm)
		res.FinishedAt = e.now()
		return res
	}

	e.fire(sm, triggerQuery, log)
	items, err := e.query(ctx, alert)
	if err != nil {
		return fail(err)
	}

	e.fire(sm, triggerFilter, log)
	items = dedupe(items)
	items, res.Dropped = filter.Apply(items, alert)
	slices.SortFunc(items, func(a, b model.Listing) int { return cmp.Compare(b.ID, a.ID) })
	res.Candidates = len(items)
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	e.fire(sm, triggerRecord, log)
	res.NewItems = e.record(context.WithoutCancel(ctx), alert, items, res.Baseline, log)
	if res.Baseline {
		res.NewItems = nil
	}

	e.fire(sm, triggerFinish, log)
	res.State = state(sm)
	res.FinishedAt = e.now()
	log.Debug("scan finished", "candidates", res.Candidates, "dropped", res.Dropped,
		"new", len(res.NewItems), "baseline", res.Baseline)
	return res
}

// query fetches up to maxPages pages. It stops after a short page, the
// provider's last page, or a page holding a listing that was already seen.
func (e *Executor) query(ctx context.Context, alert *model.Alert) ([]model.Listing, error) {
	q := provider.QueryForAlert(alert, e.pageSize)
	var out []model.Listing
	for page := 1; page <= e.maxPages; page++ {
		q.Page = page
		res, err := e.search.SearchItems(ctx, alert.Segment, q)
		if err != nil {
			return nil, fmt.Errorf("query page %d: %w", page, err)
		}
		out = append(out, res.Items...)

		if page == e.maxPages || len(res.Items) < e.pageSize {
			break
		}
		if res.TotalPages > 0 && page >= res.TotalPages {
			break
		}
		seen, err := e.anySeen(ctx, alert.ID, res.Items)
		if err != nil {
			return nil, err
		}
		if seen {
			break
		}
	}
	return out, nil
}

func (e *Executor) anySeen(ctx context.Context, alertID int64, items []model.Listing) (bool, error) {
	for _, it := range items {
		seen, err := e.store.IsSeen(ctx, alertID, it.ID)
		if err != nil {
			return false, fmt.Errorf("check seen: %w", err)
		}
		if seen {
			return true, nil
		}
	}
	return false, nil
}

// record inserts every item and returns those that were not present yet.
func (e *Executor) record(ctx context.Context, alert *model.Alert, items []model.Listing, baseline bool, log *slog.Logger) []model.Listing {
	var fresh []model.Listing
	now := e.now()
	for _, it := range items {
		inserted, err := e.store.InsertSeen(ctx, model.SeenListing{AlertID: alert.ID, Listing: it, SeenAt: now})
		if err != nil {
			log.Error("record listing", "listing_id", it.ID, "error", err)
			continue
		}
		if inserted {
			fresh = append(fresh, it)
		}
	}
	if baseline {
		log.Info("baseline recorded", "listings", len(fresh))
	}
	return fresh
}

func (e *Executor) fire(sm *stateless.StateMachine, t trigger, log *slog.Logger) {
	if err := sm.Fire(t); err != nil {
		log.Error("scan state transition", "trigger", t, "error", err)
	}
}

func state(sm *stateless.StateMachine) State {
	s, _ := sm.MustState().(State)
	return s
}

func dedupe(items []model.Listing) []model.Listing {
	seen := make(map[int64]struct{}, len(items))
	out := items[:0:0]
	for _, it := range items {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		out = append(out, it)
	}
	return out
}
