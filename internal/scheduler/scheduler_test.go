package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"market_alerts/internal/model"
	"market_alerts/internal/scanner"
	"market_alerts/internal/session"
	"market_alerts/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeScanner struct {
	mu     sync.Mutex
	starts map[int64][]time.Time
	clock  *fakeClock
	result func(ctx context.Context, a *model.Alert) scanner.Result
}

func (f *fakeScanner) Run(ctx context.Context, a *model.Alert) scanner.Result {
	f.mu.Lock()
	if f.starts == nil {
		f.starts = map[int64][]time.Time{}
	}
	f.starts[a.ID] = append(f.starts[a.ID], f.clock.Now())
	f.mu.Unlock()
	if f.result != nil {
		return f.result(ctx, a)
	}
	return scanner.Result{AlertID: a.ID, State: scanner.StateDone}
}

type fakeDispatcher struct {
	mu    sync.Mutex
	items map[int64][]int64
}

func (f *fakeDispatcher) Dispatch(_ context.Context, a *model.Alert, items []model.Listing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items == nil {
		f.items = map[int64][]int64{}
	}
	for _, it := range items {
		f.items[a.ID] = append(f.items[a.ID], it.ID)
	}
	return nil
}

type harness struct {
	store    *storage.SQLite
	clock    *fakeClock
	scan     *fakeScanner
	dispatch *fakeDispatcher
	sched    *Scheduler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	h := &harness{
		store:    store,
		clock:    clock,
		scan:     &fakeScanner{clock: clock},
		dispatch: &fakeDispatcher{},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	h.sched = New(store, h.scan, h.dispatch, log, opts...)
	return h
}

func (h *harness) createAlert(t *testing.T, interval int, active bool, checkedAgo time.Duration) int64 {
	t.Helper()
	ctx := context.Background()
	a := &model.Alert{
		UserID:          1,
		Name:            "alert",
		Segment:         "fr",
		SearchText:      "coat",
		IntervalMinutes: interval,
		IsActive:        active,
	}
	if err := h.store.CreateAlert(ctx, a); err != nil {
		t.Fatalf("create alert: %v", err)
	}
	if checkedAgo > 0 {
		if err := h.store.RecordScan(ctx, a.ID, h.clock.Now().Add(-checkedAgo), 0, ""); err != nil {
			t.Fatalf("record scan: %v", err)
		}
	}
	return a.ID
}

// runQueued processes every queued job on the calling goroutine.
func (h *harness) runQueued(ctx context.Context) {
	for {
		select {
		case j := <-h.sched.jobs:
			h.sched.process(ctx, j)
		default:
			return
		}
	}
}

func queuedIDs(s *Scheduler) []int64 {
	var out []int64
	for _, st := range s.status {
		if st.Phase == PhaseQueued {
			out = append(out, st.AlertID)
		}
	}
	return out
}

func TestCheckAllQueuesDueAlerts(t *testing.T) {
	h := newHarness(t)
	h.sched.running = true

	never := h.createAlert(t, 15, true, 0)
	overdue := h.createAlert(t, 15, true, 20*time.Minute)
	h.createAlert(t, 15, true, 5*time.Minute)
	h.createAlert(t, 15, false, 0)

	h.sched.checkAll(context.Background())
	h.sched.checkAll(context.Background())

	if got := len(h.sched.jobs); got != 2 {
		t.Errorf("queued %d jobs, want 2", got)
	}
	got := queuedIDs(h.sched)
	if diff := cmp.Diff([]int64{never, overdue}, got, cmpopts.SortSlices(func(a, b int64) bool { return a < b })); diff != "" {
		t.Errorf("queued alerts (-want +got):\n%s", diff)
	}
}

func TestIntervalIsRespected(t *testing.T) {
	h := newHarness(t)
	h.sched.running = true
	ctx := context.Background()
	fast := h.createAlert(t, 15, true, 0)
	slow := h.createAlert(t, 40, true, 0)

	for minute := 0; minute <= 90; minute++ {
		h.sched.checkAll(ctx)
		h.runQueued(ctx)
		h.clock.Advance(time.Minute)
	}

	tests := []struct {
		alert    int64
		interval time.Duration
		want     int
	}{
		{fast, 15 * time.Minute, 7},
		{slow, 40 * time.Minute, 3},
	}
	for _, tt := range tests {
		starts := h.scan.starts[tt.alert]
		if len(starts) != tt.want {
			t.Errorf("alert %d scanned %d times, want %d", tt.alert, len(starts), tt.want)
		}
		for i := 1; i < len(starts); i++ {
			if gap := starts[i].Sub(starts[i-1]); gap < tt.interval {
				t.Errorf("alert %d scans %v apart, want at least %v", tt.alert, gap, tt.interval)
			}
		}
	}
}

func TestProcessRecordsAndDispatches(t *testing.T) {
	h := newHarness(t)
	h.sched.running = true
	ctx := context.Background()
	id := h.createAlert(t, 15, true, time.Hour)
	h.scan.result = func(_ context.Context, a *model.Alert) scanner.Result {
		return scanner.Result{AlertID: a.ID, NewItems: []model.Listing{{ID: 9}, {ID: 8}}, State: scanner.StateDone}
	}

	if err := h.sched.TriggerNow(ctx, id); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	h.runQueued(ctx)

	a, err := h.store.GetAlert(ctx, id)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if a.LastCheckAt == nil || !a.LastCheckAt.Equal(h.clock.Now()) {
		t.Errorf("last check = %v, want %v", a.LastCheckAt, h.clock.Now())
	}
	if a.LastFoundCount != 2 || a.TotalFoundCount != 2 {
		t.Errorf("found counts = %d/%d, want 2/2", a.LastFoundCount, a.TotalFoundCount)
	}
	if diff := cmp.Diff([]int64{9, 8}, h.dispatch.items[id]); diff != "" {
		t.Errorf("dispatched (-want +got):\n%s", diff)
	}

	st, ok := h.sched.Status(id)
	if !ok {
		t.Fatal("no status after run")
	}
	if st.Phase != PhaseIdle || !st.Manual || st.RunID == "" || st.LastNewItems != 2 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestProcessFailureAdvancesLastCheck(t *testing.T) {
	h := newHarness(t)
	h.sched.running = true
	ctx := context.Background()
	id := h.createAlert(t, 15, true, time.Hour)
	h.scan.result = func(_ context.Context, a *model.Alert) scanner.Result {
		return scanner.Result{
			AlertID: a.ID,
			State:   scanner.StateFailed,
			Err:     &session.SessionError{Segment: "fr", Err: errors.New("csrf token missing")},
		}
	}

	h.sched.checkAll(ctx)
	h.runQueued(ctx)

	a, err := h.store.GetAlert(ctx, id)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if a.LastCheckAt == nil || !a.LastCheckAt.Equal(h.clock.Now()) {
		t.Errorf("last check = %v, want %v", a.LastCheckAt, h.clock.Now())
	}
	if a.LastError == "" || !a.IsActive {
		t.Errorf("failing alert: error %q active %v, want error kept and still active", a.LastError, a.IsActive)
	}
	if len(h.dispatch.items) != 0 {
		t.Errorf("failed scan dispatched %v", h.dispatch.items)
	}
}

func TestProcessCancelledIsNotRecorded(t *testing.T) {
	h := newHarness(t)
	h.sched.running = true
	id := h.createAlert(t, 15, true, 0)
	ctx, cancel := context.WithCancel(context.Background())
	h.scan.result = func(ctx context.Context, a *model.Alert) scanner.Result {
		cancel()
		return scanner.Result{AlertID: a.ID, State: scanner.StateFailed, Err: ctx.Err()}
	}

	h.sched.checkAll(context.Background())
	h.runQueued(ctx)

	a, err := h.store.GetAlert(context.Background(), id)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if a.LastCheckAt != nil {
		t.Errorf("cancelled scan persisted last check %v", a.LastCheckAt)
	}
}

func TestTriggerNowErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("stopped", func(t *testing.T) {
		h := newHarness(t)
		id := h.createAlert(t, 15, true, 0)
		if err := h.sched.TriggerNow(ctx, id); !errors.Is(err, ErrStopped) {
			t.Errorf("expected ErrStopped, got %v", err)
		}
	})

	t.Run("unknown alert", func(t *testing.T) {
		h := newHarness(t)
		h.sched.running = true
		if err := h.sched.TriggerNow(ctx, 404); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("already queued", func(t *testing.T) {
		h := newHarness(t)
		h.sched.running = true
		id := h.createAlert(t, 15, true, 0)
		if err := h.sched.TriggerNow(ctx, id); err != nil {
			t.Fatalf("first trigger: %v", err)
		}
		if err := h.sched.TriggerNow(ctx, id); !errors.Is(err, ErrAlreadyQueued) {
			t.Errorf("expected ErrAlreadyQueued, got %v", err)
		}
	})

	t.Run("queue full", func(t *testing.T) {
		h := newHarness(t, WithWorkers(1, 1))
		h.sched.running = true
		first := h.createAlert(t, 15, false, 0)
		second := h.createAlert(t, 15, false, 0)
		if err := h.sched.TriggerNow(ctx, first); err != nil {
			t.Fatalf("first trigger: %v", err)
		}
		if err := h.sched.TriggerNow(ctx, second); !errors.Is(err, ErrQueueFull) {
			t.Errorf("expected ErrQueueFull, got %v", err)
		}
		if st, _ := h.sched.Status(second); st.Phase != PhaseIdle {
			t.Errorf("rejected alert phase = %q, want idle", st.Phase)
		}
	})
}

func TestRunShutdown(t *testing.T) {
	h := newHarness(t, WithTick(10*time.Millisecond), WithWorkers(2, 8), WithGrace(50*time.Millisecond))
	id := h.createAlert(t, 15, true, 0)

	cancelled := make(chan struct{})
	h.scan.result = func(ctx context.Context, a *model.Alert) scanner.Result {
		<-ctx.Done()
		close(cancelled)
		return scanner.Result{AlertID: a.ID, State: scanner.StateFailed, Err: ctx.Err()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if st, _ := h.sched.Status(id); st.Phase == PhaseRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("scan never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	select {
	case <-cancelled:
	default:
		t.Error("in-flight scan was not cancelled after the grace period")
	}
	if err := h.sched.TriggerNow(context.Background(), id); !errors.Is(err, ErrStopped) {
		t.Errorf("trigger after shutdown: expected ErrStopped, got %v", err)
	}
	a, err := h.store.GetAlert(context.Background(), id)
	if err != nil {
		t.Fatalf("get alert: %v", err)
	}
	if a.LastCheckAt != nil {
		t.Errorf("cancelled scan persisted last check %v", a.LastCheckAt)
	}
}
