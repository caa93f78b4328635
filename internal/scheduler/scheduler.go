package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"market_alerts/internal/model"
	"market_alerts/internal/scanner"
)

var (
	// ErrAlreadyQueued is returned when the alert is already queued or running.
	ErrAlreadyQueued = errors.New("alert already queued")
	// ErrQueueFull is returned when the job queue has no free slot.
	ErrQueueFull = errors.New("scan queue is full")
	// ErrStopped is returned when the scheduler is not running.
	ErrStopped = errors.New("scheduler stopped")
)

// Store is the persistence used by the scheduler.
type Store interface {
	GetAlert(ctx context.Context, id int64) (*model.Alert, error)
	ListDueAlerts(ctx context.Context, now time.Time) ([]model.Alert, error)
	RecordScan(ctx context.Context, id int64, checkedAt time.Time, found int, scanErr string) error
}

// Scanner runs one alert scan.
type Scanner interface {
	Run(ctx context.Context, alert *model.Alert) scanner.Result
}

// Dispatcher delivers newly found listings.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert *model.Alert, items []model.Listing) error
}

// Observer records scan outcomes.
type Observer interface {
	ObserveScan(segment, outcome string, newItems int, d time.Duration)
}

// Phase is where an alert is in the scan pipeline.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseQueued  Phase = "queued"
	PhaseRunning Phase = "running"
)

// Status is the in-memory scan state of one alert.
type Status struct {
	AlertID      int64     `json:"alert_id"`
	Phase        Phase     `json:"phase"`
	RunID        string    `json:"run_id,omitempty"`
	Manual       bool      `json:"manual"`
	QueuedAt     time.Time `json:"queued_at"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	LastNewItems int       `json:"last_new_items"`
	LastError    string    `json:"last_error,omitempty"`
}

type job struct {
	alertID int64
	manual  bool
	runID   string
}

// Scheduler periodically scans due alerts on a bounded worker pool.
type Scheduler struct {
	store    Store
	scan     Scanner
	dispatch Dispatcher
	observer Observer
	log      *slog.Logger

	tick    time.Duration
	workers int
	grace   time.Duration
	now     func() time.Time

	jobs chan job

	mu      sync.Mutex
	running bool
	status  map[int64]*Status
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick sets the interval between due checks.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithWorkers sets the pool size and queue capacity.
func WithWorkers(workers, queue int) Option {
	return func(s *Scheduler) {
		s.workers = max(workers, 1)
		s.jobs = make(chan job, max(queue, 1))
	}
}

// WithGrace sets how long in-flight scans may run after shutdown starts.
func WithGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.grace = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithObserver reports scan outcomes to o.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New creates a Scheduler.
func New(store Store, scan Scanner, dispatch Dispatcher, log *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		scan:     scan,
		dispatch: dispatch,
		log:      log,
		tick:     time.Minute,
		workers:  4,
		grace:    30 * time.Second,
		now:      time.Now,
		jobs:     make(chan job, 256),
		status:   make(map[int64]*Status),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts the workers and the tick loop, blocking until ctx is
// cancelled. On shutdown queued jobs are dropped and in-flight scans get
// the grace period before their context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stop := make(chan struct{})

	var g errgroup.Group
	for range s.workers {
		g.Go(func() error {
			s.worker(workCtx, stop)
			return nil
		})
	}

	s.checkAll(ctx)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	close(stop)
	if n := s.drain(); n > 0 {
		s.log.Info("dropped queued scans", "count", n)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(s.grace):
		s.log.Warn("shutdown grace elapsed, cancelling scans", "grace", s.grace)
		cancelWork()
		return <-done
	}
}

// TriggerNow queues a scan of the alert regardless of its schedule.
func (s *Scheduler) TriggerNow(ctx context.Context, alertID int64) error {
	if _, err := s.store.GetAlert(ctx, alertID); err != nil {
		return fmt.Errorf("trigger alert %d: %w", alertID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueue(job{alertID: alertID, manual: true})
}

// Status returns the scan state of an alert. Alerts the scheduler has not
// touched yet report false.
func (s *Scheduler) Status(alertID int64) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[alertID]
	if !ok {
		return Status{AlertID: alertID, Phase: PhaseIdle}, false
	}
	return *st, true
}

func (s *Scheduler) checkAll(ctx context.Context) {
	alerts, err := s.store.ListDueAlerts(ctx, s.now())
	if err != nil {
		s.log.Error("list due alerts", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	queued := 0
	for _, a := range alerts {
		err := s.enqueue(job{alertID: a.ID})
		switch {
		case err == nil:
			queued++
		case errors.Is(err, ErrAlreadyQueued):
		case errors.Is(err, ErrQueueFull):
			s.log.Warn("scan queue full, alert deferred to next tick", "alert_id", a.ID)
		default:
			return
		}
	}
	if queued > 0 {
		s.log.Debug("queued due alerts", "count", queued, "due", len(alerts))
	}
}

// enqueue must be called with s.mu held.
func (s *Scheduler) enqueue(j job) error {
	if !s.running {
		return ErrStopped
	}
	if st, ok := s.status[j.alertID]; ok && st.Phase != PhaseIdle {
		return ErrAlreadyQueued
	}
	j.runID = uuid.NewString()
	select {
	case s.jobs <- j:
	default:
		return ErrQueueFull
	}
	st := s.statusLocked(j.alertID)
	st.Phase = PhaseQueued
	st.RunID = j.runID
	st.Manual = j.manual
	st.QueuedAt = s.now()
	return nil
}

func (s *Scheduler) statusLocked(alertID int64) *Status {
	st, ok := s.status[alertID]
	if !ok {
		st = &Status{AlertID: alertID, Phase: PhaseIdle}
		s.status[alertID] = st
	}
	return st
}

func (s *Scheduler) drain() int {
	n := 0
	for {
		select {
		case j := <-s.jobs:
			s.mu.Lock()
			s.statusLocked(j.alertID).Phase = PhaseIdle
			s.mu.Unlock()
			n++
		default:
			return n
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case j := <-s.jobs:
			select {
			case <-stop:
				s.mu.Lock()
				s.statusLocked(j.alertID).Phase = PhaseIdle
				s.mu.Unlock()
				return
			default:
			}
			s.process(ctx, j)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, j job) {
	log := s.log.With("alert_id", j.alertID, "run_id", j.runID)
	started := s.now()

	alert, err := s.store.GetAlert(ctx, j.alertID)
	if err != nil {
		log.Error("load alert", "error", err)
		s.finish(j.alertID, 0, err)
		return
	}
	if !j.manual && !alert.IsDue(started) {
		log.Debug("alert no longer due")
		s.mu.Lock()
		s.statusLocked(j.alertID).Phase = PhaseIdle
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	st := s.statusLocked(j.alertID)
	st.Phase = PhaseRunning
	st.StartedAt = started
	s.mu.Unlock()

	log = log.With("segment", alert.Segment)
	log.Debug("scan started", "manual", j.manual)
	res := s.scan.Run(ctx, alert)

	outcome := "ok"
	switch {
	case res.Err != nil && ctx.Err() != nil && errors.Is(res.Err, ctx.Err()):
		log.Warn("scan abandoned", "error", res.Err)
		s.observe(alert.Segment, "cancelled", 0, s.now().Sub(started))
		s.finish(j.alertID, 0, res.Err)
		return
	case res.Err != nil:
		outcome = "error"
		log.Error("scan failed", "error", res.Err)
	case res.Baseline:
		outcome = "baseline"
	}

	scanErr := ""
	if res.Err != nil {
		scanErr = res.Err.Error()
	}
	if err := s.store.RecordScan(context.WithoutCancel(ctx), alert.ID, started, len(res.NewItems), scanErr); err != nil {
		log.Error("record scan", "error", err)
	}

	if len(res.NewItems) > 0 {
		log.Info("new listings found", "name", alert.Name, "count", len(res.NewItems))
		if err := s.dispatch.Dispatch(ctx, alert, res.NewItems); err != nil {
			log.Warn("dispatch incomplete", "error", err)
		}
	}

	s.observe(alert.Segment, outcome, len(res.NewItems), s.now().Sub(started))
	s.finish(j.alertID, len(res.NewItems), res.Err)
}

func (s *Scheduler) finish(alertID int64, found int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statusLocked(alertID)
	st.Phase = PhaseIdle
	st.FinishedAt = s.now()
	st.LastNewItems = found
	st.LastError = ""
	if err != nil {
		st.LastError = err.Error()
	}
}

func (s *Scheduler) observe(segment, outcome string, found int, d time.Duration) {
	if s.observer != nil {
		s.observer.ObserveScan(segment, outcome, found, d)
	}
}
