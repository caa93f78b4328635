// Package notify delivers newly discovered listings through the channels an
// alert has enabled.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"

	"market_alerts/internal/model"
)

var errNoSink = errors.New("no sink registered")

// Sink delivers items for one channel kind.
type Sink interface {
	Send(ctx context.Context, alert *model.Alert, items []model.Listing) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, alert *model.Alert, items []model.Listing) error

func (f SinkFunc) Send(ctx context.Context, alert *model.Alert, items []model.Listing) error {
	return f(ctx, alert, items)
}

// ChannelError is a delivery failure of one channel.
type ChannelError struct {
	Channel model.ChannelKind
	AlertID int64
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("notify %s for alert %d: %v", e.Channel, e.AlertID, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Observer is told about each channel delivery.
type Observer interface {
	ObserveNotification(channel, outcome string)
}

// Dispatcher fans items out to sinks.
type Dispatcher struct {
	mu       sync.RWMutex
	sinks    map[model.ChannelKind]Sink
	log      *slog.Logger
	observer Observer
}

// NewDispatcher creates a Dispatcher with the log sink registered.
func NewDispatcher(log *slog.Logger, observer Observer) *Dispatcher {
	d := &Dispatcher{
		sinks:    make(map[model.ChannelKind]Sink),
		log:      log,
		observer: observer,
	}
	d.Register(model.ChannelLog, NewLog(log))
	return d
}

// Register adds or replaces the sink for kind.
func (d *Dispatcher) Register(kind model.ChannelKind, s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[kind] = s
}

// Dispatch sends items through every enabled channel of the alert, or the
// log channel when none is enabled. A failing channel does not stop the
// others; all failures are returned together as *ChannelError values.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *model.Alert, items []model.Listing) error {
	if len(items) == 0 {
		return nil
	}
	channels := alert.Notifications.Enabled()
	if len(channels) == 0 {
		channels = []model.ChannelKind{model.ChannelLog}
	}

	var result *multierror.Error
	for _, ch := range channels {
		if err := d.send(ctx, ch, alert, items); err != nil {
			d.log.Warn("notification failed", "alert_id", alert.ID, "channel", ch, "error", err)
			d.observe(ch, "error")
			result = multierror.Append(result, err)
			continue
		}
		d.observe(ch, "ok")
	}
	return result.ErrorOrNil()
}

func (d *Dispatcher) send(ctx context.Context, ch model.ChannelKind, alert *model.Alert, items []model.Listing) (err error) {
	d.mu.RLock()
	sink, ok := d.sinks[ch]
	d.mu.RUnlock()
	if !ok {
		return &ChannelError{Channel: ch, AlertID: alert.ID, Err: errNoSink}
	}

	defer func() {
		if r := recover(); r != nil {
			err = &ChannelError{Channel: ch, AlertID: alert.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := sink.Send(ctx, alert, items); err != nil {
		return &ChannelError{Channel: ch, AlertID: alert.ID, Err: err}
	}
	return nil
}

func (d *Dispatcher) observe(ch model.ChannelKind, outcome string) {
	if d.observer != nil {
		d.observer.ObserveNotification(string(ch), outcome)
	}
}

// Log writes one structured line per item.
type Log struct {
	log *slog.Logger
}

// NewLog creates a Log sink.
func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Send(_ context.Context, alert *model.Alert, items []model.Listing) error {
	for _, it := range items {
		l.log.Info("new listing",
			"alert_id", alert.ID,
			"alert", alert.Name,
			"listing_id", it.ID,
			"title", it.Title,
			"price", FormatPrice(it.Price, it.Currency),
			"url", it.URL,
		)
	}
	return nil
}
