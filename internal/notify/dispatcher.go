package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fossable/fossdb/internal/models"
	"github.com/fossable/fossdb/internal/store"
	"github.com/fossable/fossdb/internal/telemetry"
)

// DefaultDispatchInterval is how often the dispatcher scans for pending
// events.
const DefaultDispatchInterval = 30 * time.Second

// Sink delivers a personal timeline event out-of-band (mail, push, webhook).
type Sink interface {
	// Deliver sends the event to its user. A nil error marks the event
	// notified; a failed delivery is retried on the next scan.
	Deliver(ctx context.Context, event models.TimelineEvent) error
}

// LogSink is a Sink that only records deliveries in the log. It is the
// default until a real delivery channel is configured.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver implements Sink.
func (s *LogSink) Deliver(_ context.Context, event models.TimelineEvent) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Delivering notification",
		"user_id", event.UserID,
		"package", event.PackageName,
		"version", event.Version,
		"message", event.Message)
	return nil
}

// Dispatcher periodically drains pending personal events through a Sink,
// marking each notified once delivery succeeds.
type Dispatcher struct {
	store    store.Store
	sink     Sink
	logger   *slog.Logger
	metrics  *telemetry.NotifyMetrics
	interval time.Duration
	now      func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchInterval overrides the scan interval.
func WithDispatchInterval(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.interval = d
		}
	}
}

// WithDispatcherMetrics attaches notification metrics.
func WithDispatcherMetrics(m *telemetry.NotifyMetrics) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.metrics = m
	}
}

// WithDispatcherClock overrides the dispatcher's time source.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(dp *Dispatcher) {
		dp.now = now
	}
}

// NewDispatcher creates a dispatcher over the given store and sink.
func NewDispatcher(st store.Store, sink Sink, logger *slog.Logger, opts ...DispatcherOption) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		store:    st,
		sink:     sink,
		logger:   logger.With("component", "dispatcher"),
		interval: DefaultDispatchInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run scans for pending events on the configured interval until the context
// is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("Dispatcher started", "interval", d.interval)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if err := d.DispatchPending(ctx); err != nil {
				d.logger.Error("Dispatch scan failed", "error", err)
			}
		}
	}
}

// DispatchPending delivers every pending personal event once. Events whose
// delivery fails stay pending; the error count is logged and the scan
// continues.
func (d *Dispatcher) DispatchPending(ctx context.Context) error {
	pending, err := d.store.PendingTimelineEvents(ctx)
	if err != nil {
		return fmt.Errorf("listing pending events: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	var failed int
	for _, event := range pending {
		if err := d.dispatchOne(ctx, event); err != nil {
			failed++
			d.logger.Error("Failed to dispatch event",
				"event_id", event.ID, "package", event.PackageName, "error", err)
		}
	}

	d.logger.Debug("Dispatch scan complete",
		"pending", len(pending), "failed", failed)
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, event models.TimelineEvent) error {
	if err := d.sink.Deliver(ctx, event); err != nil {
		if d.metrics != nil {
			d.metrics.DispatchFailures.Inc()
		}
		return err
	}
	if err := d.store.MarkEventNotified(ctx, event.ID, d.now().UTC()); err != nil {
		return fmt.Errorf("marking event notified: %w", err)
	}
	if d.metrics != nil {
		d.metrics.EventsDispatched.Inc()
	}
	return nil
}
