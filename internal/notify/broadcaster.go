// Package notify turns committed version inserts into timeline events and
// fans them out to live subscribers.
package notify

import (
	"log/slog"
	"sync"

	"github.com/fossable/fossdb/internal/models"
	"github.com/fossable/fossdb/internal/telemetry"
)

// DefaultSubscriberBuffer is the per-subscriber queue capacity.
const DefaultSubscriberBuffer = 100

// Subscriber is one live receiver. Events arrive on C until Unsubscribe
// closes it. Identity filtering is the consumer's job: the broadcaster
// delivers every published event to every subscriber queue with room.
type Subscriber struct {
	C <-chan models.TimelineEvent

	ch   chan models.TimelineEvent
	once sync.Once
}

// Broadcaster is an in-process publish/subscribe fan-out. Publish never
// blocks: a full subscriber queue drops that event for that subscriber only.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	buffer  int
	closed  bool
	logger  *slog.Logger
	metrics *telemetry.NotifyMetrics
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithSubscriberBuffer overrides the per-subscriber queue capacity.
func WithSubscriberBuffer(n int) BroadcasterOption {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithBroadcasterMetrics attaches notification metrics.
func WithBroadcasterMetrics(m *telemetry.NotifyMetrics) BroadcasterOption {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(logger *slog.Logger, opts ...BroadcasterOption) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		subs:   make(map[*Subscriber]struct{}),
		buffer: DefaultSubscriberBuffer,
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a new bounded-buffer receiver.
func (b *Broadcaster) Subscribe() *Subscriber {
	ch := make(chan models.TimelineEvent, b.buffer)
	sub := &Subscriber{C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Safe to call
// more than once.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, registered := b.subs[sub]
	delete(b.subs, sub)
	b.mu.Unlock()

	if registered || !b.isClosed() {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Publish delivers a copy of the event to every live subscriber queue.
// It never blocks; slow consumers lose events rather than stalling the
// publisher.
func (b *Broadcaster) Publish(event models.TimelineEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	if b.metrics != nil {
		b.metrics.EventsPublished.Inc()
	}
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			if b.metrics != nil {
				b.metrics.EventsDropped.Inc()
			}
			b.logger.Debug("Subscriber queue full, dropping event",
				"package", event.PackageName, "version", event.Version)
		}
	}
}

// Close unregisters and closes every subscriber. Publish becomes a no-op.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.once.Do(func() { close(sub.ch) })
		delete(b.subs, sub)
	}
}

func (b *Broadcaster) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
