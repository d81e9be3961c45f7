package notify_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fossable/fossdb/internal/models"
	"github.com/fossable/fossdb/internal/notify"
)

func newEvent(name, version string) models.TimelineEvent {
	return models.TimelineEvent{
		ID:          uuid.New(),
		PackageID:   uuid.New(),
		PackageName: name,
		Version:     version,
		Type:        models.EventNewRelease,
		Message:     name + " " + version + " released",
		CreatedAt:   time.Now().UTC(),
	}
}

func TestBroadcaster_DeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	b := notify.NewBroadcaster(nil)
	defer b.Close()

	first := b.Subscribe()
	second := b.Subscribe()

	event := newEvent("serde", "1.0.0")
	b.Publish(event)

	got := <-first.C
	assert.Equal(t, event.ID, got.ID)
	got = <-second.C
	assert.Equal(t, event.ID, got.ID)
}

func TestBroadcaster_LateSubscriberMissesEarlierEvents(t *testing.T) {
	t.Parallel()

	b := notify.NewBroadcaster(nil)
	defer b.Close()

	earlier := newEvent("serde", "1.0.0")
	b.Publish(earlier)

	late := b.Subscribe()

	later := newEvent("serde", "1.0.1")
	b.Publish(later)

	got := <-late.C
	assert.Equal(t, later.ID, got.ID)

	select {
	case extra := <-late.C:
		t.Fatalf("late subscriber received unexpected event %s", extra.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	t.Parallel()

	b := notify.NewBroadcaster(nil)
	defer b.Close()

	// Must not panic or block.
	b.Publish(newEvent("tokio", "1.38.0"))
}

func TestBroadcaster_FullQueueDropsForThatSubscriberOnly(t *testing.T) {
	t.Parallel()

	b := notify.NewBroadcaster(nil, notify.WithSubscriberBuffer(2))
	defer b.Close()

	slow := b.Subscribe()
	fast := b.Subscribe()

	// Drain fast concurrently is unnecessary: its buffer holds all three.
	_ = fast
	b.Publish(newEvent("axum", "0.7.0"))
	b.Publish(newEvent("axum", "0.7.1"))
	b.Publish(newEvent("axum", "0.7.2"))

	// The slow subscriber keeps the first two and loses the third.
	got := <-slow.C
	assert.Equal(t, "0.7.0", got.Version)
	got = <-slow.C
	assert.Equal(t, "0.7.1", got.Version)
	select {
	case extra := <-slow.C:
		t.Fatalf("expected third event to be dropped, got %s", extra.Version)
	default:
	}
}

func TestBroadcaster_FullQueueDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	b := notify.NewBroadcaster(nil, notify.WithSubscriberBuffer(1))
	defer b.Close()

	_ = b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish(newEvent("hyper", "1.0.0"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full subscriber queue")
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := notify.NewBroadcaster(nil)
	defer b.Close()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, open := <-sub.C
	assert.False(t, open)

	// Idempotent.
	b.Unsubscribe(sub)

	// Publishing after unsubscribe must not panic.
	b.Publish(newEvent("clap", "4.5.0"))
}

func TestBroadcaster_CloseClosesAllSubscribers(t *testing.T) {
	t.Parallel()

	b := notify.NewBroadcaster(nil)
	first := b.Subscribe()
	second := b.Subscribe()

	b.Close()

	_, open := <-first.C
	require.False(t, open)
	_, open = <-second.C
	require.False(t, open)

	// Subscribing after close yields an already-closed channel.
	late := b.Subscribe()
	_, open = <-late.C
	assert.False(t, open)

	b.Publish(newEvent("rand", "0.8.0"))
	b.Close()
}
