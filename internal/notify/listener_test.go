package notify_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fossable/fossdb/internal/models"
	"github.com/fossable/fossdb/internal/notify"
	"github.com/fossable/fossdb/internal/store"
)

func newListenerStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(store.Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func insertPackage(t *testing.T, s store.Store, name string) *models.Package {
	t.Helper()
	pkg := &models.Package{
		Name:      name,
		License:   "MIT",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.InsertPackage(context.Background(), pkg))
	return pkg
}

func insertSubscriber(t *testing.T, s store.Store, packageName string, enabled bool) uuid.UUID {
	t.Helper()
	user := &models.User{
		ID:       uuid.New(),
		Email:    "dev@example.com",
		Username: "dev",
		Subscriptions: []models.Subscription{
			{PackageName: packageName, NotificationsEnabled: enabled},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.PutUser(context.Background(), user))
	return user.ID
}

func startListener(t *testing.T, s store.Store, b *notify.Broadcaster) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l := notify.NewListener(s, b, nil)
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func collectEvents(t *testing.T, sub *notify.Subscriber, n int) []models.TimelineEvent {
	t.Helper()
	events := make([]models.TimelineEvent, 0, n)
	deadline := time.After(5 * time.Second)
	for len(events) < n {
		select {
		case event := <-sub.C:
			events = append(events, event)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}
	return events
}

func TestListener_EmitsPersonalAndGlobalEvents(t *testing.T) {
	t.Parallel()

	s := newListenerStore(t)
	b := notify.NewBroadcaster(nil)
	defer b.Close()

	pkg := insertPackage(t, s, "serde")
	userID := insertSubscriber(t, s, "serde", true)
	sub := b.Subscribe()
	startListener(t, s, b)

	require.NoError(t, s.InsertVersion(context.Background(), &models.PackageVersion{
		PackageID:  pkg.ID,
		Version:    "1.0.200",
		ReleasedAt: time.Now().UTC(),
	}))

	events := collectEvents(t, sub, 2)

	var personal, global int
	for _, event := range events {
		assert.Equal(t, "serde", event.PackageName)
		assert.Equal(t, "1.0.200", event.Version)
		assert.Equal(t, models.EventNewRelease, event.Type)
		if event.Global() {
			global++
		} else {
			personal++
			assert.Equal(t, userID, *event.UserID)
		}
	}
	assert.Equal(t, 1, personal)
	assert.Equal(t, 1, global)

	// The personal event is pending delivery; the global one never is.
	pending, err := s.PendingTimelineEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, userID, *pending[0].UserID)
}

func TestListener_NoSubscribersStillEmitsGlobal(t *testing.T) {
	t.Parallel()

	s := newListenerStore(t)
	b := notify.NewBroadcaster(nil)
	defer b.Close()

	pkg := insertPackage(t, s, "tokio")
	sub := b.Subscribe()
	startListener(t, s, b)

	require.NoError(t, s.InsertVersion(context.Background(), &models.PackageVersion{
		PackageID:  pkg.ID,
		Version:    "1.38.0",
		ReleasedAt: time.Now().UTC(),
	}))

	events := collectEvents(t, sub, 1)
	assert.True(t, events[0].Global())

	pending, err := s.PendingTimelineEvents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListener_DisabledSubscriptionGetsNoPersonalEvent(t *testing.T) {
	t.Parallel()

	s := newListenerStore(t)
	b := notify.NewBroadcaster(nil)
	defer b.Close()

	pkg := insertPackage(t, s, "axum")
	insertSubscriber(t, s, "axum", false)
	sub := b.Subscribe()
	startListener(t, s, b)

	require.NoError(t, s.InsertVersion(context.Background(), &models.PackageVersion{
		PackageID:  pkg.ID,
		Version:    "0.7.5",
		ReleasedAt: time.Now().UTC(),
	}))

	events := collectEvents(t, sub, 1)
	assert.True(t, events[0].Global())
}

func TestListener_UnresolvablePackageDoesNotStopLoop(t *testing.T) {
	t.Parallel()

	s := newListenerStore(t)
	b := notify.NewBroadcaster(nil)
	defer b.Close()

	sub := b.Subscribe()
	startListener(t, s, b)

	// The version references a package id that does not exist; the insert
	// is dropped with a logged error and the loop keeps running.
	require.NoError(t, s.InsertVersion(context.Background(), &models.PackageVersion{
		PackageID:  uuid.New(),
		Version:    "9.9.9",
		ReleasedAt: time.Now().UTC(),
	}))

	pkg := insertPackage(t, s, "hyper")
	require.NoError(t, s.InsertVersion(context.Background(), &models.PackageVersion{
		PackageID:  pkg.ID,
		Version:    "1.4.0",
		ReleasedAt: time.Now().UTC(),
	}))

	events := collectEvents(t, sub, 1)
	assert.Equal(t, "hyper", events[0].PackageName)
}

func TestListener_StopsWhenFeedCloses(t *testing.T) {
	t.Parallel()

	s, err := store.Open(store.Config{InMemory: true}, nil)
	require.NoError(t, err)

	l := notify.NewListener(s, nil, nil)
	done := make(chan error, 1)
	go func() {
		done <- l.Run(context.Background())
	}()

	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop after the feed closed")
	}
}
