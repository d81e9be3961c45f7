package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fossable/fossdb/internal/models"
	"github.com/fossable/fossdb/internal/store"
)

// Listener consumes the store's version-insert feed and materializes
// timeline events: one personal event per subscribed user plus one global
// event per insert. Materialized events are also published to the
// broadcaster for live delivery.
type Listener struct {
	store       store.Store
	broadcaster *Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithListenerClock overrides the listener's time source.
func WithListenerClock(now func() time.Time) ListenerOption {
	return func(l *Listener) {
		l.now = now
	}
}

// NewListener creates a listener over the given store and broadcaster.
func NewListener(st store.Store, b *Broadcaster, logger *slog.Logger, opts ...ListenerOption) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		store:       st,
		broadcaster: b,
		logger:      logger.With("component", "change-listener"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run consumes the feed until the context is cancelled or the store closes
// the channel. A failure to process one insert is logged and does not stop
// the loop.
func (l *Listener) Run(ctx context.Context) error {
	feed := l.store.WatchVersionInserts()
	l.logger.Info("Change listener started")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("Change listener stopping", "reason", ctx.Err())
			return ctx.Err()
		case insert, ok := <-feed:
			if !ok {
				l.logger.Info("Version feed closed, change listener stopping")
				return nil
			}
			if err := l.handleInsert(ctx, insert.Version); err != nil {
				l.logger.Error("Failed to process version insert",
					"package_id", insert.Version.PackageID,
					"version", insert.Version.Version,
					"error", err)
			}
		}
	}
}

func (l *Listener) handleInsert(ctx context.Context, ver models.PackageVersion) error {
	pkg, err := l.store.GetPackage(ctx, ver.PackageID)
	if err != nil {
		return fmt.Errorf("resolving package %s: %w", ver.PackageID, err)
	}

	userIDs, err := l.store.UsersSubscribedTo(ctx, pkg.Name)
	if err != nil {
		return fmt.Errorf("listing subscribers of %s: %w", pkg.Name, err)
	}

	for _, userID := range userIDs {
		uid := userID
		event := l.newReleaseEvent(pkg, ver)
		event.UserID = &uid
		if err := l.storeAndPublish(ctx, event); err != nil {
			l.logger.Error("Failed to record personal event",
				"package", pkg.Name, "version", ver.Version,
				"user_id", uid, "error", err)
		}
	}

	global := l.newReleaseEvent(pkg, ver)
	if err := l.storeAndPublish(ctx, global); err != nil {
		return fmt.Errorf("recording global event for %s %s: %w", pkg.Name, ver.Version, err)
	}

	l.logger.Debug("Processed version insert",
		"package", pkg.Name, "version", ver.Version, "subscribers", len(userIDs))
	return nil
}

func (l *Listener) newReleaseEvent(pkg *models.Package, ver models.PackageVersion) *models.TimelineEvent {
	return &models.TimelineEvent{
		ID:          uuid.New(),
		PackageID:   pkg.ID,
		PackageName: pkg.Name,
		Version:     ver.Version,
		Type:        models.EventNewRelease,
		Message:     fmt.Sprintf("%s %s released", pkg.Name, ver.Version),
		CreatedAt:   l.now().UTC(),
	}
}

func (l *Listener) storeAndPublish(ctx context.Context, event *models.TimelineEvent) error {
	if err := l.store.InsertTimelineEvent(ctx, event); err != nil {
		return err
	}
	if l.broadcaster != nil {
		l.broadcaster.Publish(*event)
	}
	return nil
}
