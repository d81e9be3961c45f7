// Package store defines the entity store consumed by the ingestion and
// notification pipeline: a transactional key-value store with a unique
// secondary index on package name and an insert-only change feed for
// package versions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fossable/fossdb/internal/models"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicatePackage is returned when a package with the same name
	// already exists.
	ErrDuplicatePackage = errors.New("package already exists")

	// ErrDuplicateVersion is returned when the (package, version) pair has
	// already been inserted. Versions are append-only.
	ErrDuplicateVersion = errors.New("version already exists")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Store is the persistence boundary of the pipeline. Implementations must
// provide serializable single-entity transactions; package and version
// writes are committed independently.
type Store interface {
	// GetPackage looks a package up by primary id.
	GetPackage(ctx context.Context, id uuid.UUID) (*models.Package, error)

	// GetPackageByName looks a package up by its unique name.
	GetPackageByName(ctx context.Context, name string) (*models.Package, error)

	// InsertPackage creates a package. A zero ID is assigned by the store.
	// Fails with ErrDuplicatePackage if the name is taken.
	InsertPackage(ctx context.Context, pkg *models.Package) error

	// UpdatePackage rewrites an existing package record.
	UpdatePackage(ctx context.Context, pkg *models.Package) error

	// GetVersions returns all stored versions of a package.
	GetVersions(ctx context.Context, packageID uuid.UUID) ([]models.PackageVersion, error)

	// InsertVersion appends a version. A zero ID is assigned by the store.
	// Fails with ErrDuplicateVersion if the (package, version) pair exists.
	// After the transaction commits the insert is emitted on the change feed.
	InsertVersion(ctx context.Context, ver *models.PackageVersion) error

	// InsertTimelineEvent persists a timeline event. A zero ID is assigned
	// by the store.
	InsertTimelineEvent(ctx context.Context, event *models.TimelineEvent) error

	// PendingTimelineEvents returns personal new-release events whose
	// notified timestamp is unset, in creation order.
	PendingTimelineEvents(ctx context.Context) ([]models.TimelineEvent, error)

	// MarkEventNotified sets the notified timestamp of an event.
	MarkEventNotified(ctx context.Context, id uuid.UUID, at time.Time) error

	// PutUser creates or replaces a user record.
	PutUser(ctx context.Context, user *models.User) error

	// GetUser looks a user up by id.
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)

	// UsersSubscribedTo returns the ids of users holding an enabled
	// subscription to the given package name.
	UsersSubscribedTo(ctx context.Context, packageName string) ([]uuid.UUID, error)

	// WatchVersionInserts returns the insert-only change feed for package
	// versions. Updates and deletes never appear on it. The channel is
	// closed when the store closes; a single consumer is supported.
	WatchVersionInserts() <-chan models.VersionInsert

	// Close releases resources and closes the change feed.
	Close() error
}
