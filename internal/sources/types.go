package sources

import (
	"context"
	"time"

	"github.com/fossable/fossdb/internal/models"
)

// Source is an interface with methods to fetch candidate packages from one
// external registry.
type Source interface {
	// Name returns the registry identifier used in logs and metrics.
	Name() string

	// FetchRecent retrieves recently updated packages from the registry.
	// A candidate carries everything the coordinator needs; malformed or
	// missing payload fields are defaulted, not fatal.
	FetchRecent(ctx context.Context) ([]models.Candidate, error)
}

// LastUpdatedFunc reports the stored last-update timestamp for a package
// name, or ok=false when the package is unknown. Adapters use it to skip the
// per-package detail fetch for packages that have not changed since the
// previous poll. A nil func means every listed package is fetched in full.
type LastUpdatedFunc func(ctx context.Context, name string) (updatedAt time.Time, ok bool)
