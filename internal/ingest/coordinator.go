// Package ingest reconciles registry candidates with the store. The
// coordinator guarantees at most one in-flight writer per package name,
// deduplicates versions by version string, and applies the free-license
// gate to packages seen for the first time.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fossable/fossdb/internal/license"
	"github.com/fossable/fossdb/internal/models"
	"github.com/fossable/fossdb/internal/store"
	"github.com/fossable/fossdb/internal/telemetry"
)

// Status classifies the outcome of one ingest call.
type Status string

const (
	// StatusInserted means at least one row was written.
	StatusInserted Status = "inserted"
	// StatusSkipped means the candidate produced zero writes.
	StatusSkipped Status = "skipped"
)

// Skip reasons.
const (
	ReasonUpToDate       = "up to date"
	ReasonNonFreeLicense = "non-free license"
)

// Outcome is the result of ingesting a single candidate.
type Outcome struct {
	Status Status
	Reason string
}

// Coordinator serializes writers per package name and merges candidates
// into the store.
type Coordinator struct {
	store   store.Store
	locks   *keyedLocks
	logger  *slog.Logger
	metrics *telemetry.IngestMetrics
	now     func() time.Time
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithMetrics attaches ingestion metrics.
func WithMetrics(m *telemetry.IngestMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a coordinator writing to the given store.
func New(st store.Store, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		store:  st,
		locks:  newKeyedLocks(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ingest reconciles one candidate with the store. The per-name lock is
// acquired before any store lookup and released on every exit path, so
// concurrent ingests of the same name are fully serialized.
func (c *Coordinator) Ingest(ctx context.Context, cand models.Candidate) (Outcome, error) {
	if cand.Name == "" {
		return Outcome{}, fmt.Errorf("candidate has no name")
	}

	release, err := c.locks.Acquire(ctx, cand.Name)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to acquire lock for %q: %w", cand.Name, err)
	}
	defer release()

	existing, err := c.store.GetPackageByName(ctx, cand.Name)
	switch {
	case err == nil:
		return c.updateExisting(ctx, existing, cand)
	case errors.Is(err, store.ErrNotFound):
		return c.insertNew(ctx, cand)
	default:
		return Outcome{}, fmt.Errorf("failed to look up package %q: %w", cand.Name, err)
	}
}

// Sweep removes idle per-name lock entries and returns how many were dropped.
func (c *Coordinator) Sweep() int {
	removed := c.locks.Sweep()
	if removed > 0 {
		c.logger.Debug("Swept idle package locks", "removed", removed, "remaining", c.locks.Len())
	}
	return removed
}

// updateExisting diffs candidate versions against the stored ones and
// appends whatever is unseen.
func (c *Coordinator) updateExisting(ctx context.Context, pkg *models.Package, cand models.Candidate) (Outcome, error) {
	if !cand.LastUpdated.After(pkg.UpdatedAt) {
		c.logger.Debug("Package unchanged since last poll, skipping",
			"package", pkg.Name,
			"registry_updated", cand.LastUpdated,
			"stored_updated", pkg.UpdatedAt)
		c.observe(StatusSkipped, ReasonUpToDate)
		return Outcome{Status: StatusSkipped, Reason: ReasonUpToDate}, nil
	}

	stored, err := c.store.GetVersions(ctx, pkg.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load versions of %q: %w", pkg.Name, err)
	}
	seen := make(map[string]struct{}, len(stored))
	for _, v := range stored {
		seen[v.Version] = struct{}{}
	}

	now := c.now().UTC()
	inserted := 0
	for _, vc := range cand.Versions {
		if _, ok := seen[vc.Version]; ok {
			continue
		}
		ver := newVersion(pkg.ID, vc, now)
		if err := c.store.InsertVersion(ctx, &ver); err != nil {
			// One failed version must not abort its siblings.
			c.logger.Error("Failed to store version",
				"package", pkg.Name, "version", vc.Version, "error", err)
			continue
		}
		c.logger.Info("New version detected", "package", pkg.Name, "version", vc.Version)
		inserted++
	}

	pkg.UpdatedAt = cand.LastUpdated
	applyDescriptiveFields(pkg, cand)
	if err := c.store.UpdatePackage(ctx, pkg); err != nil {
		c.logger.Error("Failed to update package timestamp",
			"package", pkg.Name, "error", err)
	}

	c.observe(StatusInserted, "")
	if c.metrics != nil {
		c.metrics.VersionsInserted.Add(float64(inserted))
	}
	return Outcome{Status: StatusInserted}, nil
}

// insertNew gates the license and writes the package with all its versions.
func (c *Coordinator) insertNew(ctx context.Context, cand models.Candidate) (Outcome, error) {
	if !license.IsFree(cand.License) {
		c.logger.Info("Skipping package with non-free license",
			"package", cand.Name, "license", cand.License)
		c.observe(StatusSkipped, ReasonNonFreeLicense)
		return Outcome{Status: StatusSkipped, Reason: ReasonNonFreeLicense}, nil
	}

	now := c.now().UTC()
	updatedAt := cand.LastUpdated
	if updatedAt.IsZero() {
		updatedAt = now
	}
	pkg := &models.Package{
		Name:        cand.Name,
		Description: cand.Description,
		Homepage:    cand.Homepage,
		Repository:  cand.Repository,
		License:     cand.License,
		Tags:        cand.Tags,
		CreatedAt:   now,
		UpdatedAt:   updatedAt,
	}
	if err := c.store.InsertPackage(ctx, pkg); err != nil {
		return Outcome{}, fmt.Errorf("failed to insert package %q: %w", cand.Name, err)
	}
	c.logger.Info("Stored new package", "package", pkg.Name, "versions", len(cand.Versions))

	inserted := 0
	for _, vc := range cand.Versions {
		ver := newVersion(pkg.ID, vc, now)
		if err := c.store.InsertVersion(ctx, &ver); err != nil {
			c.logger.Error("Failed to store version",
				"package", pkg.Name, "version", vc.Version, "error", err)
			continue
		}
		inserted++
	}

	c.observe(StatusInserted, "")
	if c.metrics != nil {
		c.metrics.PackagesInserted.Inc()
		c.metrics.VersionsInserted.Add(float64(inserted))
	}
	return Outcome{Status: StatusInserted}, nil
}

func (c *Coordinator) observe(status Status, reason string) {
	if c.metrics == nil {
		return
	}
	if status == StatusSkipped {
		c.metrics.Skipped.WithLabelValues(reason).Inc()
	}
}

func newVersion(pkgID uuid.UUID, vc models.CandidateVersion, now time.Time) models.PackageVersion {
	return models.PackageVersion{
		PackageID:    pkgID,
		Version:      vc.Version,
		ReleasedAt:   vc.ReleasedAt,
		DownloadURL:  vc.DownloadURL,
		Checksum:     vc.Checksum,
		Dependencies: vc.Dependencies,
		CreatedAt:    now,
	}
}

func applyDescriptiveFields(pkg *models.Package, cand models.Candidate) {
	if cand.Description != "" {
		pkg.Description = cand.Description
	}
	if cand.Homepage != "" {
		pkg.Homepage = cand.Homepage
	}
	if cand.Repository != "" {
		pkg.Repository = cand.Repository
	}
	if len(cand.Tags) > 0 {
		pkg.Tags = cand.Tags
	}
}
