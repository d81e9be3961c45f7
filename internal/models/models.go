// Package models defines the domain entities shared across the fossdb
// ingestion and notification pipeline.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Package is a tracked software package. Identity is the unique name;
// a package is created once on first sighting and never deleted.
type Package struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Homepage    string    `json:"homepage,omitempty"`
	Repository  string    `json:"repository,omitempty"`
	License     string    `json:"license,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PackageVersion is a single released version of a package. Versions are
// append-only: once inserted they are never mutated or removed.
type PackageVersion struct {
	ID           uuid.UUID    `json:"id"`
	PackageID    uuid.UUID    `json:"package_id"`
	Version      string       `json:"version"`
	ReleasedAt   time.Time    `json:"released_at"`
	DownloadURL  string       `json:"download_url,omitempty"`
	Checksum     string       `json:"checksum,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Dependency describes one dependency edge of a package version.
type Dependency struct {
	Name        string `json:"name"`
	Requirement string `json:"requirement"`
	Kind        string `json:"kind,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
}

// Subscription ties a user to a package name. Only subscriptions with
// notifications enabled produce timeline events.
type Subscription struct {
	PackageName          string `json:"package_name"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
}

// User is a registered account. Subscriptions are embedded, matching the
// read-only view the change listener needs.
type User struct {
	ID            uuid.UUID      `json:"id"`
	Email         string         `json:"email"`
	Username      string         `json:"username"`
	Subscriptions []Subscription `json:"subscriptions,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// EventType classifies a timeline event.
type EventType string

const (
	// EventNewRelease marks a newly observed package version.
	EventNewRelease EventType = "new_release"
)

// TimelineEvent is a notification record. A nil UserID means the event is
// global (public feed); otherwise it belongs to that user. NotifiedAt is set
// by the dispatch process once the event has been delivered out-of-band.
type TimelineEvent struct {
	ID          uuid.UUID  `json:"id"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	PackageID   uuid.UUID  `json:"package_id"`
	PackageName string     `json:"package_name"`
	Version     string     `json:"version,omitempty"`
	Type        EventType  `json:"type"`
	Message     string     `json:"message"`
	CreatedAt   time.Time  `json:"created_at"`
	NotifiedAt  *time.Time `json:"notified_at,omitempty"`
}

// Global reports whether the event belongs to the public feed.
func (e *TimelineEvent) Global() bool {
	return e.UserID == nil
}

// Candidate is a package-plus-versions record fetched from a registry,
// not yet reconciled with the store.
type Candidate struct {
	Name        string
	Description string
	Homepage    string
	Repository  string
	License     string
	Tags        []string

	// LastUpdated is the registry's reported last-modification timestamp,
	// used to cheaply skip packages that have not changed since the
	// previous poll.
	LastUpdated time.Time

	Versions []CandidateVersion
}

// CandidateVersion is one version as reported by a registry.
type CandidateVersion struct {
	Version      string
	ReleasedAt   time.Time
	DownloadURL  string
	Checksum     string
	Dependencies []Dependency
}

// VersionInsert is the payload of the store's insert-change feed. It is
// emitted exactly once per committed PackageVersion insert.
type VersionInsert struct {
	Version PackageVersion
}
