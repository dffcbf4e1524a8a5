// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package subscriptions contains the subscription model and its
// lifecycle: a subscription pairs a SQL Server database connection with
// a local project folder of .sql files, plus monitoring options.
package subscriptions

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/schema"
)

var (
	// Error is the default error class for the package.
	Error = errs.Class("subscriptions")
	// ErrNotFound is returned when a subscription does not exist.
	ErrNotFound = errs.Class("subscription not found")
	// ErrNameInUse is returned when a subscription name is already taken.
	ErrNameInUse = errs.Class("subscription name in use")
	// ErrNotPaused is returned when resume is applied to a subscription
	// that is not paused.
	ErrNotPaused = errs.Class("subscription not paused")
)

// State is the lifecycle state of a subscription.
type State string

// Subscription states. Only active subscriptions are monitored.
const (
	StateActive State = "active"
	StatePaused State = "paused"
	StateError  State = "error"
)

// AuthKind selects how the database connection authenticates.
type AuthKind string

// Supported authentication kinds.
const (
	AuthIntegrated          AuthKind = "integrated"
	AuthPassword            AuthKind = "password"
	AuthCloudInteractive    AuthKind = "cloud-interactive"
	AuthCloudNonInteractive AuthKind = "cloud-noninteractive"
)

// LayoutKind describes how a project folder arranges its .sql files.
type LayoutKind string

// Recognized folder layouts.
const (
	LayoutFlat            LayoutKind = "flat"
	LayoutBySchema        LayoutKind = "by-schema"
	LayoutByType          LayoutKind = "by-type"
	LayoutBySchemaAndType LayoutKind = "by-schema-and-type"
)

// DatabaseConnection describes how to reach the observed database.
// Secret is an opaque pre-encrypted blob; the engine never inspects it
// and passes it through to the connection factory.
type DatabaseConnection struct {
	Server                 string        `json:"server"`
	Database               string        `json:"database"`
	Auth                   AuthKind      `json:"auth"`
	Username               string        `json:"username,omitempty"`
	Secret                 string        `json:"secret,omitempty"`
	TrustServerCertificate bool          `json:"trustServerCertificate"`
	ConnectTimeout         time.Duration `json:"connectTimeout"`
}

// ProjectFolder describes the observed folder of .sql project files.
type ProjectFolder struct {
	RootPath string     `json:"rootPath"`
	Include  []string   `json:"include,omitempty"`
	Exclude  []string   `json:"exclude,omitempty"`
	Layout   LayoutKind `json:"layout"`
}

// Options tunes what a subscription observes and compares.
type Options struct {
	AutoCompare             bool                `json:"autoCompare"`
	CompareOnFileChange     bool                `json:"compareOnFileChange"`
	CompareOnDatabaseChange bool                `json:"compareOnDatabaseChange"`
	ObjectTypes             []schema.ObjectType `json:"objectTypes,omitempty"`
	IgnoreWhitespace        bool                `json:"ignoreWhitespace"`
	IgnoreComments          bool                `json:"ignoreComments"`
}

// TypeAllowed reports whether the object type participates in
// comparisons for this subscription. An empty allow-set means all
// supported types.
func (o Options) TypeAllowed(t schema.ObjectType) bool {
	if !t.Supported() {
		return false
	}
	if len(o.ObjectTypes) == 0 {
		return true
	}
	for _, allowed := range o.ObjectTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// HealthStatus is the summarized health of a subscription.
type HealthStatus string

// Health statuses derived from the individual checks.
const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is the latest health-check outcome for a subscription.
type Health struct {
	DatabaseConnectable bool         `json:"databaseConnectable"`
	FolderAccessible    bool         `json:"folderAccessible"`
	FilesPresent        bool         `json:"filesPresent"`
	LastCheckedAt       time.Time    `json:"lastCheckedAt"`
	LastError           string       `json:"lastError,omitempty"`
	Status              HealthStatus `json:"status"`
}

// DeriveStatus computes the overall status from the individual checks.
func DeriveStatus(databaseOK, folderOK, filesPresent bool) HealthStatus {
	switch {
	case databaseOK && folderOK && filesPresent:
		return HealthHealthy
	case !databaseOK || !folderOK:
		return HealthUnhealthy
	case databaseOK && folderOK:
		return HealthDegraded
	default:
		return HealthUnknown
	}
}

// Subscription pairs a database connection with a project folder.
type Subscription struct {
	ID       uuid.UUID          `json:"id"`
	Name     string             `json:"name"`
	Database DatabaseConnection `json:"database"`
	Folder   ProjectFolder      `json:"folder"`
	Options  Options            `json:"options"`
	State    State              `json:"state"`
	Health   Health             `json:"health"`

	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	PausedAt       *time.Time `json:"pausedAt,omitempty"`
	ResumedAt      *time.Time `json:"resumedAt,omitempty"`
	LastComparedAt *time.Time `json:"lastComparedAt,omitempty"`
}

// DB stores subscriptions. Names are unique case-insensitively across
// all live subscriptions; Insert and Update fail with ErrNameInUse on a
// collision.
//
// architecture: Database
type DB interface {
	// Insert adds a new subscription.
	Insert(ctx context.Context, sub *Subscription) error
	// Update replaces a stored subscription.
	Update(ctx context.Context, sub *Subscription) error
	// Get returns a subscription by id.
	Get(ctx context.Context, id uuid.UUID) (*Subscription, error)
	// GetByName returns a subscription by case-insensitive name.
	GetByName(ctx context.Context, name string) (*Subscription, error)
	// List returns all subscriptions.
	List(ctx context.Context) ([]*Subscription, error)
	// ListActive returns subscriptions in state active.
	ListActive(ctx context.Context) ([]*Subscription, error)
	// UpdateHealth stores the latest health for a subscription.
	UpdateHealth(ctx context.Context, id uuid.UUID, health Health) error
	// SetLastCompared stores the last successful comparison instant.
	SetLastCompared(ctx context.Context, id uuid.UUID, at time.Time) error
	// Delete removes a subscription.
	Delete(ctx context.Context, id uuid.UUID) error
}
