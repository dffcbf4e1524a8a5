// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package changes implements the change-detection pipeline: detected
// change records, the per-subscription debouncer that coalesces rapid
// events, and the processor that persists batches and decides whether
// to trigger a comparison.
package changes

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/schema"
)

// Error is the default error class for the package.
var Error = errs.Class("changes")

// Source tells which side produced a change event.
type Source string

// Change sources.
const (
	SourceDatabase   Source = "database"
	SourceFilesystem Source = "filesystem"
)

// Kind classifies a change event.
type Kind string

// Change kinds.
const (
	KindCreated  Kind = "created"
	KindModified Kind = "modified"
	KindDeleted  Kind = "deleted"
)

// Change is an individual observation of a schema or file change.
// ObjectID is the schema-qualified name for database-sourced changes
// and the absolute path for filesystem-sourced ones.
type Change struct {
	ID             uuid.UUID         `json:"id"`
	SubscriptionID uuid.UUID         `json:"subscriptionId"`
	Source         Source            `json:"source"`
	Kind           Kind              `json:"kind"`
	ObjectID       string            `json:"objectId"`
	ObjectType     schema.ObjectType `json:"objectType,omitempty"`
	DetectedAt     time.Time         `json:"detectedAt"`
	Processed      bool              `json:"processed"`
	ProcessedAt    *time.Time        `json:"processedAt,omitempty"`
}

// Batch is a debounced aggregation of changes for one subscription.
// The batch itself is transient; only its members are persisted.
type Batch struct {
	SubscriptionID uuid.UUID
	Changes        []Change
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Sources reports which sides contributed to the batch.
func (b Batch) Sources() (hasDatabase, hasFilesystem bool) {
	for _, change := range b.Changes {
		switch change.Source {
		case SourceDatabase:
			hasDatabase = true
		case SourceFilesystem:
			hasFilesystem = true
		}
	}
	return hasDatabase, hasFilesystem
}

// DB stores pending changes.
//
// architecture: Database
type DB interface {
	// Insert adds a detected change.
	Insert(ctx context.Context, change *Change) error
	// ListBySubscription returns all changes for a subscription ordered
	// by detection instant ascending.
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]Change, error)
	// ListUnprocessed returns unprocessed changes for a subscription.
	ListUnprocessed(ctx context.Context, subscriptionID uuid.UUID) ([]Change, error)
	// MarkProcessed flips the given changes to processed.
	MarkProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error
	// MarkAllProcessed flips every unprocessed change of a subscription
	// to processed and returns how many were affected.
	MarkAllProcessed(ctx context.Context, subscriptionID uuid.UUID, at time.Time) (int, error)
	// DeleteProcessedBefore purges processed changes older than cutoff.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error)
	// DeleteBySubscription removes all changes owned by a subscription.
	DeleteBySubscription(ctx context.Context, subscriptionID uuid.UUID) error
}
