// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package compare implements the comparison engine: the schema comparer
// that diffs a database snapshot against a file model, and the
// orchestrator that serializes comparisons, persists their results and
// publishes realtime events.
package compare

import (
	"context"
	"time"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/schema"
)

// Status is the outcome of a comparison.
type Status string

// Comparison outcomes.
const (
	StatusSynchronized   Status = "synchronized"
	StatusHasDifferences Status = "has-differences"
	StatusError          Status = "error"
	StatusPartial        Status = "partial"
)

// Trigger tags what caused a comparison.
type Trigger string

// Recognized triggers.
const (
	TriggerManual              Trigger = "manual"
	TriggerFileChange          Trigger = "file-change"
	TriggerDatabaseChange      Trigger = "database-change"
	TriggerReconciliation      Trigger = "reconciliation"
	TriggerSubscriptionCreated Trigger = "subscription-created"
)

// Source tells which side an observation came from.
type Source string

// Difference sources.
const (
	SourceDatabase   Source = "database"
	SourceFilesystem Source = "filesystem"
)

// DifferenceKind classifies a single object-level divergence.
type DifferenceKind string

// Difference kinds.
const (
	DiffAdd    DifferenceKind = "add"
	DiffDelete DifferenceKind = "delete"
	DiffModify DifferenceKind = "modify"
	DiffRename DifferenceKind = "rename"
)

// PropertyDifference is a named per-property divergence inside a
// difference.
type PropertyDifference struct {
	Property      string `json:"property"`
	DatabaseValue string `json:"databaseValue"`
	FileValue     string `json:"fileValue"`
}

// SchemaDifference is one object-level divergence between the database
// side and the file side.
type SchemaDifference struct {
	ID                 uuid.UUID            `json:"id"`
	Type               schema.ObjectType    `json:"type"`
	SchemaName         string               `json:"schemaName"`
	ObjectName         string               `json:"objectName"`
	Kind               DifferenceKind       `json:"kind"`
	Source             Source               `json:"source"`
	DatabaseDefinition string               `json:"databaseDefinition,omitempty"`
	FileDefinition     string               `json:"fileDefinition,omitempty"`
	FilePath           string               `json:"filePath,omitempty"`
	Properties         []PropertyDifference `json:"properties,omitempty"`
}

// Key returns the identity of the diverging object.
func (d SchemaDifference) Key() schema.ObjectKey {
	return schema.ObjectKey{Type: d.Type, Schema: d.SchemaName, Name: d.ObjectName}
}

// UnsupportedObject records an artifact excluded from the supported
// set. It never becomes a SchemaDifference.
type UnsupportedObject struct {
	Source     Source            `json:"source"`
	Type       schema.ObjectType `json:"type"`
	SchemaName string            `json:"schemaName"`
	ObjectName string            `json:"objectName"`
	FilePath   string            `json:"filePath,omitempty"`
}

// Summary aggregates a comparison's differences. All counts are exactly
// derivable from the difference list.
type Summary struct {
	TotalDifferences int `json:"totalDifferences"`
	Additions        int `json:"additions"`
	Modifications    int `json:"modifications"`
	Deletions        int `json:"deletions"`

	ByType map[schema.ObjectType]int `json:"byType,omitempty"`

	ObjectsCompared  int `json:"objectsCompared"`
	ObjectsUnchanged int `json:"objectsUnchanged"`

	UnsupportedDatabaseCount int `json:"unsupportedDatabaseCount"`
	UnsupportedFileCount     int `json:"unsupportedFileCount"`
}

// Result is a single persisted comparison.
type Result struct {
	ID             uuid.UUID     `json:"id"`
	SubscriptionID uuid.UUID     `json:"subscriptionId"`
	ComparedAt     time.Time     `json:"comparedAt"`
	Duration       time.Duration `json:"duration"`
	Status         Status        `json:"status"`
	Trigger        Trigger       `json:"trigger"`

	Summary     Summary             `json:"summary"`
	Differences []SchemaDifference  `json:"differences"`
	Unsupported []UnsupportedObject `json:"unsupported"`
}

// History stores comparison results.
//
// architecture: Database
type History interface {
	// Insert adds a comparison result.
	Insert(ctx context.Context, result *Result) error
	// Get returns a result by id.
	Get(ctx context.Context, id uuid.UUID) (*Result, error)
	// ListBySubscription returns results for a subscription ordered by
	// compared-at descending; limit <= 0 means no limit.
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*Result, error)
	// DeleteOlderThan removes results compared before the cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	// DeleteBySubscription removes all results owned by a subscription.
	DeleteBySubscription(ctx context.Context, subscriptionID uuid.UUID) error
}
