// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package schema

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"storj.io/common/uuid"
)

// Snapshot is a captured database side of a subscription.
type Snapshot struct {
	ID               uuid.UUID       `json:"id"`
	SubscriptionID   uuid.UUID       `json:"subscriptionId"`
	CapturedAt       time.Time       `json:"capturedAt"`
	NormalizeVersion int             `json:"normalizeVersion"`
	Hash             string          `json:"hash"`
	Objects          []ObjectSummary `json:"objects"`
}

// CalculateHash computes the overall snapshot hash: the SHA-256 of the
// per-object hashes sorted by (type, schema, name) and joined by a
// separator byte. It is used for fast "nothing changed" checks.
func CalculateHash(objects []ObjectSummary) string {
	sorted := make([]ObjectSummary, len(objects))
	copy(sorted, objects)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Key().Less(sorted[j].Key())
	})

	h := sha256.New()
	for i, object := range sorted {
		if i > 0 {
			_, _ = h.Write([]byte{'\n'})
		}
		_, _ = h.Write([]byte(object.DefinitionHash))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Snapshots stores captured database snapshots, most recent first.
//
// architecture: Database
type Snapshots interface {
	// Insert adds a snapshot.
	Insert(ctx context.Context, snapshot *Snapshot) error
	// Get returns a snapshot by id.
	Get(ctx context.Context, id uuid.UUID) (*Snapshot, error)
	// Latest returns the most recently captured snapshot for a
	// subscription, or nil when none exists.
	Latest(ctx context.Context, subscriptionID uuid.UUID) (*Snapshot, error)
	// ListBySubscription returns snapshots for a subscription ordered by
	// capture instant descending.
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*Snapshot, error)
	// DeleteOlderThan removes snapshots captured before the cutoff,
	// across all subscriptions.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	// Prune keeps only the most recent keep snapshots of a subscription.
	Prune(ctx context.Context, subscriptionID uuid.UUID, keep int) (int, error)
	// DeleteBySubscription removes all snapshots owned by a subscription.
	DeleteBySubscription(ctx context.Context, subscriptionID uuid.UUID) error
}

// FileEntry is the file-side fingerprint of a single project file.
type FileEntry struct {
	Path           string     `json:"path"`
	SchemaName     string     `json:"schemaName"`
	ObjectName     string     `json:"objectName"`
	Type           ObjectType `json:"type"`
	ContentHash    string     `json:"contentHash"`
	Definition     string     `json:"definition"`
	LastModifiedAt time.Time  `json:"lastModifiedAt"`
}

// Summary converts the entry into an object summary keyed like the
// database side.
func (e FileEntry) Summary() ObjectSummary {
	modified := e.LastModifiedAt
	return ObjectSummary{
		SchemaName:     e.SchemaName,
		ObjectName:     e.ObjectName,
		Type:           e.Type,
		DefinitionHash: e.ContentHash,
		Definition:     e.Definition,
		ModifiedAt:     &modified,
	}
}

// FileModel is the file side of a comparison. It is rebuilt per
// comparison and never persisted.
type FileModel struct {
	SubscriptionID uuid.UUID
	CapturedAt     time.Time
	Entries        map[string]FileEntry
}
