// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package observer

import (
	"github.com/schemawatch/schemawatch/observer/changes"
	"github.com/schemawatch/schemawatch/observer/compare"
	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

// DB is the master database of the observer: the four collections every
// service persists into.
//
// architecture: Master Database
type DB interface {
	// Subscriptions returns the subscription store.
	Subscriptions() subscriptions.DB
	// Snapshots returns the database-snapshot store.
	Snapshots() schema.Snapshots
	// History returns the comparison-result store.
	History() compare.History
	// PendingChanges returns the detected-change store.
	PendingChanges() changes.DB

	// Close closes the underlying store.
	Close() error
}
