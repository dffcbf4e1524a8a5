// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package observerdb implements the observer's persistence interfaces
// on top of an embedded bbolt store. Documents are stored as JSON,
// keyed by identifier, with secondary index buckets ordered by
// (subscription, instant) so time-windowed scans stay cheap.
package observerdb

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/zeebo/errs"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/changes"
	"github.com/schemawatch/schemawatch/observer/compare"
	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

var (
	// Error is the default error class for the package.
	Error = errs.Class("observerdb")
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errs.Class("not found")

	// errStopIteration ends a prefix walk early.
	errStopIteration = errs.New("stop iteration")
)

var buckets = [][]byte{
	bucketSubscriptions,
	bucketSubscriptionNames,
	bucketSnapshots,
	bucketSnapshotIndex,
	bucketHistory,
	bucketHistoryIndex,
	bucketChanges,
	bucketChangeIndex,
}

var (
	bucketSubscriptions     = []byte("subscriptions")
	bucketSubscriptionNames = []byte("subscription_names")
	bucketSnapshots         = []byte("snapshots")
	bucketSnapshotIndex     = []byte("snapshot_index")
	bucketHistory           = []byte("history")
	bucketHistoryIndex      = []byte("history_index")
	bucketChanges           = []byte("changes")
	bucketChangeIndex       = []byte("change_index")
)

// DB is the embedded document store backing all four collections.
//
// architecture: Database
type DB struct {
	log *zap.Logger
	db  *bbolt.DB

	subscriptions *subscriptionsDB
	snapshots     *snapshotsDB
	history       *historyDB
	changes       *changesDB
}

// Open opens or creates the store at path.
func Open(ctx context.Context, log *zap.Logger, path string) (*DB, error) {
	boltdb, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = boltdb.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, boltdb.Close()))
	}

	db := &DB{log: log, db: boltdb}
	db.subscriptions = &subscriptionsDB{db: boltdb}
	db.snapshots = &snapshotsDB{db: boltdb}
	db.history = &historyDB{db: boltdb}
	db.changes = &changesDB{db: boltdb}
	return db, nil
}

// Subscriptions returns the subscription collection.
func (db *DB) Subscriptions() subscriptions.DB { return db.subscriptions }

// Snapshots returns the schema snapshot collection.
func (db *DB) Snapshots() schema.Snapshots { return db.snapshots }

// History returns the comparison result collection.
func (db *DB) History() compare.History { return db.history }

// PendingChanges returns the detected change collection.
func (db *DB) PendingChanges() changes.DB { return db.changes }

// Close closes the underlying store.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// indexKey builds a (subscription, instant, id) index key that sorts by
// instant within a subscription.
func indexKey(subscriptionID uuid.UUID, at time.Time, id uuid.UUID) []byte {
	key := make([]byte, 0, 16+8+16)
	key = append(key, subscriptionID[:]...)
	var nanos [8]byte
	binary.BigEndian.PutUint64(nanos[:], uint64(at.UnixNano()))
	key = append(key, nanos[:]...)
	key = append(key, id[:]...)
	return key
}

// indexPrefix is the per-subscription prefix of indexKey.
func indexPrefix(subscriptionID uuid.UUID) []byte {
	return subscriptionID[:]
}

func indexInstant(key []byte) time.Time {
	if len(key) < 16+8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[16:24]))).UTC()
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
