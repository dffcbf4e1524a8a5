// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package observerdb

import (
	"context"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/schema"
)

// snapshotsDB implements schema.Snapshots. The index bucket orders
// snapshot ids by (subscription, captured-at) so Latest and Prune walk
// backwards from the end of the prefix.
type snapshotsDB struct {
	db *bbolt.DB
}

func (db *snapshotsDB) Insert(ctx context.Context, snapshot *schema.Snapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(db.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).Put(snapshot.ID[:], data); err != nil {
			return err
		}
		key := indexKey(snapshot.SubscriptionID, snapshot.CapturedAt, snapshot.ID)
		return tx.Bucket(bucketSnapshotIndex).Put(key, snapshot.ID[:])
	}))
}

func (db *snapshotsDB) Get(ctx context.Context, id uuid.UUID) (*schema.Snapshot, error) {
	var snapshot *schema.Snapshot
	err := db.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get(id[:])
		if data == nil {
			return ErrNotFound.New("snapshot %s", id)
		}
		snapshot = &schema.Snapshot{}
		return json.Unmarshal(data, snapshot)
	})
	if err != nil {
		if ErrNotFound.Has(err) {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	return snapshot, nil
}

func (db *snapshotsDB) Latest(ctx context.Context, subscriptionID uuid.UUID) (*schema.Snapshot, error) {
	var snapshot *schema.Snapshot
	err := db.db.View(func(tx *bbolt.Tx) error {
		prefix := indexPrefix(subscriptionID)
		cursor := tx.Bucket(bucketSnapshotIndex).Cursor()

		// position on the last key of the prefix range
		key, id := cursor.Seek(prefixEnd(prefix))
		if key == nil {
			key, id = cursor.Last()
		} else {
			key, id = cursor.Prev()
		}
		if key == nil || !hasPrefix(key, prefix) {
			return nil
		}
		data := tx.Bucket(bucketSnapshots).Get(id)
		if data == nil {
			return nil
		}
		snapshot = &schema.Snapshot{}
		return json.Unmarshal(data, snapshot)
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return snapshot, nil
}

func (db *snapshotsDB) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*schema.Snapshot, error) {
	var snapshots []*schema.Snapshot
	err := db.db.View(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketSnapshots)
		return walkPrefixReverse(tx.Bucket(bucketSnapshotIndex), indexPrefix(subscriptionID), func(key, id []byte) error {
			data := docs.Get(id)
			if data == nil {
				return nil
			}
			snapshot := &schema.Snapshot{}
			if err := json.Unmarshal(data, snapshot); err != nil {
				return err
			}
			snapshots = append(snapshots, snapshot)
			return nil
		})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return snapshots, nil
}

func (db *snapshotsDB) DeleteOlderThan(ctx context.Context, cutoff time.Time) (deleted int, err error) {
	err = db.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketSnapshots)
		index := tx.Bucket(bucketSnapshotIndex)

		var stale [][]byte
		cursor := index.Cursor()
		for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
			if indexInstant(key).Before(cutoff) {
				stale = append(stale, append([]byte(nil), key...))
			}
		}
		for _, key := range stale {
			id := index.Get(key)
			if err := docs.Delete(id); err != nil {
				return err
			}
			if err := index.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, Error.Wrap(err)
}

func (db *snapshotsDB) Prune(ctx context.Context, subscriptionID uuid.UUID, keep int) (deleted int, err error) {
	if keep < 0 {
		keep = 0
	}
	err = db.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketSnapshots)
		index := tx.Bucket(bucketSnapshotIndex)

		var keys [][]byte
		if err := walkPrefix(index, indexPrefix(subscriptionID), func(key, id []byte) error {
			keys = append(keys, append([]byte(nil), key...))
			return nil
		}); err != nil {
			return err
		}
		if len(keys) <= keep {
			return nil
		}
		for _, key := range keys[:len(keys)-keep] {
			id := index.Get(key)
			if err := docs.Delete(id); err != nil {
				return err
			}
			if err := index.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, Error.Wrap(err)
}

func (db *snapshotsDB) DeleteBySubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	return deleteByPrefix(db.db, bucketSnapshots, bucketSnapshotIndex, subscriptionID)
}

// prefixEnd returns the smallest key strictly after every key that has
// prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// walkPrefix visits index entries of a prefix in ascending key order.
func walkPrefix(bucket *bbolt.Bucket, prefix []byte, visit func(key, value []byte) error) error {
	cursor := bucket.Cursor()
	for key, value := cursor.Seek(prefix); key != nil && hasPrefix(key, prefix); key, value = cursor.Next() {
		if err := visit(key, value); err != nil {
			return err
		}
	}
	return nil
}

// walkPrefixReverse visits index entries of a prefix in descending key
// order.
func walkPrefixReverse(bucket *bbolt.Bucket, prefix []byte, visit func(key, value []byte) error) error {
	cursor := bucket.Cursor()

	key, value := cursor.Seek(prefixEnd(prefix))
	if key == nil {
		key, value = cursor.Last()
	} else {
		key, value = cursor.Prev()
	}
	for ; key != nil && hasPrefix(key, prefix); key, value = cursor.Prev() {
		if err := visit(key, value); err != nil {
			return err
		}
	}
	return nil
}

// deleteByPrefix removes every document of a subscription along with
// its index entries.
func deleteByPrefix(db *bbolt.DB, docBucket, indexBucket []byte, subscriptionID uuid.UUID) error {
	return Error.Wrap(db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(docBucket)
		index := tx.Bucket(indexBucket)

		var stale [][]byte
		if err := walkPrefix(index, indexPrefix(subscriptionID), func(key, id []byte) error {
			stale = append(stale, append([]byte(nil), key...))
			return nil
		}); err != nil {
			return err
		}
		for _, key := range stale {
			if id := index.Get(key); id != nil {
				if err := docs.Delete(id); err != nil {
					return err
				}
			}
			if err := index.Delete(key); err != nil {
				return err
			}
		}
		return nil
	}))
}
