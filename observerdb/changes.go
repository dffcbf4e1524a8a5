// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package observerdb

import (
	"context"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/changes"
)

// changesDB implements changes.DB.
type changesDB struct {
	db *bbolt.DB
}

func (db *changesDB) Insert(ctx context.Context, change *changes.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(db.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketChanges).Put(change.ID[:], data); err != nil {
			return err
		}
		key := indexKey(change.SubscriptionID, change.DetectedAt, change.ID)
		return tx.Bucket(bucketChangeIndex).Put(key, change.ID[:])
	}))
}

func (db *changesDB) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]changes.Change, error) {
	return db.list(subscriptionID, func(change changes.Change) bool { return true })
}

func (db *changesDB) ListUnprocessed(ctx context.Context, subscriptionID uuid.UUID) ([]changes.Change, error) {
	return db.list(subscriptionID, func(change changes.Change) bool { return !change.Processed })
}

func (db *changesDB) list(subscriptionID uuid.UUID, keep func(changes.Change) bool) ([]changes.Change, error) {
	var result []changes.Change
	err := db.db.View(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketChanges)
		return walkPrefix(tx.Bucket(bucketChangeIndex), indexPrefix(subscriptionID), func(key, id []byte) error {
			data := docs.Get(id)
			if data == nil {
				return nil
			}
			var change changes.Change
			if err := json.Unmarshal(data, &change); err != nil {
				return err
			}
			if keep(change) {
				result = append(result, change)
			}
			return nil
		})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return result, nil
}

func (db *changesDB) MarkProcessed(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	return Error.Wrap(db.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketChanges)
		for _, id := range ids {
			data := docs.Get(id[:])
			if data == nil {
				continue
			}
			var change changes.Change
			if err := json.Unmarshal(data, &change); err != nil {
				return err
			}
			if change.Processed {
				continue
			}
			at := at
			change.Processed = true
			change.ProcessedAt = &at
			updated, err := json.Marshal(&change)
			if err != nil {
				return err
			}
			if err := docs.Put(id[:], updated); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (db *changesDB) MarkAllProcessed(ctx context.Context, subscriptionID uuid.UUID, at time.Time) (affected int, err error) {
	err = db.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketChanges)
		return walkPrefix(tx.Bucket(bucketChangeIndex), indexPrefix(subscriptionID), func(key, id []byte) error {
			data := docs.Get(id)
			if data == nil {
				return nil
			}
			var change changes.Change
			if err := json.Unmarshal(data, &change); err != nil {
				return err
			}
			if change.Processed {
				return nil
			}
			at := at
			change.Processed = true
			change.ProcessedAt = &at
			updated, err := json.Marshal(&change)
			if err != nil {
				return err
			}
			if err := docs.Put(id, updated); err != nil {
				return err
			}
			affected++
			return nil
		})
	})
	return affected, Error.Wrap(err)
}

func (db *changesDB) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (deleted int, err error) {
	err = db.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketChanges)
		index := tx.Bucket(bucketChangeIndex)

		var stale [][]byte
		cursor := index.Cursor()
		for key, id := cursor.First(); key != nil; key, id = cursor.Next() {
			data := docs.Get(id)
			if data == nil {
				stale = append(stale, append([]byte(nil), key...))
				continue
			}
			var change changes.Change
			if err := json.Unmarshal(data, &change); err != nil {
				return err
			}
			if change.Processed && change.ProcessedAt != nil && change.ProcessedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), key...))
			}
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
			deleted++
		}
		return nil
	})
	return deleted, Error.Wrap(err)
}

func (db *changesDB) DeleteBySubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	return deleteByPrefix(db.db, bucketChanges, bucketChangeIndex, subscriptionID)
}
