// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package observerdb

import (
	"context"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/compare"
)

// historyDB implements compare.History.
type historyDB struct {
	db *bbolt.DB
}

func (db *historyDB) Insert(ctx context.Context, result *compare.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(db.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketHistory).Put(result.ID[:], data); err != nil {
			return err
		}
		key := indexKey(result.SubscriptionID, result.ComparedAt, result.ID)
		return tx.Bucket(bucketHistoryIndex).Put(key, result.ID[:])
	}))
}

func (db *historyDB) Get(ctx context.Context, id uuid.UUID) (*compare.Result, error) {
	var result *compare.Result
	err := db.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketHistory).Get(id[:])
		if data == nil {
			return compare.ErrResultNotFound.New("%s", id)
		}
		result = &compare.Result{}
		return json.Unmarshal(data, result)
	})
	if err != nil {
		if compare.ErrResultNotFound.Has(err) {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	return result, nil
}

func (db *historyDB) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*compare.Result, error) {
	var results []*compare.Result
	err := db.db.View(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketHistory)
		return walkPrefixReverse(tx.Bucket(bucketHistoryIndex), indexPrefix(subscriptionID), func(key, id []byte) error {
			if limit > 0 && len(results) >= limit {
				return errStopIteration
			}
			data := docs.Get(id)
			if data == nil {
				return nil
			}
			result := &compare.Result{}
			if err := json.Unmarshal(data, result); err != nil {
				return err
			}
			results = append(results, result)
			return nil
		})
	})
	if err != nil && err != errStopIteration {
		return nil, Error.Wrap(err)
	}
	return results, nil
}

func (db *historyDB) DeleteOlderThan(ctx context.Context, cutoff time.Time) (deleted int, err error) {
	err = db.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketHistory)
		index := tx.Bucket(bucketHistoryIndex)

		var stale [][]byte
		cursor := index.Cursor()
		for key, _ := cursor.First(); key != nil; key, _ = cursor.Next() {
			if indexInstant(key).Before(cutoff) {
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

func (db *historyDB) DeleteBySubscription(ctx context.Context, subscriptionID uuid.UUID) error {
	return deleteByPrefix(db.db, bucketHistory, bucketHistoryIndex, subscriptionID)
}
