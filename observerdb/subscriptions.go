// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

package observerdb

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

// subscriptionsDB implements subscriptions.DB. A separate name bucket
// maps lowercased names to identifiers so uniqueness checks and
// by-name lookups need no scan.
type subscriptionsDB struct {
	db *bbolt.DB
}

func nameKey(name string) []byte {
	return []byte(strings.ToLower(strings.TrimSpace(name)))
}

func (db *subscriptionsDB) Insert(ctx context.Context, sub *subscriptions.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(db.db.Update(func(tx *bbolt.Tx) error {
		names := tx.Bucket(bucketSubscriptionNames)
		if existing := names.Get(nameKey(sub.Name)); existing != nil {
			return subscriptions.ErrNameInUse.New("%q", sub.Name)
		}
		if err := names.Put(nameKey(sub.Name), sub.ID[:]); err != nil {
			return err
		}
		return tx.Bucket(bucketSubscriptions).Put(sub.ID[:], data)
	}))
}

func (db *subscriptionsDB) Update(ctx context.Context, sub *subscriptions.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(db.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketSubscriptions)
		existing := docs.Get(sub.ID[:])
		if existing == nil {
			return subscriptions.ErrNotFound.New("%s", sub.ID)
		}
		var stored subscriptions.Subscription
		if err := json.Unmarshal(existing, &stored); err != nil {
			return err
		}

		names := tx.Bucket(bucketSubscriptionNames)
		if !strings.EqualFold(stored.Name, sub.Name) {
			if taken := names.Get(nameKey(sub.Name)); taken != nil {
				return subscriptions.ErrNameInUse.New("%q", sub.Name)
			}
			if err := names.Delete(nameKey(stored.Name)); err != nil {
				return err
			}
			if err := names.Put(nameKey(sub.Name), sub.ID[:]); err != nil {
				return err
			}
		}
		return docs.Put(sub.ID[:], data)
	}))
}

func (db *subscriptionsDB) Get(ctx context.Context, id uuid.UUID) (*subscriptions.Subscription, error) {
	var sub *subscriptions.Subscription
	err := db.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSubscriptions).Get(id[:])
		if data == nil {
			return subscriptions.ErrNotFound.New("%s", id)
		}
		sub = &subscriptions.Subscription{}
		return json.Unmarshal(data, sub)
	})
	if err != nil {
		if subscriptions.ErrNotFound.Has(err) {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	return sub, nil
}

func (db *subscriptionsDB) GetByName(ctx context.Context, name string) (*subscriptions.Subscription, error) {
	var sub *subscriptions.Subscription
	err := db.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketSubscriptionNames).Get(nameKey(name))
		if id == nil {
			return subscriptions.ErrNotFound.New("%q", name)
		}
		data := tx.Bucket(bucketSubscriptions).Get(id)
		if data == nil {
			return subscriptions.ErrNotFound.New("%q", name)
		}
		sub = &subscriptions.Subscription{}
		return json.Unmarshal(data, sub)
	})
	if err != nil {
		if subscriptions.ErrNotFound.Has(err) {
			return nil, err
		}
		return nil, Error.Wrap(err)
	}
	return sub, nil
}

func (db *subscriptionsDB) List(ctx context.Context) ([]*subscriptions.Subscription, error) {
	return db.list(func(sub *subscriptions.Subscription) bool { return true })
}

func (db *subscriptionsDB) ListActive(ctx context.Context) ([]*subscriptions.Subscription, error) {
	return db.list(func(sub *subscriptions.Subscription) bool {
		return sub.State == subscriptions.StateActive
	})
}

func (db *subscriptionsDB) list(keep func(*subscriptions.Subscription) bool) ([]*subscriptions.Subscription, error) {
	var subs []*subscriptions.Subscription
	err := db.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).ForEach(func(key, data []byte) error {
			sub := &subscriptions.Subscription{}
			if err := json.Unmarshal(data, sub); err != nil {
				return err
			}
			if keep(sub) {
				subs = append(subs, sub)
			}
			return nil
		})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sort.Slice(subs, func(i, j int) bool {
		return strings.ToLower(subs[i].Name) < strings.ToLower(subs[j].Name)
	})
	return subs, nil
}

func (db *subscriptionsDB) UpdateHealth(ctx context.Context, id uuid.UUID, health subscriptions.Health) error {
	return db.mutate(id, func(sub *subscriptions.Subscription) {
		sub.Health = health
	})
}

func (db *subscriptionsDB) SetLastCompared(ctx context.Context, id uuid.UUID, at time.Time) error {
	return db.mutate(id, func(sub *subscriptions.Subscription) {
		at := at
		sub.LastComparedAt = &at
	})
}

func (db *subscriptionsDB) mutate(id uuid.UUID, apply func(*subscriptions.Subscription)) error {
	err := db.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketSubscriptions)
		data := docs.Get(id[:])
		if data == nil {
			return subscriptions.ErrNotFound.New("%s", id)
		}
		var sub subscriptions.Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return err
		}
		apply(&sub)
		updated, err := json.Marshal(&sub)
		if err != nil {
			return err
		}
		return docs.Put(id[:], updated)
	})
	if err != nil && !subscriptions.ErrNotFound.Has(err) {
		return Error.Wrap(err)
	}
	return err
}

func (db *subscriptionsDB) Delete(ctx context.Context, id uuid.UUID) error {
	err := db.db.Update(func(tx *bbolt.Tx) error {
		docs := tx.Bucket(bucketSubscriptions)
		data := docs.Get(id[:])
		if data == nil {
			return subscriptions.ErrNotFound.New("%s", id)
		}
		var sub subscriptions.Subscription
		if err := json.Unmarshal(data, &sub); err != nil {
			return err
		}
		if err := tx.Bucket(bucketSubscriptionNames).Delete(nameKey(sub.Name)); err != nil {
			return err
		}
		return docs.Delete(id[:])
	})
	if err != nil && !subscriptions.ErrNotFound.Has(err) {
		return Error.Wrap(err)
	}
	return err
}
