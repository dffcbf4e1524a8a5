// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package dbpoll detects database-side schema changes by periodically
// reading object modify instants and diffing them against the previous
// poll. SQL Server offers no push channel the observer could use
// read-only, so detection cadence is polling by design.
package dbpoll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/changes"
	"github.com/schemawatch/schemawatch/observer/dbmodel"
	"github.com/schemawatch/schemawatch/observer/events"
	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("dbpoll")
)

// Config contains configurable values for the polling detector.
type Config struct {
	Enabled  bool          `help:"whether database polling runs" default:"true"`
	Interval time.Duration `help:"how often to poll each database for schema changes" default:"30s" testDefault:"$TESTINTERVAL"`
}

// StampSource reads object modify instants from a live database.
type StampSource interface {
	Stamps(ctx context.Context, sub *subscriptions.Subscription) ([]dbmodel.Stamp, error)
}

// Chore polls the databases of active subscriptions and feeds detected
// changes into the debouncer. The first successful poll of a
// subscription only seeds the tracking state: pre-existing objects
// never produce change events.
//
// architecture: Chore
type Chore struct {
	log           *zap.Logger
	config        Config
	subscriptions subscriptions.DB
	stamps        StampSource
	debouncer     *changes.Debouncer
	events        *events.Publisher

	Loop *sync2.Cycle

	mu       sync.Mutex
	tracking map[uuid.UUID]map[schema.ObjectKey]time.Time
}

// NewChore creates the polling detector.
func NewChore(log *zap.Logger, config Config, subs subscriptions.DB, stamps StampSource, debouncer *changes.Debouncer, publisher *events.Publisher) *Chore {
	return &Chore{
		log:           log,
		config:        config,
		subscriptions: subs,
		stamps:        stamps,
		debouncer:     debouncer,
		events:        publisher,
		Loop:          sync2.NewCycle(config.Interval),
		tracking:      map[uuid.UUID]map[schema.ObjectKey]time.Time{},
	}
}

// Run executes the polling loop until the context is canceled.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	if !chore.config.Enabled {
		return nil
	}
	return chore.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("database poll failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce polls every active subscription. A failing poll of one
// subscription yields no information about it: its tracking state is
// left untouched so the next successful poll diffs against the last
// known good state.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	subs, err := chore.subscriptions.ListActive(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	active := map[uuid.UUID]struct{}{}
	for _, sub := range subs {
		if !sub.Options.CompareOnDatabaseChange {
			continue
		}
		active[sub.ID] = struct{}{}
		chore.pollOne(ctx, sub)
	}

	// drop tracking for subscriptions that are gone or paused, so a
	// later resume reseeds instead of replaying missed history
	chore.mu.Lock()
	for id := range chore.tracking {
		if _, ok := active[id]; !ok {
			delete(chore.tracking, id)
		}
	}
	chore.mu.Unlock()
	return nil
}

func (chore *Chore) pollOne(ctx context.Context, sub *subscriptions.Subscription) {
	stamps, err := chore.stamps.Stamps(ctx, sub)
	if err != nil {
		chore.log.Warn("failed to poll database",
			zap.Stringer("subscription", sub.ID),
			zap.Error(err))
		return
	}

	seen := make(map[schema.ObjectKey]time.Time, len(stamps))
	for _, stamp := range stamps {
		seen[stamp.Key] = stamp.ModifiedAt
	}

	chore.mu.Lock()
	previous, seeded := chore.tracking[sub.ID]
	chore.tracking[sub.ID] = seen
	chore.mu.Unlock()
	if !seeded {
		chore.log.Debug("seeded change tracking",
			zap.Stringer("subscription", sub.ID),
			zap.Int("objects", len(seen)))
		return
	}

	for key, modified := range seen {
		prior, existed := previous[key]
		switch {
		case !existed:
			chore.record(sub.ID, key, changes.KindCreated)
		case modified.After(prior):
			// a modify instant moving backwards (restore) carries no
			// forward change; tracking still adopts the new value
			chore.record(sub.ID, key, changes.KindModified)
		}
	}
	for key := range previous {
		if _, still := seen[key]; !still {
			chore.record(sub.ID, key, changes.KindDeleted)
		}
	}
}

func (chore *Chore) record(subscriptionID uuid.UUID, key schema.ObjectKey, kind changes.Kind) {
	mon.Counter("dbpoll_changes").Inc(1)
	objectID := fmt.Sprintf("%s.%s", key.Schema, key.Name)

	chore.events.Publish(subscriptionID, events.DatabaseChanged, map[string]interface{}{
		"schema": key.Schema,
		"object": key.Name,
		"type":   key.Type,
		"kind":   kind,
	})
	chore.debouncer.Record(subscriptionID, objectID, changes.SourceDatabase, kind, key.Type)
}

// Forget drops the tracking state of a subscription so the next poll
// reseeds it.
func (chore *Chore) Forget(subscriptionID uuid.UUID) {
	chore.mu.Lock()
	defer chore.mu.Unlock()
	delete(chore.tracking, subscriptionID)
}

// Close stops the polling loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
