// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package retention purges cached state the observer no longer needs:
// old snapshots, old comparison history and processed pending changes.
package retention

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/schemawatch/schemawatch/observer/changes"
	"github.com/schemawatch/schemawatch/observer/compare"
	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("retention")
)

// Config contains configurable values for the cleanup chore.
type Config struct {
	Enabled           bool          `help:"whether cache cleanup runs" default:"true"`
	Interval          time.Duration `help:"how often cached state is cleaned up" default:"1h" testDefault:"$TESTINTERVAL"`
	SnapshotRetention time.Duration `help:"how long snapshots are kept" default:"168h"`
	MaxSnapshots      int           `help:"how many snapshots to keep per subscription" default:"10"`
	HistoryRetention  time.Duration `help:"how long comparison results are kept" default:"720h"`
	ChangeRetention   time.Duration `help:"how long processed pending changes are kept" default:"24h"`
}

// Chore enforces the retention policies. Failures of individual steps
// only log: the next cycle retries.
//
// architecture: Chore
type Chore struct {
	log           *zap.Logger
	config        Config
	subscriptions subscriptions.DB
	snapshots     schema.Snapshots
	history       compare.History
	changes       changes.DB

	Loop *sync2.Cycle

	nowFn func() time.Time
}

// NewChore creates the cleanup chore.
func NewChore(log *zap.Logger, config Config, subs subscriptions.DB, snapshots schema.Snapshots, history compare.History, changeDB changes.DB) *Chore {
	return &Chore{
		log:           log,
		config:        config,
		subscriptions: subs,
		snapshots:     snapshots,
		history:       history,
		changes:       changeDB,
		Loop:          sync2.NewCycle(config.Interval),
		nowFn:         time.Now,
	}
}

// TestingSetNow allows tests to control retention cutoffs.
func (chore *Chore) TestingSetNow(nowFn func() time.Time) { chore.nowFn = nowFn }

// Run executes the cleanup loop until the context is canceled.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	if !chore.config.Enabled {
		return nil
	}
	return chore.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("cleanup pass failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce applies every retention policy once.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	now := chore.nowFn().UTC()

	var group errs.Group

	deleted, err := chore.snapshots.DeleteOlderThan(ctx, now.Add(-chore.config.SnapshotRetention))
	if err != nil {
		group.Add(Error.Wrap(err))
	} else if deleted > 0 {
		mon.Counter("snapshots_expired").Inc(int64(deleted))
		chore.log.Debug("deleted expired snapshots", zap.Int("count", deleted))
	}

	subs, err := chore.subscriptions.List(ctx)
	if err != nil {
		group.Add(Error.Wrap(err))
	} else {
		for _, sub := range subs {
			pruned, err := chore.snapshots.Prune(ctx, sub.ID, chore.config.MaxSnapshots)
			if err != nil {
				group.Add(Error.Wrap(err))
				continue
			}
			if pruned > 0 {
				mon.Counter("snapshots_pruned").Inc(int64(pruned))
				chore.log.Debug("pruned excess snapshots",
					zap.Stringer("subscription", sub.ID),
					zap.Int("count", pruned))
			}
		}
	}

	deleted, err = chore.history.DeleteOlderThan(ctx, now.Add(-chore.config.HistoryRetention))
	if err != nil {
		group.Add(Error.Wrap(err))
	} else if deleted > 0 {
		mon.Counter("history_expired").Inc(int64(deleted))
		chore.log.Debug("deleted expired comparison results", zap.Int("count", deleted))
	}

	deleted, err = chore.changes.DeleteProcessedBefore(ctx, now.Add(-chore.config.ChangeRetention))
	if err != nil {
		group.Add(Error.Wrap(err))
	} else if deleted > 0 {
		mon.Counter("changes_expired").Inc(int64(deleted))
		chore.log.Debug("deleted expired processed changes", zap.Int("count", deleted))
	}

	return group.Err()
}

// Close stops the cleanup loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
