// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package reconcile runs periodic full comparisons so drift missed by
// the event-driven paths (dropped debouncer batches, database deletes,
// watcher downtime) is eventually caught.
package reconcile

import (
	"context"
	"math/rand"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/changes"
	"github.com/schemawatch/schemawatch/observer/compare"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the package.
	Error = errs.Class("reconcile")
)

// Config contains configurable values for the reconciliation chore.
type Config struct {
	Enabled      bool          `help:"whether periodic reconciliation runs" default:"true"`
	Interval     time.Duration `help:"how often each subscription is fully reconciled" default:"5m" testDefault:"$TESTINTERVAL"`
	StartupDelay time.Duration `help:"how long to wait after startup before the first reconciliation" default:"1m" testDefault:"0"`
	MaxJitter    time.Duration `help:"upper bound of the random delay before each subscription's reconciliation" default:"30s" testDefault:"0"`
}

// Comparer runs comparisons on behalf of the chore.
type Comparer interface {
	Run(ctx context.Context, subscriptionID uuid.UUID, full bool, trigger compare.Trigger) (*compare.Result, error)
}

// Chore periodically runs full comparisons for active subscriptions
// whose last comparison is older than the reconciliation interval.
//
// architecture: Chore
type Chore struct {
	log           *zap.Logger
	config        Config
	subscriptions subscriptions.DB
	changes       changes.DB
	compares      Comparer

	Loop *sync2.Cycle

	nowFn func() time.Time
}

// NewChore creates the reconciliation chore.
func NewChore(log *zap.Logger, config Config, subs subscriptions.DB, changeDB changes.DB, compares Comparer) *Chore {
	return &Chore{
		log:           log,
		config:        config,
		subscriptions: subs,
		changes:       changeDB,
		compares:      compares,
		Loop:          sync2.NewCycle(config.Interval),
		nowFn:         time.Now,
	}
}

// TestingSetNow allows tests to control staleness decisions.
func (chore *Chore) TestingSetNow(nowFn func() time.Time) { chore.nowFn = nowFn }

// Run executes the reconciliation loop until the context is canceled.
// The startup delay gives incremental triggers the first word on a
// freshly started service.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	if !chore.config.Enabled {
		return nil
	}
	if !sync2.Sleep(ctx, chore.config.StartupDelay) {
		return nil
	}
	return chore.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("reconciliation pass failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce reconciles every active subscription with auto-compare that
// has not been compared within one interval. Subscriptions are handled
// sequentially with a random jitter each, to avoid hammering all
// databases at once.
func (chore *Chore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	subs, err := chore.subscriptions.ListActive(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	for _, sub := range subs {
		if !sub.Options.AutoCompare {
			continue
		}
		if sub.LastComparedAt != nil &&
			chore.nowFn().Sub(*sub.LastComparedAt) < chore.config.Interval {
			continue
		}
		if !sync2.Sleep(ctx, chore.jitter()) {
			return nil
		}
		chore.reconcile(ctx, sub)
	}
	return nil
}

func (chore *Chore) reconcile(ctx context.Context, sub *subscriptions.Subscription) {
	_, err := chore.compares.Run(ctx, sub.ID, true, compare.TriggerReconciliation)
	if err != nil {
		if compare.ErrInProgress.Has(err) {
			// another path is already doing the work
			return
		}
		chore.log.Warn("reconciliation comparison failed",
			zap.Stringer("subscription", sub.ID),
			zap.Error(err))
		return
	}

	processed, err := chore.changes.MarkAllProcessed(ctx, sub.ID, chore.nowFn().UTC())
	if err != nil {
		chore.log.Warn("failed to mark pending changes processed",
			zap.Stringer("subscription", sub.ID),
			zap.Error(err))
		return
	}
	if processed > 0 {
		mon.Counter("reconciled_changes").Inc(int64(processed))
		chore.log.Debug("reconciliation caught up pending changes",
			zap.Stringer("subscription", sub.ID),
			zap.Int("count", processed))
	}
}

func (chore *Chore) jitter() time.Duration {
	if chore.config.MaxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(chore.config.MaxJitter)))
}

// Close stops the reconciliation loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
